package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/audiolibrelab/ringcap/internal/audio"
	"github.com/spf13/viper"
)

const (
	Inherited       = "inherited"
	ProfileSpecific = "profile-specific"
	BuiltIn         = "default"

	minPageSize = 512
)

type DefinitionsConfig struct {
	Devices []DeviceDefinition `mapstructure:"devices" yaml:"devices"`
}

// DeviceDefinition names a capture device once so profiles can refer to it
type DeviceDefinition struct {
	ID      string `mapstructure:"id" yaml:"id"`
	Name    string `mapstructure:"name" yaml:"name"`
	Backend string `mapstructure:"backend" yaml:"backend"` // "pipewire", "alsa", "miniaudio", "fake", "auto"
	Source  string `mapstructure:"source" yaml:"source"`   // backend device id; empty selects the first device
}

type DeviceReference struct {
	Ref string `mapstructure:"ref" yaml:"ref"`
}

type GlobalsConfig struct {
	Output GlobalOutputConfig `mapstructure:"output" yaml:"output"`
}

type GlobalOutputConfig struct {
	RecordingsDirectory string `mapstructure:"recordings_directory" yaml:"recordings_directory"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"` // none, error, warn, info, debug
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type RootConfig struct {
	ActiveConfig string                    `mapstructure:"active_config" yaml:"active_config"`
	Globals      *GlobalsConfig            `mapstructure:"globals,omitempty" yaml:"globals,omitempty"`
	Definitions  *DefinitionsConfig        `mapstructure:"definitions,omitempty" yaml:"definitions,omitempty"`
	Configs      map[string]*ConfigProfile `mapstructure:"configs" yaml:"configs"`
	Log          LogConfig                 `mapstructure:"log" yaml:"log"`
}

type ConfigProfile struct {
	Device *DeviceReference `mapstructure:"device" yaml:"device,omitempty"`
	Format FormatConfig     `mapstructure:"format" yaml:"format"`
	Buffer BufferConfig     `mapstructure:"buffer" yaml:"buffer"`
	Output OutputConfig     `mapstructure:"output" yaml:"output"`
}

type FormatConfig struct {
	SampleRate    int `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels      int `mapstructure:"channels" yaml:"channels"`
	BitsPerSample int `mapstructure:"bits_per_sample" yaml:"bits_per_sample"`
}

type BufferConfig struct {
	SlotCount   int `mapstructure:"slot_count" yaml:"slot_count"`
	SlotDivisor int `mapstructure:"slot_divisor" yaml:"slot_divisor"`
	MinSlotSize int `mapstructure:"min_slot_size" yaml:"min_slot_size"`
}

type OutputConfig struct {
	Directory       string `mapstructure:"directory" yaml:"directory"`
	PageSize        int    `mapstructure:"page_size" yaml:"page_size"`
	FactChunk       *bool  `mapstructure:"fact_chunk" yaml:"fact_chunk,omitempty"`
	TrueSampleCount *bool  `mapstructure:"true_sample_count" yaml:"true_sample_count,omitempty"`
}

// Config is a resolved profile: references expanded, inheritance and
// built-in defaults applied
type Config struct {
	Profile string           `yaml:"profile"`
	Device  DeviceDefinition `yaml:"device"`
	Format  FormatConfig     `yaml:"format"`
	Buffer  BufferConfig     `yaml:"buffer"`
	Output  OutputConfig     `yaml:"output"`
	Log     LogConfig        `yaml:"log"`

	// Internal field to track inheritance information for config show
	Inheritance *InheritanceInfo `yaml:"-"`
}

type InheritanceInfo struct {
	Device string
	Format struct {
		SampleRate    string
		Channels      string
		BitsPerSample string
	}
	Buffer struct {
		SlotCount   string
		SlotDivisor string
		MinSlotSize string
	}
	Output struct {
		Directory       string
		PageSize        string
		FactChunk       string
		TrueSampleCount string
	}
}

func boolPtr(b bool) *bool { return &b }

var defaultConfig = Config{
	Profile: "default",
	Device: DeviceDefinition{
		ID:      "default",
		Name:    "Default capture device",
		Backend: "pipewire",
	},
	Format: FormatConfig{
		SampleRate:    48000,
		Channels:      2,
		BitsPerSample: 16,
	},
	Buffer: BufferConfig{
		SlotCount:   16,
		SlotDivisor: 16,
		MinSlotSize: 1024,
	},
	Output: OutputConfig{
		Directory:       filepath.Join(os.Getenv("HOME"), "Audio", "ringcap"),
		PageSize:        8192,
		FactChunk:       boolPtr(true),
		TrueSampleCount: boolPtr(true),
	},
	Log: LogConfig{
		Level:      "info",
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	},
}

// Default returns the built-in configuration used when no file exists
func Default() *Config {
	cfg := defaultConfig
	cfg.Output.FactChunk = boolPtr(*defaultConfig.Output.FactChunk)
	cfg.Output.TrueSampleCount = boolPtr(*defaultConfig.Output.TrueSampleCount)
	return &cfg
}

// DefaultPath is where the configuration file is looked up when --config is
// not given
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/ringcap.yaml")
}

// LoadWithProfile loads configFile and resolves profile, or the file's
// active_config when profile is empty. A missing file yields the built-in
// defaults.
func LoadWithProfile(configFile, profile string) (*Config, error) {
	if configFile == "" {
		configFile = DefaultPath()
	}

	if _, err := os.Stat(configFile); errors.Is(err, os.ErrNotExist) {
		slog.Debug("Config file not found, using built-in defaults", "path", configFile)
		cfg := Default()
		if profile != "" && profile != "default" {
			return nil, fmt.Errorf("configuration profile '%s' not found: %s does not exist", profile, configFile)
		}
		return cfg, nil
	}

	rootConfig, err := ValidateConfigurationFormat(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Determine which config to use
	configName := profile
	if configName == "" {
		configName = rootConfig.ActiveConfig
	}
	if configName == "" {
		configName = "default"
	}

	selectedProfile, exists := rootConfig.Configs[configName]
	if !exists {
		return nil, fmt.Errorf("configuration profile '%s' not found", configName)
	}

	selectedConfig, err := convertProfileToConfig(selectedProfile, rootConfig.Definitions)
	if err != nil {
		return nil, fmt.Errorf("error resolving configuration profile '%s': %w", configName, err)
	}

	// Merge with default profile if it exists and we're not already using default
	if configName != "default" {
		if defaultProfile, exists := rootConfig.Configs["default"]; exists {
			base, err := convertProfileToConfig(defaultProfile, rootConfig.Definitions)
			if err != nil {
				return nil, fmt.Errorf("error resolving default configuration: %w", err)
			}
			selectedConfig = mergeConfigs(base, selectedConfig)
		}
	}
	selectedConfig.Profile = configName

	applyDefaults(selectedConfig)
	selectedConfig.Log = mergeLog(defaultConfig.Log, rootConfig.Log)

	// Global recordings directory takes priority over profile-specific directory
	if rootConfig.Globals != nil && rootConfig.Globals.Output.RecordingsDirectory != "" {
		selectedConfig.Output.Directory = rootConfig.Globals.Output.RecordingsDirectory
	}

	selectedConfig.Output.Directory = expandPath(selectedConfig.Output.Directory)
	selectedConfig.Log.File = expandPath(selectedConfig.Log.File)

	if err := validateConfig(selectedConfig); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return selectedConfig, nil
}

// UpdateActiveConfig updates the active_config field in the config file
func UpdateActiveConfig(configFile, newActiveConfig string) error {
	if configFile == "" {
		return fmt.Errorf("no config file specified")
	}

	// Create a new viper instance to avoid interfering with the global one
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	v.Set("active_config", newActiveConfig)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("error writing config file %s: %w", configFile, err)
	}

	return nil
}

// AudioFormat returns the capture format of the resolved profile
func (c *Config) AudioFormat() audio.Format {
	return audio.Format{
		Channels:      c.Format.Channels,
		SampleRate:    c.Format.SampleRate,
		BitsPerSample: c.Format.BitsPerSample,
	}
}

// convertProfileToConfig converts a ConfigProfile to Config by resolving the device reference
func convertProfileToConfig(profile *ConfigProfile, definitions *DefinitionsConfig) (*Config, error) {
	if profile == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	config := &Config{
		Format: profile.Format,
		Buffer: profile.Buffer,
		Output: profile.Output,
	}

	if profile.Device == nil {
		return config, nil
	}
	if profile.Device.Ref == "" {
		return nil, fmt.Errorf("device: 'ref' is required")
	}

	definition := findDevice(definitions, profile.Device.Ref)
	if definition == nil {
		return nil, fmt.Errorf("device: reference '%s' not found in definitions", profile.Device.Ref)
	}
	config.Device = *definition

	return config, nil
}

func findDevice(definitions *DefinitionsConfig, id string) *DeviceDefinition {
	if definitions == nil {
		return nil
	}
	for i := range definitions.Devices {
		if definitions.Devices[i].ID == id {
			return &definitions.Devices[i]
		}
	}
	return nil
}

// mergeConfigs fills every field the profile leaves unset from base, the
// resolved default profile, and records where each value came from
func mergeConfigs(base, profile *Config) *Config {
	result := &Config{Inheritance: &InheritanceInfo{}}
	if base == nil {
		base = &Config{}
	}
	if profile == nil {
		profile = &Config{}
	}
	inh := result.Inheritance

	result.Device, inh.Device = pick(profile.Device, base.Device, profile.Device.ID != "")

	result.Format.SampleRate, inh.Format.SampleRate = pickInt(profile.Format.SampleRate, base.Format.SampleRate)
	result.Format.Channels, inh.Format.Channels = pickInt(profile.Format.Channels, base.Format.Channels)
	result.Format.BitsPerSample, inh.Format.BitsPerSample = pickInt(profile.Format.BitsPerSample, base.Format.BitsPerSample)

	result.Buffer.SlotCount, inh.Buffer.SlotCount = pickInt(profile.Buffer.SlotCount, base.Buffer.SlotCount)
	result.Buffer.SlotDivisor, inh.Buffer.SlotDivisor = pickInt(profile.Buffer.SlotDivisor, base.Buffer.SlotDivisor)
	result.Buffer.MinSlotSize, inh.Buffer.MinSlotSize = pickInt(profile.Buffer.MinSlotSize, base.Buffer.MinSlotSize)

	result.Output.Directory, inh.Output.Directory = pick(profile.Output.Directory, base.Output.Directory, profile.Output.Directory != "")
	result.Output.PageSize, inh.Output.PageSize = pickInt(profile.Output.PageSize, base.Output.PageSize)
	result.Output.FactChunk, inh.Output.FactChunk = pick(profile.Output.FactChunk, base.Output.FactChunk, profile.Output.FactChunk != nil)
	result.Output.TrueSampleCount, inh.Output.TrueSampleCount = pick(profile.Output.TrueSampleCount, base.Output.TrueSampleCount, profile.Output.TrueSampleCount != nil)

	return result
}

func pick[T any](profile, base T, set bool) (T, string) {
	if set {
		return profile, ProfileSpecific
	}
	return base, Inherited
}

func pickInt(profile, base int) (int, string) {
	return pick(profile, base, profile != 0)
}

// applyDefaults fills whatever neither the profile nor the default profile
// set from the built-in configuration
func applyDefaults(cfg *Config) {
	if cfg.Inheritance == nil {
		cfg.Inheritance = &InheritanceInfo{}
	}
	inh := cfg.Inheritance

	fill := func(v *int, def int, origin *string) {
		if *v == 0 {
			*v = def
			*origin = BuiltIn
		} else if *origin == "" {
			*origin = ProfileSpecific
		}
	}

	if cfg.Device.ID == "" {
		cfg.Device = defaultConfig.Device
		inh.Device = BuiltIn
	} else if inh.Device == "" {
		inh.Device = ProfileSpecific
	}
	if cfg.Device.Backend == "" {
		cfg.Device.Backend = defaultConfig.Device.Backend
	}

	fill(&cfg.Format.SampleRate, defaultConfig.Format.SampleRate, &inh.Format.SampleRate)
	fill(&cfg.Format.Channels, defaultConfig.Format.Channels, &inh.Format.Channels)
	fill(&cfg.Format.BitsPerSample, defaultConfig.Format.BitsPerSample, &inh.Format.BitsPerSample)
	fill(&cfg.Buffer.SlotCount, defaultConfig.Buffer.SlotCount, &inh.Buffer.SlotCount)
	fill(&cfg.Buffer.SlotDivisor, defaultConfig.Buffer.SlotDivisor, &inh.Buffer.SlotDivisor)
	fill(&cfg.Buffer.MinSlotSize, defaultConfig.Buffer.MinSlotSize, &inh.Buffer.MinSlotSize)
	fill(&cfg.Output.PageSize, defaultConfig.Output.PageSize, &inh.Output.PageSize)

	if cfg.Output.Directory == "" {
		cfg.Output.Directory = defaultConfig.Output.Directory
		inh.Output.Directory = BuiltIn
	} else if inh.Output.Directory == "" {
		inh.Output.Directory = ProfileSpecific
	}
	if cfg.Output.FactChunk == nil {
		cfg.Output.FactChunk = boolPtr(*defaultConfig.Output.FactChunk)
		inh.Output.FactChunk = BuiltIn
	} else if inh.Output.FactChunk == "" {
		inh.Output.FactChunk = ProfileSpecific
	}
	if cfg.Output.TrueSampleCount == nil {
		cfg.Output.TrueSampleCount = boolPtr(*defaultConfig.Output.TrueSampleCount)
		inh.Output.TrueSampleCount = BuiltIn
	} else if inh.Output.TrueSampleCount == "" {
		inh.Output.TrueSampleCount = ProfileSpecific
	}
}

func mergeLog(base, file LogConfig) LogConfig {
	if file.Level != "" {
		base.Level = file.Level
	}
	if file.File != "" {
		base.File = file.File
	}
	if file.MaxSizeMB != 0 {
		base.MaxSizeMB = file.MaxSizeMB
	}
	if file.MaxBackups != 0 {
		base.MaxBackups = file.MaxBackups
	}
	if file.MaxAgeDays != 0 {
		base.MaxAgeDays = file.MaxAgeDays
	}
	return base
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

var validBackends = map[string]bool{
	"":          true,
	"auto":      true,
	"pipewire":  true,
	"alsa":      true,
	"miniaudio": true,
	"malgo":     true,
	"fake":      true,
}

var validLogLevels = map[string]bool{
	"none":  true,
	"error": true,
	"warn":  true,
	"info":  true,
	"debug": true,
}

// validateConfig checks a fully resolved configuration
func validateConfig(cfg *Config) error {
	if err := cfg.AudioFormat().Validate(); err != nil {
		return fmt.Errorf("format: %w", err)
	}
	if cfg.Buffer.SlotCount <= 0 {
		return fmt.Errorf("buffer: 'slot_count' must be > 0, got: %d", cfg.Buffer.SlotCount)
	}
	if cfg.Buffer.SlotDivisor <= 0 {
		return fmt.Errorf("buffer: 'slot_divisor' must be > 0, got: %d", cfg.Buffer.SlotDivisor)
	}
	if cfg.Buffer.MinSlotSize < 0 {
		return fmt.Errorf("buffer: 'min_slot_size' must be >= 0, got: %d", cfg.Buffer.MinSlotSize)
	}
	if cfg.Output.PageSize < minPageSize {
		return fmt.Errorf("output: 'page_size' must be >= %d, got: %d", minPageSize, cfg.Output.PageSize)
	}
	if !validBackends[strings.ToLower(cfg.Device.Backend)] {
		return fmt.Errorf("device '%s': unknown backend '%s'", cfg.Device.ID, cfg.Device.Backend)
	}
	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("log: 'level' must be one of none, error, warn, info, debug, got: %s", cfg.Log.Level)
	}
	return nil
}

// ValidateConfigurationFormat validates the configuration file format and returns parsed config
func ValidateConfigurationFormat(configFile string) (*RootConfig, error) {
	v := viper.New()
	v.SetConfigFile(configFile)

	// Set environment variable prefix
	v.SetEnvPrefix("RINGCAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}

	var rootConfig RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Environment overrides for keys that may be absent from the file
	if level := v.GetString("log.level"); level != "" {
		rootConfig.Log.Level = level
	}
	if file := v.GetString("log.file"); file != "" {
		rootConfig.Log.File = file
	}

	if err := validateDefinitions(rootConfig.Definitions); err != nil {
		return nil, fmt.Errorf("invalid definitions: %w", err)
	}

	if len(rootConfig.Configs) == 0 {
		return nil, fmt.Errorf("configs section cannot be empty")
	}

	// Validate that all device references in configs are valid
	for configName, configProfile := range rootConfig.Configs {
		if err := validateProfile(configProfile, rootConfig.Definitions); err != nil {
			return nil, fmt.Errorf("invalid config '%s': %w", configName, err)
		}
	}

	return &rootConfig, nil
}

// validateDefinitions validates the definitions section. It is optional: a
// file without definitions records from the first enumerated device.
func validateDefinitions(definitions *DefinitionsConfig) error {
	if definitions == nil {
		return nil
	}

	seenIDs := make(map[string]bool)

	for i, def := range definitions.Devices {
		prefix := fmt.Sprintf("definitions.devices[%d]", i)
		if def.ID == "" {
			return fmt.Errorf("%s: 'id' is required", prefix)
		}
		if seenIDs[def.ID] {
			return fmt.Errorf("%s: duplicate ID '%s'", prefix, def.ID)
		}
		seenIDs[def.ID] = true

		if !validBackends[strings.ToLower(def.Backend)] {
			return fmt.Errorf("%s: unknown backend '%s'", prefix, def.Backend)
		}
	}

	return nil
}

// validateProfile validates the device reference and the explicit values of
// a config profile; unset values are checked after resolution
func validateProfile(profile *ConfigProfile, definitions *DefinitionsConfig) error {
	if profile == nil {
		return nil
	}

	if profile.Device != nil {
		if profile.Device.Ref == "" {
			return fmt.Errorf("device: 'ref' is required")
		}
		if findDevice(definitions, profile.Device.Ref) == nil {
			return fmt.Errorf("device: references undefined device definition '%s'", profile.Device.Ref)
		}
	}

	if profile.Format.Channels < 0 {
		return fmt.Errorf("format: 'channels' must be > 0, got: %d", profile.Format.Channels)
	}
	if profile.Format.SampleRate < 0 {
		return fmt.Errorf("format: 'sample_rate' must be > 0, got: %d", profile.Format.SampleRate)
	}
	switch profile.Format.BitsPerSample {
	case 0, 8, 16, 24, 32:
	default:
		return fmt.Errorf("format: 'bits_per_sample' must be one of 8, 16, 24, 32, got: %d", profile.Format.BitsPerSample)
	}
	if profile.Buffer.SlotCount < 0 {
		return fmt.Errorf("buffer: 'slot_count' must be > 0, got: %d", profile.Buffer.SlotCount)
	}
	if profile.Buffer.SlotDivisor < 0 {
		return fmt.Errorf("buffer: 'slot_divisor' must be > 0, got: %d", profile.Buffer.SlotDivisor)
	}
	if profile.Output.PageSize != 0 && profile.Output.PageSize < minPageSize {
		return fmt.Errorf("output: 'page_size' must be >= %d, got: %d", minPageSize, profile.Output.PageSize)
	}

	return nil
}
