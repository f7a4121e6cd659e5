package cmd

import (
	"fmt"

	"github.com/audiolibrelab/ringcap/internal/config"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `View and manage ringcap configuration profiles.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Print the resolved configuration of the active profile as YAML. With
--resolved, each value is marked as inherited from the default profile or
set by the profile itself.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolved, _ := cmd.Flags().GetBool("resolved")
		if resolved {
			printResolved(cfg)
			return nil
		}

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

var configUseCmd = &cobra.Command{
	Use:   "use [profile]",
	Short: "Set the active profile in the configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		// Resolve first so a broken profile never becomes active
		if _, err := config.LoadWithProfile(cfgFile, name); err != nil {
			return err
		}
		if err := config.UpdateActiveConfig(cfgFile, name); err != nil {
			return err
		}
		fmt.Printf("Active profile set to '%s' in %s\n", name, cfgFile)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(cfgFile)
	},
}

func printResolved(cfg *config.Config) {
	inh := cfg.Inheritance
	if inh == nil {
		inh = &config.InheritanceInfo{}
	}

	fmt.Printf("=== RESOLVED CONFIGURATION (%s) ===\n", cfg.Profile)

	fmt.Printf("\n[Device]\n")
	fmt.Printf("id: %s %s\n", cfg.Device.ID, getInheritanceIndicator(inh.Device))
	fmt.Printf("name: %s\n", cfg.Device.Name)
	fmt.Printf("backend: %s\n", cfg.Device.Backend)
	fmt.Printf("source: %s\n", orDefault(cfg.Device.Source, "(first enumerated device)"))

	fmt.Printf("\n[Format]\n")
	fmt.Printf("sample_rate: %d %s\n", cfg.Format.SampleRate, getInheritanceIndicator(inh.Format.SampleRate))
	fmt.Printf("channels: %d %s\n", cfg.Format.Channels, getInheritanceIndicator(inh.Format.Channels))
	fmt.Printf("bits_per_sample: %d %s\n", cfg.Format.BitsPerSample, getInheritanceIndicator(inh.Format.BitsPerSample))

	fmt.Printf("\n[Buffer]\n")
	fmt.Printf("slot_count: %d %s\n", cfg.Buffer.SlotCount, getInheritanceIndicator(inh.Buffer.SlotCount))
	fmt.Printf("slot_divisor: %d %s\n", cfg.Buffer.SlotDivisor, getInheritanceIndicator(inh.Buffer.SlotDivisor))
	fmt.Printf("min_slot_size: %d %s\n", cfg.Buffer.MinSlotSize, getInheritanceIndicator(inh.Buffer.MinSlotSize))

	fmt.Printf("\n[Output]\n")
	fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Output.Directory))
	fmt.Printf("page_size: %d %s\n", cfg.Output.PageSize, getInheritanceIndicator(inh.Output.PageSize))
	fmt.Printf("fact_chunk: %t %s\n", boolValue(cfg.Output.FactChunk), getInheritanceIndicator(inh.Output.FactChunk))
	fmt.Printf("true_sample_count: %t %s\n", boolValue(cfg.Output.TrueSampleCount), getInheritanceIndicator(inh.Output.TrueSampleCount))

	fmt.Printf("\n[Log]\n")
	fmt.Printf("level: %s\n", cfg.Log.Level)
	fmt.Printf("file: %s\n", orDefault(cfg.Log.File, "(stderr)"))
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case config.Inherited:
		return "[inherited]"
	case config.ProfileSpecific:
		return "[profile-specific]"
	case config.BuiltIn:
		return "[default]"
	default:
		return "[unknown]"
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func boolValue(b *bool) bool {
	return b != nil && *b
}

func init() {
	configShowCmd.Flags().Bool("resolved", false, "show inheritance indicators for each value")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configUseCmd)
	configCmd.AddCommand(configPathCmd)
}
