package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/audiolibrelab/ringcap/internal/config"
	"github.com/audiolibrelab/ringcap/internal/logging"

	"github.com/spf13/cobra"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
	logCloser    io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "ringcap",
	Short: "Gap-free audio capture into WAV files",
	Long: `ringcap records a capture device into a growing WAV file through a
notification-driven ring buffer, so memory stays bounded and no audio is
dropped or duplicated however long the take runs.

Devices, formats and buffer sizing are chosen per configuration profile.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Console logging first so config loading can log
		if err := setupLogging(verboseLevel, config.LogConfig{Level: "info"}); err != nil {
			return err
		}

		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return setupLogging(verboseLevel, cfg.Log)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/ringcap.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().CountVarP(&verboseLevel, "verbose", "v", "verbose output (-v for debug)")

	// Add subcommands
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging installs the default slog logger. A -v flag overrides the
// configured level.
func setupLogging(verbose int, logCfg config.LogConfig) error {
	if logCloser != nil {
		logCloser.Close()
	}

	closer, err := logging.Setup(logging.Options{
		Level:      logging.LevelForVerbosity(verbose, logCfg.Level),
		File:       logCfg.File,
		MaxSizeMB:  logCfg.MaxSizeMB,
		MaxBackups: logCfg.MaxBackups,
		MaxAgeDays: logCfg.MaxAgeDays,
	})
	logCloser = closer
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	return nil
}
