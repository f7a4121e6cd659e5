package cmd

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/audiolibrelab/ringcap/internal/audio"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:     "devices",
	Aliases: []string{"sources"},
	Short:   "List available capture devices",
	Long: `List the capture devices reported by the configured backend, or by every
available backend with --all. Device ids go into definitions.devices[].source.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		backendName, _ := cmd.Flags().GetString("backend")
		if backendName == "" {
			backendName = cfg.Device.Backend
		}

		fmt.Printf("Capture devices (%s)\n", runtime.GOOS)
		fmt.Printf("═══════════════════════════════════════\n\n")

		if !all {
			return listDevices(backendName)
		}

		available := audio.GetAvailableBackends()
		if len(available) == 0 {
			fmt.Println("No audio backends available on this system")
			return nil
		}
		for _, backendType := range available {
			if err := listDevices(string(backendType)); err != nil {
				slog.Warn("Failed to list devices", "backend", backendType, "error", err)
			}
		}
		return nil
	},
}

// listDevices prints the devices of one backend
func listDevices(backendName string) error {
	backend, err := audio.NewBackend(backendName)
	if err != nil {
		return err
	}

	devices, err := backend.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list %s devices: %w", backend.GetType(), err)
	}

	fmt.Printf("%s (%d found):\n", backend.GetType(), len(devices))
	for i, device := range devices {
		marker := ""
		if device.ID == cfg.Device.Source {
			marker = "  [configured]"
		}
		fmt.Printf("  %d. %s\n     id: %s%s\n", i+1, device.Name, device.ID, marker)
	}
	fmt.Println()

	return nil
}

func init() {
	devicesCmd.Flags().Bool("all", false, "list devices of every available backend")
	devicesCmd.Flags().StringP("backend", "b", "", "backend to query (overrides config)")
}
