package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/ringcap/internal/server"
	"github.com/audiolibrelab/ringcap/internal/service"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the ringcap HTTP API to start and stop takes, list devices and
download recordings from any device on the same network.

The server will display the local network URL for easy access from mobile devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		svc, err := service.NewFromConfig(cfg)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("ringcap web server starting", "port", port, "config", cfgFile, "profile", cfg.Profile)

		// Start server (this blocks until interrupted)
		srv := server.New(svc, port)
		serveErr := srv.Start(ctx)
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}

		// Finalize a take left running when the server goes down
		if err := svc.Close(); err != nil {
			slog.Error("Failed to stop recording on shutdown", "error", err)
		}

		if serveErr != nil {
			return fmt.Errorf("server failed: %w", serveErr)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
}
