package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/audiolibrelab/ringcap/internal/play"
	"github.com/audiolibrelab/ringcap/internal/service"
	"github.com/audiolibrelab/ringcap/internal/session"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record [song-name]",
	Short: "Record the configured capture device into a WAV file",
	Long: `Record from the configured capture device into <output directory>/<song-name>.wav.
Recording runs until Ctrl+C, or for --duration when given. Earlier takes of the
same song are kept; new takes are numbered.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		songName := args[0]
		slog.Info("Record command started", "song_name", songName, "profile", cfg.Profile)

		if err := applyRecordOverrides(cmd); err != nil {
			return err
		}

		duration, _ := cmd.Flags().GetDuration("duration")

		svc, err := service.NewFromConfig(cfg)
		if err != nil {
			return err
		}

		if err := svc.StartRecording(songName); err != nil {
			return fmt.Errorf("failed to start recording (%s): %w", session.CodeOf(err), err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
			slog.Info("Recording... stops automatically", "duration", duration)
		} else {
			slog.Info("Recording... Press Ctrl+C to stop")
		}

		<-ctx.Done()
		slog.Info("Stopping recording...")

		take, err := svc.StopRecording()
		if take != nil {
			fmt.Printf("Saved %s\n", take.Path)
			fmt.Printf("  frames:   %d\n", take.Frames)
			fmt.Printf("  duration: %s\n", take.Duration.Round(time.Millisecond))
		}
		if errors.Is(err, session.ErrDegraded) {
			return fmt.Errorf("recording is incomplete: %w", err)
		}
		if err != nil {
			return err
		}

		if playAfter, _ := cmd.Flags().GetBool("play"); playAfter {
			stop()
			return play.New().Play(cmd.Context(), take.Path)
		}
		return nil
	},
}

// applyRecordOverrides applies command-line overrides on top of the profile
func applyRecordOverrides(cmd *cobra.Command) error {
	if output, _ := cmd.Flags().GetString("output"); output != "" {
		cfg.Output.Directory = output
	}
	if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
		cfg.Device.Backend = backend
	}
	if device, _ := cmd.Flags().GetString("device"); device != "" {
		cfg.Device.Source = device
	}
	if rate, _ := cmd.Flags().GetInt("rate"); rate > 0 {
		cfg.Format.SampleRate = rate
	}
	if channels, _ := cmd.Flags().GetInt("channels"); channels > 0 {
		cfg.Format.Channels = channels
	}
	if bits, _ := cmd.Flags().GetInt("bits"); bits > 0 {
		cfg.Format.BitsPerSample = bits
	}
	if err := cfg.AudioFormat().Validate(); err != nil {
		return fmt.Errorf("invalid capture format: %w", err)
	}
	return nil
}

func init() {
	recordCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	recordCmd.Flags().StringP("backend", "b", "", "audio backend: pipewire, alsa, miniaudio, fake, auto (overrides config)")
	recordCmd.Flags().StringP("device", "d", "", "capture device id, see 'ringcap devices' (overrides config)")
	recordCmd.Flags().Int("rate", 0, "sample rate in Hz (overrides config)")
	recordCmd.Flags().Int("channels", 0, "channel count (overrides config)")
	recordCmd.Flags().Int("bits", 0, "bits per sample: 8, 16, 24 or 32 (overrides config)")
	recordCmd.Flags().Bool("play", false, "play the take back after recording")
	recordCmd.Flags().DurationP("duration", "t", 0, "stop after this long (default: until Ctrl+C)")
}
