package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/ringcap/internal/play"
	"github.com/spf13/cobra"
)

var playCmd = &cobra.Command{
	Use:   "play [file.wav | take-name]",
	Short: "Play a recorded take",
	Long:  `Play a take through the first available player (pw-play, aplay, mpv, ffplay, vlc).`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return play.New().Play(ctx, resolveRecordingPath(args[0]))
	},
}
