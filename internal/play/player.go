package play

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// DefaultPlayers lists the supported command-line players in order of
// preference
var DefaultPlayers = []string{"pw-play", "aplay", "mpv", "ffplay", "vlc"}

// Player plays finished WAV takes through an external player
type Player struct {
	players  []string
	lookPath func(string) (string, error)
}

func New() *Player {
	return &Player{
		players:  DefaultPlayers,
		lookPath: exec.LookPath,
	}
}

// Play blocks until playback of path ends or ctx is cancelled
func (p *Player) Play(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("audio file not found: %s", path)
	}

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}

	cmd := exec.CommandContext(ctx, player, playerArgs(player, path)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	slog.Debug("Starting playback", "player", player, "file", path)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}
	return nil
}

func (p *Player) findAudioPlayer() (string, error) {
	for _, player := range p.players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(p.players, ", "))
}

func playerArgs(player, path string) []string {
	switch player {
	case "vlc":
		return []string{"--intf", "dummy", "--play-and-exit", path}
	case "mpv":
		return []string{"--no-video", path}
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "error", path}
	case "aplay":
		return []string{"-q", path}
	default:
		return []string{path}
	}
}
