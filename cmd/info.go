package cmd

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/ringcap/internal/wavfile"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [file.wav | take-name]",
	Short: "Show the chunk layout, format and length of a recording",
	Long: `Parse a WAV file and print its chunks, capture format, frame count, fact
chunk value, duration and peak level. A bare name is looked up as
<output directory>/<name>.wav.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveRecordingPath(args[0])
		asJSON, _ := cmd.Flags().GetBool("json")
		noPeak, _ := cmd.Flags().GetBool("no-peak")

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open recording: %w", err)
		}
		defer f.Close()

		summary, err := wavfile.Inspect(f, !noPeak)
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", path, err)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}

		printSummary(path, summary)
		return nil
	},
}

// resolveRecordingPath maps a take name onto the configured output directory
// unless arg already names an existing file
func resolveRecordingPath(arg string) string {
	if _, err := os.Stat(arg); err == nil {
		return arg
	}
	if strings.ContainsRune(arg, os.PathSeparator) {
		return arg
	}
	if !strings.EqualFold(filepath.Ext(arg), ".wav") {
		arg += ".wav"
	}
	return filepath.Join(cfg.Output.Directory, arg)
}

func printSummary(path string, summary *wavfile.Summary) {
	fmt.Printf("=== %s ===\n", path)

	fmt.Printf("\n[Chunks]\n")
	for _, chunk := range summary.Chunks {
		fmt.Printf("  %-4s %d bytes\n", chunk.ID, chunk.Size)
	}

	fmt.Printf("\n[Format]\n")
	fmt.Printf("channels: %d\n", summary.Format.Channels)
	fmt.Printf("sample_rate: %d\n", summary.Format.SampleRate)
	fmt.Printf("bits_per_sample: %d\n", summary.Format.BitsPerSample)
	fmt.Printf("block_align: %d\n", summary.Format.BlockAlign())

	fmt.Printf("\n[Audio]\n")
	fmt.Printf("data_bytes: %d\n", summary.DataBytes)
	fmt.Printf("frames: %d\n", summary.Frames)
	if summary.FactFrames != nil {
		fmt.Printf("fact_frames: %d\n", *summary.FactFrames)
	} else {
		fmt.Printf("fact_frames: (no fact chunk)\n")
	}
	fmt.Printf("duration: %s\n", summary.Duration.Round(time.Millisecond))
	if summary.PeakScanned {
		fmt.Printf("peak: %.3f (%s)\n", summary.Peak, formatDBFS(summary.Peak))
	}
}

func formatDBFS(peak float64) string {
	if peak <= 0 {
		return "-inf dBFS"
	}
	return fmt.Sprintf("%.1f dBFS", 20*math.Log10(peak))
}

func init() {
	infoCmd.Flags().Bool("json", false, "print the summary as JSON")
	infoCmd.Flags().Bool("no-peak", false, "skip decoding samples for the peak level")
}
