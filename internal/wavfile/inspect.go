package wavfile

import (
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/audiolibrelab/ringcap/internal/audio"
	goaudio "github.com/go-audio/audio"
	goriff "github.com/go-audio/riff"
	"github.com/go-audio/wav"
)

// ChunkInfo describes one top-level chunk inside the RIFF form
type ChunkInfo struct {
	ID   string `json:"id"`
	Size uint32 `json:"size"`
}

// Summary is what Inspect learns about a finished recording
type Summary struct {
	Chunks      []ChunkInfo   `json:"chunks"`
	Format      audio.Format  `json:"format"`
	DataBytes   int64         `json:"data_bytes"`
	Frames      int64         `json:"frames"`
	FactFrames  *uint32       `json:"fact_frames,omitempty"`
	Duration    time.Duration `json:"duration"`
	Peak        float64       `json:"peak"`
	PeakScanned bool          `json:"-"`
}

// Inspect walks the chunks of a WAVE file and reads its format. When
// withPeak is set the PCM payload is decoded and the absolute peak, scaled
// to [0, 1], is reported.
func Inspect(rs io.ReadSeeker, withPeak bool) (*Summary, error) {
	summary, err := scanChunks(rs)
	if err != nil {
		return nil, err
	}

	if withPeak && summary.DataBytes > 0 {
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		peak, err := scanPeak(rs, summary.Format)
		if err != nil {
			return nil, fmt.Errorf("failed to decode samples: %w", err)
		}
		summary.Peak = peak
		summary.PeakScanned = true
	}
	return summary, nil
}

func scanChunks(r io.Reader) (*Summary, error) {
	parser := goriff.New(r)
	if err := parser.ParseHeaders(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRIFF, err)
	}
	if parser.ID != riffID || parser.Format != waveID {
		return nil, ErrNotRIFF
	}

	summary := &Summary{}
	var sawFmt, sawData bool
	for {
		ch, err := parser.NextChunk()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, err
		}
		summary.Chunks = append(summary.Chunks, ChunkInfo{ID: string(ch.ID[:]), Size: uint32(ch.Size)})

		switch FourCC(ch.ID) {
		case fmtID:
			var raw struct {
				Tag           uint16
				Channels      uint16
				SampleRate    uint32
				AvgBytes      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if err := ch.ReadLE(&raw); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			summary.Format = audio.Format{
				Channels:      int(raw.Channels),
				SampleRate:    int(raw.SampleRate),
				BitsPerSample: int(raw.BitsPerSample),
			}
			sawFmt = true
		case factID:
			var frames uint32
			if err := ch.ReadLE(&frames); err != nil {
				return nil, fmt.Errorf("failed to read fact chunk: %w", err)
			}
			summary.FactFrames = &frames
		case dataID:
			summary.DataBytes = int64(ch.Size)
			sawData = true
		}

		ch.Drain()
		if ch.Size%2 == 1 {
			var pad [1]byte
			io.ReadFull(ch.R, pad[:])
		}
	}

	if !sawFmt {
		return nil, fmt.Errorf("%w: fmt", ErrNoChunk)
	}
	if !sawData {
		return nil, fmt.Errorf("%w: data", ErrNoChunk)
	}
	if align := summary.Format.BlockAlign(); align > 0 {
		summary.Frames = summary.DataBytes / int64(align)
	}
	if summary.Format.SampleRate > 0 {
		summary.Duration = time.Duration(summary.Frames) * time.Second / time.Duration(summary.Format.SampleRate)
	}
	return summary, nil
}

// peakScanSamples bounds the decode buffer so peak scans of long takes run in
// constant memory
const peakScanSamples = 16384

func scanPeak(rs io.ReadSeeker, format audio.Format) (float64, error) {
	decoder := wav.NewDecoder(rs)
	if !decoder.IsValidFile() {
		return 0, fmt.Errorf("invalid wav file: %v", decoder.Err())
	}
	if err := decoder.FwdToPCM(); err != nil {
		return 0, err
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           make([]int, peakScanSamples),
		SourceBitDepth: format.BitsPerSample,
	}

	// 8-bit PCM is unsigned and centred on 128
	var center int
	if format.BitsPerSample == 8 {
		center = 128
	}
	full := float64(int64(1) << (format.BitsPerSample - 1))

	peak := 0
	for {
		n, err := decoder.PCMBuffer(buf)
		for _, v := range buf.Data[:n] {
			v -= center
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	return math.Min(float64(peak)/full, 1), nil
}
