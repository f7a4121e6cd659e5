package audio

import "fmt"

// Format describes linear PCM capture parameters
type Format struct {
	Channels      int `json:"channels" yaml:"channels"`
	SampleRate    int `json:"sample_rate" yaml:"sample_rate"`
	BitsPerSample int `json:"bits_per_sample" yaml:"bits_per_sample"`
}

// DefaultFormat is 48 kHz stereo 16-bit PCM
var DefaultFormat = Format{
	Channels:      2,
	SampleRate:    48000,
	BitsPerSample: 16,
}

// BlockAlign returns the size of one sample frame in bytes
func (f Format) BlockAlign() int {
	return f.Channels * (f.BitsPerSample / 8)
}

// AvgByteRate returns the number of bytes produced per second
func (f Format) AvgByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// Validate checks that the format describes a usable PCM layout
func (f Format) Validate() error {
	if f.Channels <= 0 {
		return fmt.Errorf("channels must be > 0, got %d", f.Channels)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be > 0, got %d", f.SampleRate)
	}
	switch f.BitsPerSample {
	case 8, 16, 24, 32:
	default:
		return fmt.Errorf("bits per sample must be one of 8, 16, 24, 32, got %d", f.BitsPerSample)
	}
	if f.BlockAlign() <= 0 {
		return fmt.Errorf("block alignment must be > 0")
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dch/%dHz/%dbit", f.Channels, f.SampleRate, f.BitsPerSample)
}
