package service

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/ringcap/internal/audio"
	"github.com/audiolibrelab/ringcap/internal/config"
	"github.com/audiolibrelab/ringcap/internal/ring"
	"github.com/audiolibrelab/ringcap/internal/session"
	"github.com/audiolibrelab/ringcap/internal/wavfile"
	"github.com/spf13/afero"
)

// Service represents the core ringcap service interface
type Service interface {
	// Recording operations
	StartRecording(songName string) error
	StopRecording() (*Take, error)
	GetRecordingStatus() (RecordingStatus, *RecordingSession)

	// Information operations
	ListDevices() []audio.DeviceInfo
	ListRecordings() ([]RecordingInfo, error)
	OpenRecording(name string) (afero.File, error)
	GetSongInfo(songName string) *SongInfo
	GetConfig() *config.Config
	GetLastError() string

	// Close stops a recording in progress
	Close() error
}

// Recorder is the capture session the service drives
type Recorder interface {
	Start(path string) error
	Stop() (int64, error)
	IsEnabled() bool
	Devices() []audio.DeviceInfo
	Format() audio.Format
	ID() string
}

// RecordingStatus represents the current recording state
type RecordingStatus string

const (
	StatusStandby   RecordingStatus = "STANDBY"
	StatusRecording RecordingStatus = "RECORDING"
	StatusError     RecordingStatus = "ERROR"
)

var (
	ErrInvalidName    = errors.New("invalid song name")
	ErrNotFound       = errors.New("recording not found")
	ErrBusy           = errors.New("a recording is already in progress")
	ErrNoDevicesFound = errors.New("no capture devices found")
)

// RecordingSession contains information about the current recording session
type RecordingSession struct {
	ID         string       `json:"id"`
	SongName   string       `json:"song_name"`
	StartTime  time.Time    `json:"start_time"`
	OutputFile string       `json:"output_file"`
	Format     audio.Format `json:"format"`
}

// Take is a finished recording
type Take struct {
	ID        string        `json:"id"`
	Song      string        `json:"song"`
	Path      string        `json:"path"`
	Frames    int64         `json:"frames"`
	Duration  time.Duration `json:"duration"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Degraded  bool          `json:"degraded"`
}

// SongInfo contains file path information for a song
type SongInfo struct {
	OutputWAV string `json:"output_wav"`
	CleanName string `json:"clean_name"`
}

// RecordingInfo describes one WAV file in the recordings directory
type RecordingInfo struct {
	Name         string        `json:"name"`
	Path         string        `json:"path"`
	Size         int64         `json:"size"`
	SizeHuman    string        `json:"size_human"`
	ModTime      time.Time     `json:"mod_time"`
	ModTimeHuman string        `json:"mod_time_human"`
	Format       audio.Format  `json:"format"`
	Frames       int64         `json:"frames"`
	Duration     time.Duration `json:"duration"`
	DownloadURL  string        `json:"download_url"`
}

// RingcapService is the main service implementation
type RingcapService struct {
	cfg      *config.Config
	fs       afero.Fs
	recorder Recorder

	mu      sync.Mutex
	current *RecordingSession
	failed  bool

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a service recording through recorder into cfg's output
// directory on fs
func New(cfg *config.Config, recorder Recorder, fs afero.Fs) *RingcapService {
	return &RingcapService{
		cfg:      cfg,
		fs:       fs,
		recorder: recorder,
	}
}

// NewFromConfig wires the configured backend into a capture session on the
// OS filesystem
func NewFromConfig(cfg *config.Config) (*RingcapService, error) {
	backend, err := audio.NewBackend(cfg.Device.Backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio backend: %w", err)
	}

	fs := afero.NewOsFs()
	controller := session.New(backend, SessionOptions(cfg, fs))
	if !controller.IsEnabled() {
		slog.Warn("No capture devices found; recording is disabled", "backend", backend.GetType())
	}
	return New(cfg, controller, fs), nil
}

// SessionOptions translates a resolved profile into capture session options
func SessionOptions(cfg *config.Config, fs afero.Fs) session.Options {
	return session.Options{
		DeviceID: cfg.Device.Source,
		Format:   cfg.AudioFormat(),
		Ring: ring.Options{
			SlotCount:   cfg.Buffer.SlotCount,
			SlotDivisor: cfg.Buffer.SlotDivisor,
			MinSlotSize: cfg.Buffer.MinSlotSize,
		},
		Writer: wavfile.Options{
			PageSize:        cfg.Output.PageSize,
			FactChunk:       cfg.Output.FactChunk == nil || *cfg.Output.FactChunk,
			TrueSampleCount: cfg.Output.TrueSampleCount == nil || *cfg.Output.TrueSampleCount,
		},
		Fs: fs,
	}
}

// StartRecording opens <directory>/<clean song name>.wav and starts capture
func (s *RingcapService) StartRecording(songName string) error {
	slog.Debug("Service.StartRecording called", "song_name", songName)
	s.clearLastError()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return ErrBusy
	}

	cleanName := cleanFileName(songName)
	if cleanName == "" {
		return fmt.Errorf("%w: %q", ErrInvalidName, songName)
	}

	if !s.recorder.IsEnabled() {
		s.failed = true
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", ErrNoDevicesFound))
		return ErrNoDevicesFound
	}

	if err := s.fs.MkdirAll(s.cfg.Output.Directory, 0755); err != nil {
		s.failed = true
		s.setLastError(fmt.Sprintf("Failed to create recordings directory: %v", err))
		return fmt.Errorf("failed to create recordings directory: %w", err)
	}

	path, err := s.availablePath(cleanName)
	if err != nil {
		return err
	}

	if err := s.recorder.Start(path); err != nil {
		s.failed = true
		s.setLastError(fmt.Sprintf("Failed to start recording (%s): %v", session.CodeOf(err), err))
		return fmt.Errorf("failed to start recording: %w", err)
	}

	s.failed = false
	s.current = &RecordingSession{
		ID:         s.recorder.ID(),
		SongName:   songName,
		StartTime:  time.Now(),
		OutputFile: path,
		Format:     s.recorder.Format(),
	}
	slog.Info("Recording started", "song_name", songName, "path", path)
	return nil
}

// StopRecording stops the current recording and finalizes its file. A
// degraded recording is still returned, alongside the error.
func (s *RingcapService) StopRecording() (*Take, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil, session.ErrNotRecording
	}
	current := s.current

	frames, err := s.recorder.Stop()
	if errors.Is(err, session.ErrNotRecording) {
		s.current = nil
		return nil, err
	}
	s.current = nil

	format := current.Format
	take := &Take{
		ID:        current.ID,
		Song:      current.SongName,
		Path:      current.OutputFile,
		Frames:    frames,
		Duration:  framesToDuration(frames, format.SampleRate),
		StartTime: current.StartTime,
		EndTime:   time.Now(),
		Degraded:  errors.Is(err, session.ErrDegraded),
	}

	if err != nil {
		s.failed = true
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return take, fmt.Errorf("failed to stop recording: %w", err)
	}

	s.clearLastError()
	slog.Info("Take saved", "song_name", take.Song, "path", take.Path, "frames", frames, "duration", take.Duration)
	return take, nil
}

// GetRecordingStatus returns the current recording status and session info
func (s *RingcapService) GetRecordingStatus() (RecordingStatus, *RecordingSession) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.current != nil:
		current := *s.current
		return StatusRecording, &current
	case s.failed:
		return StatusError, nil
	default:
		return StatusStandby, nil
	}
}

func (s *RingcapService) ListDevices() []audio.DeviceInfo {
	return s.recorder.Devices()
}

// ListRecordings returns the WAV files in the recordings directory, newest
// first. Files that cannot be parsed are listed without audio details.
func (s *RingcapService) ListRecordings() ([]RecordingInfo, error) {
	recordingDir := s.cfg.Output.Directory

	if err := s.fs.MkdirAll(recordingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	files, err := afero.ReadDir(s.fs, recordingDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read recordings directory: %w", err)
	}

	s.mu.Lock()
	var active string
	if s.current != nil {
		active = s.current.OutputFile
	}
	s.mu.Unlock()

	recordings := []RecordingInfo{}
	for _, file := range files {
		if file.IsDir() || strings.ToLower(filepath.Ext(file.Name())) != ".wav" {
			continue
		}

		filePath := filepath.Join(recordingDir, file.Name())
		info := RecordingInfo{
			Name:         file.Name(),
			Path:         filePath,
			Size:         file.Size(),
			SizeHuman:    formatBytes(file.Size()),
			ModTime:      file.ModTime(),
			ModTimeHuman: file.ModTime().Format("2006-01-02 15:04:05"),
			DownloadURL:  fmt.Sprintf("/api/recordings/%s", file.Name()),
		}

		// The file being recorded has placeholder sizes until it is closed
		if filePath != active {
			if summary, err := s.inspect(filePath); err != nil {
				slog.Warn("Failed to inspect recording", "file", file.Name(), "error", err)
			} else {
				info.Format = summary.Format
				info.Frames = summary.Frames
				info.Duration = summary.Duration
			}
		}

		recordings = append(recordings, info)
	}

	// Sort by modification time (newest first)
	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})

	return recordings, nil
}

// OpenRecording opens a recording by file name for download
func (s *RingcapService) OpenRecording(name string) (afero.File, error) {
	if name == "" || filepath.Base(name) != name || strings.ToLower(filepath.Ext(name)) != ".wav" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	f, err := s.fs.Open(filepath.Join(s.cfg.Output.Directory, name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, nil
}

// GetSongInfo returns file path information for a song
func (s *RingcapService) GetSongInfo(songName string) *SongInfo {
	cleanName := cleanFileName(songName)
	return &SongInfo{
		OutputWAV: filepath.Join(s.cfg.Output.Directory, cleanName+".wav"),
		CleanName: cleanName,
	}
}

// GetConfig returns the current configuration
func (s *RingcapService) GetConfig() *config.Config {
	return s.cfg
}

func (s *RingcapService) Close() error {
	s.mu.Lock()
	recording := s.current != nil
	s.mu.Unlock()

	if !recording {
		return nil
	}
	_, err := s.StopRecording()
	return err
}

func (s *RingcapService) inspect(path string) (*wavfile.Summary, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return wavfile.Inspect(f, false)
}

// availablePath returns <dir>/<name>.wav, or <dir>/<name>_N.wav when earlier
// takes of the same song exist
func (s *RingcapService) availablePath(cleanName string) (string, error) {
	dir := s.cfg.Output.Directory
	path := filepath.Join(dir, cleanName+".wav")
	for n := 2; ; n++ {
		exists, err := afero.Exists(s.fs, path)
		if err != nil {
			return "", fmt.Errorf("failed to check %s: %w", path, err)
		}
		if !exists {
			return path, nil
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.wav", cleanName, n))
	}
}

// GetLastError returns the last error message (thread-safe)
func (s *RingcapService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *RingcapService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *RingcapService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// Helper functions

// cleanFileName keeps letters, digits, hyphens and underscores, turning
// spaces into underscores
func cleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

func framesToDuration(frames int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
