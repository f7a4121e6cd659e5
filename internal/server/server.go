package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/audiolibrelab/ringcap/internal/audio"
	"github.com/audiolibrelab/ringcap/internal/service"
	"github.com/audiolibrelab/ringcap/internal/session"
)

// Server represents the web server for controlling ringcap
type Server struct {
	service service.Service
	port    string
}

// StatusResponse represents the JSON response for status endpoint
type StatusResponse struct {
	Status  string                    `json:"status"`
	Message string                    `json:"message,omitempty"`
	Session *service.RecordingSession `json:"session,omitempty"`
	Config  *ResolvedConfigInfo       `json:"resolved_config"`
}

// ResolvedConfigInfo contains configuration information for clients
type ResolvedConfigInfo struct {
	Profile   string `json:"profile"`
	OutputDir string `json:"output_dir"`
	Backend   string `json:"backend"`
	Device    string `json:"device"`
	Format    string `json:"format"`
}

// StartRequest is the body of POST /api/start
type StartRequest struct {
	SongName string `json:"song_name"`
}

// DevicesResponse represents the JSON response for devices endpoint
type DevicesResponse struct {
	Devices []audio.DeviceInfo `json:"devices"`
	Backend string             `json:"backend"`
}

// RecordingsResponse represents the JSON response for recordings endpoint
type RecordingsResponse struct {
	Recordings      []service.RecordingInfo `json:"recordings"`
	TotalCount      int                     `json:"total_count"`
	OutputDirectory string                  `json:"output_directory"`
}

// New creates a new web server instance around svc
func New(svc service.Service, port string) *Server {
	return &Server{
		service: svc,
		port:    port,
	}
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/start", s.handleStartRecording)
	mux.HandleFunc("/api/stop", s.handleStopRecording)
	mux.HandleFunc("/api/devices", s.handleDevices)
	mux.HandleFunc("/api/recordings", s.handleRecordings)
	mux.HandleFunc("/api/recordings/", s.handleRecordingDownload)
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	localIP := getLocalIP()

	slog.Info("Starting ringcap web server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// handleStatus returns the current status and session info
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}

	status, current := s.service.GetRecordingStatus()

	response := StatusResponse{
		Status:  string(status),
		Message: s.generateStatusMessage(status, current),
		Session: current,
		Config:  s.getResolvedConfigInfo(),
	}

	writeJSON(w, http.StatusOK, response)
}

// handleStartRecording starts a take for the requested song
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	var req StartRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		s.sendErrorResponse(w, http.StatusBadRequest, "Invalid request body", "operation", "start_recording", "error", err)
		return
	}

	if strings.TrimSpace(req.SongName) == "" {
		s.sendErrorResponse(w, http.StatusBadRequest, "Song name is required", "operation", "start_recording")
		return
	}

	slog.Info("Server: Starting recording", "song_name", req.SongName)
	if err := s.service.StartRecording(req.SongName); err != nil {
		s.sendErrorResponse(w, startErrorStatus(err),
			fmt.Sprintf("Failed to start recording: %v", err),
			"song_name", req.SongName, "operation", "start_recording", "code", session.CodeOf(err).String())
		return
	}

	_, current := s.service.GetRecordingStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Recording started",
		"session": current,
	})
}

// handleStopRecording stops the current recording session
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodPost) {
		return
	}

	take, err := s.service.StopRecording()
	if errors.Is(err, session.ErrNotRecording) {
		s.sendErrorResponse(w, http.StatusConflict, "No recording in progress", "operation", "stop_recording")
		return
	}

	// A degraded take is still on disk; report it with the error
	if err != nil && take == nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to stop recording: %v", err),
			"operation", "stop_recording")
		return
	}

	response := map[string]interface{}{
		"success": err == nil,
		"message": "Recording stopped",
		"take":    take,
	}
	statusCode := http.StatusOK
	if err != nil {
		response["error"] = err.Error()
		statusCode = http.StatusInternalServerError
		slog.Error("Recording stopped degraded", "path", take.Path, "frames", take.Frames, "error", err)
	}
	writeJSON(w, statusCode, response)
}

// handleDevices lists the capture devices found at startup
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}

	devices := s.service.ListDevices()
	if devices == nil {
		devices = []audio.DeviceInfo{}
	}
	writeJSON(w, http.StatusOK, DevicesResponse{
		Devices: devices,
		Backend: s.service.GetConfig().Device.Backend,
	})
}

// handleRecordings lists the takes in the output directory
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if !s.allowMethod(w, r, http.MethodGet) {
		return
	}

	recordings, err := s.service.ListRecordings()
	if err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list recordings: %v", err),
			"operation", "list_recordings")
		return
	}

	writeJSON(w, http.StatusOK, RecordingsResponse{
		Recordings:      recordings,
		TotalCount:      len(recordings),
		OutputDirectory: s.service.GetConfig().Output.Directory,
	})
}

// handleRecordingDownload serves one WAV file as an attachment
func (s *Server) handleRecordingDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := strings.TrimPrefix(r.URL.Path, "/api/recordings/")
	if filename == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}

	// Validate filename (prevent path traversal)
	if strings.Contains(filename, "..") || strings.Contains(filename, "/") || strings.Contains(filename, "\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	f, err := s.service.OpenRecording(filename)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "Error accessing file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))

	slog.Debug("Serving recording download", "filename", filename, "size", info.Size())
	http.ServeContent(w, r, filename, info.ModTime(), f)
}

func (s *Server) getResolvedConfigInfo() *ResolvedConfigInfo {
	cfg := s.service.GetConfig()
	if cfg == nil {
		return nil
	}
	return &ResolvedConfigInfo{
		Profile:   cfg.Profile,
		OutputDir: cfg.Output.Directory,
		Backend:   cfg.Device.Backend,
		Device:    cfg.Device.Source,
		Format:    cfg.AudioFormat().String(),
	}
}

// generateStatusMessage creates appropriate status messages based on current state
func (s *Server) generateStatusMessage(status service.RecordingStatus, current *service.RecordingSession) string {
	switch status {
	case service.StatusStandby:
		return ""
	case service.StatusRecording:
		if current != nil {
			return fmt.Sprintf("Recording in progress - %s", current.SongName)
		}
		return "Recording in progress"
	case service.StatusError:
		if errorDetails := s.service.GetLastError(); errorDetails != "" {
			return errorDetails
		}
		return "An error occurred during the operation"
	default:
		return ""
	}
}

func (s *Server) allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{
		"success": false,
		"error":   "Method not allowed",
	})
	return false
}

// sendErrorResponse logs the error and sends a JSON error response to the client
func (s *Server) sendErrorResponse(w http.ResponseWriter, statusCode int, errorMsg string, logContext ...interface{}) {
	logFields := []interface{}{"error_message", errorMsg, "status_code", statusCode}
	if len(logContext) > 0 {
		logFields = append(logFields, logContext...)
	}
	slog.Error("Sending error response to client", logFields...)

	writeJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   errorMsg,
	})
}

// startErrorStatus maps a StartRecording failure onto an HTTP status
func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrBusy), errors.Is(err, session.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoDevicesFound), errors.Is(err, session.ErrNoDevice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
