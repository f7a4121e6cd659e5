package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/audiolibrelab/ringcap/internal/audio"
	"github.com/audiolibrelab/ringcap/internal/config"
	"github.com/audiolibrelab/ringcap/internal/service"
	"github.com/audiolibrelab/ringcap/internal/session"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, fakeOpts audio.FakeOptions) (http.Handler, *audio.FakeBackend) {
	t.Helper()
	cfg := config.Default()
	cfg.Device.Backend = "fake"
	cfg.Format = config.FormatConfig{SampleRate: 8000, Channels: 1, BitsPerSample: 8}
	cfg.Output.Directory = "/recordings"

	fs := afero.NewMemMapFs()
	backend := audio.NewFakeBackend(fakeOpts)
	controller := session.New(backend, service.SessionOptions(cfg, fs))
	svc := service.New(cfg, controller, fs)
	return New(svc, "0").Handler(), backend
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStatusStandby(t *testing.T) {
	h, _ := newTestServer(t, audio.FakeOptions{})

	rec := do(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "STANDBY", status.Status)
	assert.Nil(t, status.Session)
	require.NotNil(t, status.Config)
	assert.Equal(t, "1ch/8000Hz/8bit", status.Config.Format)
	assert.Equal(t, "/recordings", status.Config.OutputDir)
}

func TestRecordThroughAPI(t *testing.T) {
	h, backend := newTestServer(t, audio.FakeOptions{})

	rec := do(t, h, http.MethodPost, "/api/start", `{"song_name":"Night Drive"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/status", "")
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "RECORDING", status.Status)
	assert.Equal(t, "Recording in progress - Night Drive", status.Message)
	require.NotNil(t, status.Session)
	assert.Equal(t, "/recordings/Night_Drive.wav", status.Session.OutputFile)

	backend.LastRing().Advance(3072)

	rec = do(t, h, http.MethodPost, "/api/stop", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	take := body["take"].(map[string]interface{})
	assert.EqualValues(t, 3072, take["frames"])

	rec = do(t, h, http.MethodGet, "/api/recordings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list RecordingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.TotalCount)
	assert.Equal(t, "Night_Drive.wav", list.Recordings[0].Name)
	assert.EqualValues(t, 3072, list.Recordings[0].Frames)

	rec = do(t, h, http.MethodGet, list.Recordings[0].DownloadURL, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "Night_Drive.wav")
	assert.Equal(t, "RIFF", rec.Body.String()[:4])
	assert.EqualValues(t, list.Recordings[0].Size, rec.Body.Len())
}

func TestStartErrors(t *testing.T) {
	h, _ := newTestServer(t, audio.FakeOptions{})

	rec := do(t, h, http.MethodPost, "/api/start", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/start", `{"song_name":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Song name is required", decode(t, rec)["error"])

	rec = do(t, h, http.MethodPost, "/api/start", `{"song_name":"%%%"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/start", `{"song_name":"one"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/start", `{"song_name":"two"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartWithoutDevices(t *testing.T) {
	h, _ := newTestServer(t, audio.FakeOptions{Devices: []audio.DeviceInfo{}})

	rec := do(t, h, http.MethodPost, "/api/start", `{"song_name":"song"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/status", "")
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ERROR", status.Status)
	assert.Contains(t, status.Message, "no capture devices")

	rec = do(t, h, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var devices DevicesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	assert.Empty(t, devices.Devices)
	assert.NotNil(t, devices.Devices)
}

func TestStartHardwareFailure(t *testing.T) {
	h, _ := newTestServer(t, audio.FakeOptions{StartErr: errors.New("busy")})

	rec := do(t, h, http.MethodPost, "/api/start", `{"song_name":"song"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "hardware capture start failed")
}

func TestStopWithoutRecording(t *testing.T) {
	h, _ := newTestServer(t, audio.FakeOptions{})
	rec := do(t, h, http.MethodPost, "/api/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDevices(t *testing.T) {
	h, _ := newTestServer(t, audio.FakeOptions{})

	rec := do(t, h, http.MethodGet, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var devices DevicesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
	assert.Equal(t, "fake", devices.Backend)
	assert.Equal(t, []audio.DeviceInfo{{ID: "fake:0", Name: "Fake Capture Device"}}, devices.Devices)
}

func TestDownloadErrors(t *testing.T) {
	h, _ := newTestServer(t, audio.FakeOptions{})

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/recordings/", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/recordings/..%5Csecret.wav", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/recordings/missing.wav", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodDelete, "/api/recordings/missing.wav", "").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	h, _ := newTestServer(t, audio.FakeOptions{})

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/status"},
		{http.MethodGet, "/api/start"},
		{http.MethodGet, "/api/stop"},
		{http.MethodPost, "/api/devices"},
		{http.MethodPut, "/api/recordings"},
	}

	for _, tt := range tests {
		rec := do(t, h, tt.method, tt.path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, tt.method+" "+tt.path)
		assert.Equal(t, false, decode(t, rec)["success"])
	}
}
