package audio

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

const arecordOutput = `**** List of CAPTURE Hardware Devices ****
card 0: PCH [HDA Intel PCH], device 0: ALC3246 Analog [ALC3246 Analog]
  Subdevices: 1/1
  Subdevice #0: subdevice #0
card 1: USB [Scarlett 2i2 USB], device 0: USB Audio [USB Audio]
  Subdevices: 0/1
  Subdevice #0: subdevice #0
`

func TestFormatDerivedSizes(t *testing.T) {
	tests := []struct {
		format     Format
		blockAlign int
		byteRate   int
	}{
		{Format{Channels: 2, SampleRate: 48000, BitsPerSample: 16}, 4, 192000},
		{Format{Channels: 1, SampleRate: 8000, BitsPerSample: 8}, 1, 8000},
		{Format{Channels: 3, SampleRate: 44100, BitsPerSample: 24}, 9, 396900},
	}

	for _, tt := range tests {
		if got := tt.format.BlockAlign(); got != tt.blockAlign {
			t.Errorf("%s: BlockAlign() = %d, want %d", tt.format, got, tt.blockAlign)
		}
		if got := tt.format.AvgByteRate(); got != tt.byteRate {
			t.Errorf("%s: AvgByteRate() = %d, want %d", tt.format, got, tt.byteRate)
		}
		if err := tt.format.Validate(); err != nil {
			t.Errorf("%s: unexpected validation error: %v", tt.format, err)
		}
	}
}

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		format  Format
		wantErr string
	}{
		{Format{Channels: 0, SampleRate: 48000, BitsPerSample: 16}, "channels"},
		{Format{Channels: 2, SampleRate: 0, BitsPerSample: 16}, "sample rate"},
		{Format{Channels: 2, SampleRate: 48000, BitsPerSample: 12}, "bits per sample"},
	}

	for _, tt := range tests {
		err := tt.format.Validate()
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%s: expected error containing %q, got %v", tt.format, tt.wantErr, err)
		}
	}

	if DefaultFormat.String() != "2ch/48000Hz/16bit" {
		t.Errorf("Unexpected default format: %s", DefaultFormat)
	}
}

func TestParseArecordList(t *testing.T) {
	devices := parseArecordList(arecordOutput)

	expected := []DeviceInfo{
		{ID: "hw:CARD=PCH,DEV=0", Name: "HDA Intel PCH"},
		{ID: "hw:CARD=USB,DEV=0", Name: "Scarlett 2i2 USB"},
	}
	if len(devices) != len(expected) {
		t.Fatalf("Expected %d devices, got %d: %v", len(expected), len(devices), devices)
	}
	for i := range expected {
		if devices[i] != expected[i] {
			t.Errorf("Device %d: expected %+v, got %+v", i, expected[i], devices[i])
		}
	}

	if got := parseArecordList("**** List of CAPTURE Hardware Devices ****\n"); len(got) != 0 {
		t.Errorf("Expected no devices, got %v", got)
	}
}

func TestALSABackend(t *testing.T) {
	backend := &ALSABackend{listOutput: func() ([]byte, error) { return []byte(arecordOutput), nil }}

	devices, err := backend.ListDevices()
	if err != nil || len(devices) != 2 {
		t.Fatalf("ListDevices() = %v, %v", devices, err)
	}

	device, err := backend.Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	args := strings.Join(device.(*streamDevice).command(Format{Channels: 1, SampleRate: 44100, BitsPerSample: 24}), " ")
	expected := "arecord -D default -f S24_3LE -r 44100 -c 1 -t raw -q -"
	if args != expected {
		t.Errorf("Expected command %q, got %q", expected, args)
	}

	failing := &ALSABackend{listOutput: func() ([]byte, error) { return nil, errors.New("no arecord") }}
	if _, err := failing.ListDevices(); err == nil {
		t.Error("Expected error when arecord fails")
	}
}

func TestDetermineBackend(t *testing.T) {
	tests := map[string]BackendType{
		"pipewire":   BackendTypePipeWire,
		"PipeWire ":  BackendTypePipeWire,
		"alsa":       BackendTypeALSA,
		"miniaudio":  BackendTypeMiniaudio,
		"malgo":      BackendTypeMiniaudio,
		"fake":       BackendTypeFake,
		"coreaudio":  BackendType("coreaudio"),
	}
	for name, expected := range tests {
		if got := determineBackend(name); got != expected {
			t.Errorf("determineBackend(%q) = %s, want %s", name, got, expected)
		}
	}
}

func TestNewBackend(t *testing.T) {
	backend, err := NewBackend("fake")
	if err != nil {
		t.Fatalf("NewBackend(fake) failed: %v", err)
	}
	if backend.GetType() != BackendTypeFake {
		t.Errorf("Expected fake backend, got %s", backend.GetType())
	}

	if _, err := NewBackend("coreaudio"); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestFakeBackendOpen(t *testing.T) {
	backend := NewFakeBackend(FakeOptions{})

	devices, _ := backend.ListDevices()
	if len(devices) != 1 || devices[0].ID != "fake:0" {
		t.Fatalf("Unexpected default devices: %v", devices)
	}

	if _, err := backend.Open("fake:9"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Expected ErrDeviceNotFound, got %v", err)
	}

	device, err := backend.Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if backend.OpenDevices() != 1 {
		t.Errorf("Expected 1 open device, got %d", backend.OpenDevices())
	}
	if err := device.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := device.Close(); err == nil {
		t.Error("Expected error closing twice")
	}
	if backend.OpenDevices() != 0 {
		t.Errorf("Expected 0 open devices, got %d", backend.OpenDevices())
	}
}

func TestFakeRingAdvanceFollowsPattern(t *testing.T) {
	backend := NewFakeBackend(FakeOptions{})
	device, _ := backend.Open("fake:0")
	buffer, err := device.CreateRingBuffer(Format{Channels: 1, SampleRate: 8000, BitsPerSample: 8}, 300)
	if err != nil {
		t.Fatalf("CreateRingBuffer failed: %v", err)
	}
	ring := backend.LastRing()
	if ring == nil || ring != buffer {
		t.Fatal("LastRing does not return the created ring")
	}

	buffer.Start(true)
	ring.Advance(260)
	ring.Advance(100)

	// Bytes 60..359 are in the ring; 300..359 wrapped to the start
	r1, r2, err := buffer.Lock(60, 300)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	all := append(append([]byte{}, r1...), r2...)
	for i, b := range all {
		if b != PatternByte(uint64(60+i)) {
			t.Fatalf("Byte %d: expected %d, got %d", i, PatternByte(uint64(60+i)), b)
		}
	}
	buffer.Unlock(r1, r2)

	ring.FailCursors(1)
	if _, _, err := buffer.Cursors(); err == nil {
		t.Error("Expected injected cursor failure")
	}
	if _, _, err := buffer.Cursors(); err != nil {
		t.Errorf("Expected cursor failure to clear, got %v", err)
	}

	buffer.Stop()
	buffer.Release()
	if ring.Started() || !ring.Released() {
		t.Errorf("Expected stopped and released ring, started=%v released=%v", ring.Started(), ring.Released())
	}
}

func TestFakeRealtimeProducesAtByteRate(t *testing.T) {
	backend := NewFakeBackend(FakeOptions{Realtime: true, Tick: 5 * time.Millisecond})
	device, _ := backend.Open("")
	buffer, err := device.CreateRingBuffer(Format{Channels: 1, SampleRate: 8000, BitsPerSample: 8}, 16384)
	if err != nil {
		t.Fatalf("CreateRingBuffer failed: %v", err)
	}
	ring := backend.LastRing()

	if err := buffer.Start(true); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	buffer.Stop()

	produced := ring.Produced()
	if produced < 800 || produced > 4000 {
		t.Errorf("Expected roughly 1600 bytes in 200ms at 8000 B/s, got %d", produced)
	}

	time.Sleep(20 * time.Millisecond)
	if ring.Produced() != produced {
		t.Error("Ring kept producing after Stop")
	}
	buffer.Release()
}

func TestExecProducerFeedsStdout(t *testing.T) {
	if !commandAvailable("sh") {
		t.Skip("sh not available")
	}

	var mu sync.Mutex
	var got []byte
	producer := newExecProducer([]string{"sh", "-c", "printf 'abcdefgh'"})

	err := producer.Start(func(p []byte) {
		mu.Lock()
		got = append(got, p...)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 8 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := producer.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if string(got) != "abcdefgh" {
		t.Errorf("Expected 'abcdefgh', got %q", got)
	}
	if err := producer.Stop(); err != nil {
		t.Errorf("Second Stop should be a no-op, got %v", err)
	}
}

func TestExecProducerStartFailure(t *testing.T) {
	producer := newExecProducer([]string{"/nonexistent/ringcap-capture"})
	if err := producer.Start(func([]byte) {}); err == nil {
		t.Error("Expected error starting a missing command")
	}
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	t.Cleanup(func() { slog.SetDefault(previous) })
	return &buf
}

func TestExecProducerWarnsWhenCommandExitsOnItsOwn(t *testing.T) {
	if !commandAvailable("sh") {
		t.Skip("sh not available")
	}
	logs := captureLogs(t)

	producer := newExecProducer([]string{"sh", "-c", "printf 'ab'"})
	if err := producer.Start(func([]byte) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case <-producer.done:
	case <-time.After(5 * time.Second):
		t.Fatal("capture command did not exit")
	}
	if !strings.Contains(logs.String(), "Capture command exited unexpectedly") {
		t.Errorf("Expected a warning about the exited command, got %q", logs.String())
	}
	producer.Stop()
}

func TestExecProducerStopDoesNotWarn(t *testing.T) {
	if !commandAvailable("sleep") {
		t.Skip("sleep not available")
	}
	logs := captureLogs(t)

	producer := newExecProducer([]string{"sleep", "5"})
	if err := producer.Start(func([]byte) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := producer.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if strings.Contains(logs.String(), "exited unexpectedly") {
		t.Errorf("Unexpected warning after Stop: %q", logs.String())
	}
}
