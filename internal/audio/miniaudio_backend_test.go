//go:build cgo

package audio

import (
	"errors"
	"testing"
)

func TestMiniaudioDeviceCloseFreesContext(t *testing.T) {
	backend, err := newMiniaudioBackend()
	if err != nil {
		t.Skipf("miniaudio unavailable: %v", err)
	}

	devices, err := backend.ListDevices()
	if err != nil || len(devices) == 0 {
		t.Skipf("no miniaudio capture devices: %v", err)
	}

	device, err := backend.Open(devices[0].ID)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if device.(*miniaudioDevice).ctx == nil {
		t.Fatal("Expected open device to hold a context")
	}

	if err := device.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if device.(*miniaudioDevice).ctx != nil {
		t.Error("Expected context to be freed on close")
	}
	if err := device.Close(); err == nil {
		t.Error("Expected error closing twice")
	}
	if _, err := device.CreateRingBuffer(DefaultFormat, 4096); err == nil {
		t.Error("Expected error creating a ring buffer after close")
	}

	if _, err := backend.Open("no-such-device"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Expected ErrDeviceNotFound, got %v", err)
	}
}
