package audio

import (
	"fmt"
	"log/slog"
	"strings"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypePipeWire  BackendType = "pipewire"
	BackendTypeALSA      BackendType = "alsa"
	BackendTypeMiniaudio BackendType = "miniaudio"
	BackendTypeFake      BackendType = "fake"
	BackendTypeAuto      BackendType = "auto"
)

// Backend defines the device collaborator a capture session consumes
type Backend interface {
	// List available capture devices, in the order the system reports them
	ListDevices() ([]DeviceInfo, error)

	// Open a device by ID
	Open(id string) (Device, error)

	// Get the backend type
	GetType() BackendType
}

// NewBackend creates the backend named in configuration
func NewBackend(name string) (Backend, error) {
	backendType := determineBackend(name)

	switch backendType {
	case BackendTypePipeWire:
		return NewPipeWireBackend(), nil
	case BackendTypeALSA:
		return NewALSABackend(), nil
	case BackendTypeMiniaudio:
		return newMiniaudioBackend()
	case BackendTypeFake:
		return NewFakeBackend(FakeOptions{Realtime: true}), nil
	default:
		return nil, fmt.Errorf("unknown audio backend: %s", name)
	}
}

// determineBackend resolves "auto" and empty names to a concrete backend
func determineBackend(name string) BackendType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pipewire":
		return BackendTypePipeWire
	case "alsa":
		return BackendTypeALSA
	case "miniaudio", "malgo":
		return BackendTypeMiniaudio
	case "fake":
		return BackendTypeFake
	case "", "auto":
		available := GetAvailableBackends()
		if len(available) == 0 {
			return BackendTypePipeWire
		}
		slog.Debug("Auto-selected audio backend", "backend", available[0])
		return available[0]
	}
	return BackendType(name)
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	backends := []BackendType{}

	if commandAvailable("pw-record") && commandAvailable("pw-link") {
		backends = append(backends, BackendTypePipeWire)
	}
	if commandAvailable("arecord") {
		backends = append(backends, BackendTypeALSA)
	}
	if miniaudioSupported {
		backends = append(backends, BackendTypeMiniaudio)
	}

	return backends
}
