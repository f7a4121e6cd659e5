//go:build cgo

package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
)

const miniaudioSupported = true

// MiniaudioBackend captures through miniaudio, which picks the platform's
// native API (WASAPI, DirectSound, Core Audio, ALSA, PulseAudio). Every
// enumeration and every open device holds its own miniaudio context.
type MiniaudioBackend struct{}

func newMiniaudioBackend() (Backend, error) {
	ctx, err := initMiniaudioContext()
	if err != nil {
		return nil, err
	}
	freeMiniaudioContext(ctx)
	return &MiniaudioBackend{}, nil
}

func initMiniaudioContext() (*malgo.AllocatedContext, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("miniaudio", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("init miniaudio context: %w", err)
	}
	return ctx, nil
}

func freeMiniaudioContext(ctx *malgo.AllocatedContext) {
	if err := ctx.Uninit(); err != nil {
		slog.Debug("Failed to uninit miniaudio context", "error", err)
	}
	ctx.Free()
}

func (m *MiniaudioBackend) ListDevices() ([]DeviceInfo, error) {
	ctx, err := initMiniaudioContext()
	if err != nil {
		return nil, err
	}
	defer freeMiniaudioContext(ctx)

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, DeviceInfo{ID: info.ID.String(), Name: info.Name()})
	}
	return devices, nil
}

func (m *MiniaudioBackend) Open(id string) (Device, error) {
	ctx, err := initMiniaudioContext()
	if err != nil {
		return nil, err
	}

	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		freeMiniaudioContext(ctx)
		return nil, fmt.Errorf("failed to enumerate capture devices: %w", err)
	}
	for _, info := range infos {
		if id == "" || info.ID.String() == id {
			devID := info.ID
			return &miniaudioDevice{ctx: ctx, id: &devID}, nil
		}
	}
	freeMiniaudioContext(ctx)
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

func (m *MiniaudioBackend) GetType() BackendType {
	return BackendTypeMiniaudio
}

type miniaudioDevice struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
	id  *malgo.DeviceID
}

func (d *miniaudioDevice) CreateRingBuffer(format Format, capacity uint32) (RingBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return nil, errors.New("device closed")
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	sampleFormat, err := miniaudioFormat(format.BitsPerSample)
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = sampleFormat
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.Capture.DeviceID = d.id.Pointer()
	cfg.SampleRate = uint32(format.SampleRate)

	return NewSoftRing(capacity, &miniaudioProducer{ctx: d.ctx, cfg: cfg}), nil
}

// Close frees the device's context. Ring buffers must be released first.
func (d *miniaudioDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx == nil {
		return errors.New("device already closed")
	}
	freeMiniaudioContext(d.ctx)
	d.ctx = nil
	return nil
}

// miniaudioProducer feeds the data callback's input samples into the ring
type miniaudioProducer struct {
	ctx *malgo.AllocatedContext
	cfg malgo.DeviceConfig

	mu     sync.Mutex
	device *malgo.Device
}

func (p *miniaudioProducer) Start(feed func([]byte)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.device != nil {
		return errors.New("miniaudio device already started")
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutputSample, pInputSample []byte, frameCount uint32) {
			feed(pInputSample)
		},
	}
	dev, err := malgo.InitDevice(p.ctx.Context, p.cfg, callbacks)
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("start capture device: %w", err)
	}
	p.device = dev
	return nil
}

func (p *miniaudioProducer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.device == nil {
		return nil
	}
	err := p.device.Stop()
	p.device.Uninit()
	p.device = nil
	return err
}

func miniaudioFormat(bits int) (malgo.FormatType, error) {
	switch bits {
	case 8:
		return malgo.FormatU8, nil
	case 16:
		return malgo.FormatS16, nil
	case 24:
		return malgo.FormatS24, nil
	case 32:
		return malgo.FormatS32, nil
	}
	return malgo.FormatUnknown, fmt.Errorf("unsupported bit depth for miniaudio: %d", bits)
}
