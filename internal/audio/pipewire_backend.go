package audio

import (
	"fmt"
	"strconv"
)

// PipeWireBackend implements the Backend interface for PipeWire, capturing
// through pw-record in raw mode
type PipeWireBackend struct {
	pw *PipeWire
}

func NewPipeWireBackend() *PipeWireBackend {
	return &PipeWireBackend{pw: NewPipeWire()}
}

// ListDevices returns available PipeWire capture nodes
func (p *PipeWireBackend) ListDevices() ([]DeviceInfo, error) {
	nodes, err := p.pw.ListNodes()
	if err != nil {
		return nil, err
	}
	devices := make([]DeviceInfo, 0, len(nodes))
	for _, node := range nodes {
		devices = append(devices, DeviceInfo{ID: node, Name: node})
	}
	return devices, nil
}

// Open validates the node and returns a device recording from it
func (p *PipeWireBackend) Open(id string) (Device, error) {
	if err := p.pw.ValidateNode(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	return &streamDevice{
		id: id,
		command: func(format Format) []string {
			args := []string{
				"pw-record",
				"--raw",
				"--rate", strconv.Itoa(format.SampleRate),
				"--channels", strconv.Itoa(format.Channels),
				"--format", pwRecordFormat(format.BitsPerSample),
			}
			if id != "" {
				args = append(args, "--target", id)
			}
			return append(args, "-")
		},
	}, nil
}

// GetType returns the backend type
func (p *PipeWireBackend) GetType() BackendType {
	return BackendTypePipeWire
}

// streamDevice is a device whose audio arrives on a subprocess's stdout
type streamDevice struct {
	id      string
	command func(format Format) []string
	closed  bool
}

func (d *streamDevice) CreateRingBuffer(format Format, capacity uint32) (RingBuffer, error) {
	if d.closed {
		return nil, fmt.Errorf("device %s is closed", d.id)
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if capacity == 0 || capacity%uint32(format.BlockAlign()) != 0 {
		return nil, fmt.Errorf("capacity %d is not a positive multiple of block alignment %d", capacity, format.BlockAlign())
	}
	return NewSoftRing(capacity, newExecProducer(d.command(format))), nil
}

func (d *streamDevice) Close() error {
	d.closed = true
	return nil
}
