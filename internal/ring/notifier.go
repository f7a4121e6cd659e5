package ring

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/audiolibrelab/ringcap/internal/audio"
)

const (
	DefaultSlotCount   = 16
	DefaultSlotDivisor = 16
	DefaultMinSlotSize = 1024
)

// Options sizes the capture ring
type Options struct {
	SlotCount   int
	SlotDivisor int
	MinSlotSize int
}

// DefaultOptions is 16 slots of 1/16 second each, never under 1 KiB
var DefaultOptions = Options{
	SlotCount:   DefaultSlotCount,
	SlotDivisor: DefaultSlotDivisor,
	MinSlotSize: DefaultMinSlotSize,
}

// Layout is the partitioning of a ring into equal notification slots.
// Capacity is always SlotSize * SlotCount.
type Layout struct {
	SlotSize  uint32
	SlotCount uint32
	Capacity  uint32
}

// ComputeLayout picks the slot size for format: the larger of the floor and
// the byte rate divided by SlotDivisor, rounded down to whole frames.
func ComputeLayout(format audio.Format, opts Options) (Layout, error) {
	if err := format.Validate(); err != nil {
		return Layout{}, err
	}
	if opts.SlotCount <= 0 {
		return Layout{}, fmt.Errorf("slot count must be > 0, got %d", opts.SlotCount)
	}
	if opts.SlotDivisor <= 0 {
		return Layout{}, fmt.Errorf("slot divisor must be > 0, got %d", opts.SlotDivisor)
	}

	align := format.BlockAlign()
	slot := max(opts.MinSlotSize, format.AvgByteRate()/opts.SlotDivisor)
	slot -= slot % align
	if slot <= 0 {
		return Layout{}, fmt.Errorf("slot size rounds to zero for %s", format)
	}

	capacity := uint64(slot) * uint64(opts.SlotCount)
	if capacity > 1<<31 {
		return Layout{}, fmt.Errorf("ring capacity %d too large", capacity)
	}

	return Layout{
		SlotSize:  uint32(slot),
		SlotCount: uint32(opts.SlotCount),
		Capacity:  uint32(capacity),
	}, nil
}

// Offsets returns the notification offset of every slot: its last byte, so
// a wake-up only fires once the whole slot has been written
func (l Layout) Offsets() []uint32 {
	offsets := make([]uint32, l.SlotCount)
	for i := range offsets {
		offsets[i] = l.SlotSize*uint32(i) + l.SlotSize - 1
	}
	return offsets
}

// Notifier owns the device ring and the wake-up signal shared by its slots
type Notifier struct {
	buffer audio.RingBuffer
	layout Layout
	signal *audio.Signal
	armed  bool
}

// Configure sizes a ring for format and asks the device to allocate it
func Configure(device audio.Device, format audio.Format, opts Options) (*Notifier, error) {
	layout, err := ComputeLayout(format, opts)
	if err != nil {
		return nil, err
	}

	buffer, err := device.CreateRingBuffer(format, layout.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create %d byte ring buffer: %w", layout.Capacity, err)
	}
	if buffer.Capacity() != layout.Capacity {
		buffer.Release()
		return nil, fmt.Errorf("device allocated %d bytes, requested %d", buffer.Capacity(), layout.Capacity)
	}

	slog.Debug("Ring buffer configured",
		"format", format.String(),
		"slot_size", layout.SlotSize,
		"slots", layout.SlotCount,
		"capacity", layout.Capacity)

	return &Notifier{
		buffer: buffer,
		layout: layout,
		signal: audio.NewSignal(),
	}, nil
}

// Arm registers one notification per slot, all bound to the shared signal
func (n *Notifier) Arm() error {
	if n.armed {
		return errors.New("notifications already armed")
	}
	if err := n.buffer.ArmNotifications(n.layout.Offsets(), n.signal); err != nil {
		return fmt.Errorf("failed to arm %d notifications: %w", n.layout.SlotCount, err)
	}
	n.armed = true
	return nil
}

func (n *Notifier) Armed() bool { return n.armed }

func (n *Notifier) Layout() Layout { return n.layout }

func (n *Notifier) Signal() *audio.Signal { return n.signal }

func (n *Notifier) Buffer() audio.RingBuffer { return n.buffer }
