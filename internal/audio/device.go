package audio

import "errors"

// DeviceInfo identifies one capture device reported by a backend
type DeviceInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Device is an opened capture device able to allocate a ring buffer
type Device interface {
	// CreateRingBuffer allocates a circular capture buffer of capacity bytes
	// recording in the given format.
	CreateRingBuffer(format Format, capacity uint32) (RingBuffer, error)

	// Close releases the device. Ring buffers created from it must be
	// released first.
	Close() error
}

// RingBuffer is a capture buffer owned by the device. The device writes into
// it continuously once started, wrapping to offset 0 at Capacity.
type RingBuffer interface {
	Capacity() uint32

	// ArmNotifications registers offsets that notify sig once the write
	// cursor has moved past them.
	ArmNotifications(offsets []uint32, sig *Signal) error

	// Cursors returns the write cursor, one past the last byte the device has
	// committed, and the device's own capture position, which may run ahead
	// of it. Only bytes before the write cursor are safe to read.
	Cursors() (write uint32, read uint32, err error)

	// Lock exposes length bytes starting at offset. When the range wraps past
	// the end of the buffer the tail is returned in r1 and the head in r2.
	Lock(offset, length uint32) (r1, r2 []byte, err error)

	Unlock(r1, r2 []byte) error

	Start(looping bool) error
	Stop() error

	// Release frees the buffer. It is safe to call after Stop.
	Release() error
}

var (
	ErrDeviceNotFound = errors.New("capture device not found")
	ErrNotArmed       = errors.New("ring buffer notifications not armed")
	ErrBufferReleased = errors.New("ring buffer released")
	ErrInvalidRange   = errors.New("lock range out of bounds")
)
