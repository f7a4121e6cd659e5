package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Producer pushes captured bytes into a SoftRing once started
type Producer interface {
	Start(feed func([]byte)) error
	Stop() error
}

// SoftRing emulates a hardware capture ring for backends that deliver audio
// as a byte stream. Bytes fed in advance the write cursor and wake the armed
// signal whenever a notification offset is crossed.
type SoftRing struct {
	mu       sync.Mutex
	buf      []byte
	write    uint32
	produced uint64
	offsets  []uint32
	sig      *Signal
	scratch  []byte
	locked   bool
	running  bool
	released bool

	producer Producer
}

// NewSoftRing allocates a ring of capacity bytes fed by producer.
// A nil producer leaves feeding to the caller.
func NewSoftRing(capacity uint32, producer Producer) *SoftRing {
	return &SoftRing{
		buf:      make([]byte, capacity),
		scratch:  make([]byte, capacity),
		producer: producer,
	}
}

func (r *SoftRing) Capacity() uint32 {
	return uint32(len(r.buf))
}

func (r *SoftRing) ArmNotifications(offsets []uint32, sig *Signal) error {
	if sig == nil {
		return errors.New("notification signal is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return ErrBufferReleased
	}
	for _, off := range offsets {
		if off >= uint32(len(r.buf)) {
			return fmt.Errorf("notification offset %d beyond capacity %d", off, len(r.buf))
		}
	}
	r.offsets = append([]uint32(nil), offsets...)
	r.sig = sig
	return nil
}

func (r *SoftRing) Cursors() (uint32, uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return 0, 0, ErrBufferReleased
	}
	return r.write, r.write, nil
}

func (r *SoftRing) Lock(offset, length uint32) ([]byte, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := uint32(len(r.buf))
	if r.released {
		return nil, nil, ErrBufferReleased
	}
	if r.locked {
		return nil, nil, errors.New("ring buffer already locked")
	}
	if offset >= size || length > size {
		return nil, nil, fmt.Errorf("%w: offset=%d length=%d capacity=%d", ErrInvalidRange, offset, length, size)
	}

	n1 := min(length, size-offset)
	copy(r.scratch, r.buf[offset:offset+n1])
	copy(r.scratch[n1:], r.buf[:length-n1])
	r.locked = true

	var r2 []byte
	if length > n1 {
		r2 = r.scratch[n1:length]
	}
	return r.scratch[:n1], r2, nil
}

func (r *SoftRing) Unlock(r1, r2 []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.locked {
		return errors.New("ring buffer not locked")
	}
	r.locked = false
	return nil
}

func (r *SoftRing) Start(looping bool) error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return ErrBufferReleased
	}
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	if r.producer == nil {
		return nil
	}
	if err := r.producer.Start(r.Feed); err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return fmt.Errorf("failed to start producer: %w", err)
	}
	return nil
}

func (r *SoftRing) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	if r.producer != nil {
		return r.producer.Stop()
	}
	return nil
}

func (r *SoftRing) Release() error {
	if err := r.Stop(); err != nil {
		slog.Debug("Producer stop failed during release", "error", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
	r.sig = nil
	return nil
}

// Feed copies p into the ring at the write cursor. Bytes fed while the ring
// is stopped are discarded, as a stopped device captures nothing.
func (r *SoftRing) Feed(p []byte) {
	if len(p) == 0 {
		return
	}

	r.mu.Lock()
	if !r.running || r.released {
		r.mu.Unlock()
		return
	}

	size := uint32(len(r.buf))
	start := r.write
	advanced := uint64(len(p))
	for len(p) > 0 {
		n := copy(r.buf[r.write:], p)
		p = p[n:]
		r.write = (r.write + uint32(n)) % size
	}
	r.produced += advanced

	crossed := false
	for _, off := range r.offsets {
		if advanced >= uint64(size) || uint64((off+size-start)%size) < advanced {
			crossed = true
			break
		}
	}
	sig := r.sig
	r.mu.Unlock()

	if crossed && sig != nil {
		sig.Notify()
	}
}

// Produced returns the total number of bytes accepted since allocation
func (r *SoftRing) Produced() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.produced
}
