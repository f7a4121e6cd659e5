package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// FakeOptions configures a FakeBackend. The *Err fields inject failures
// into the matching step.
type FakeOptions struct {
	Devices []DeviceInfo

	OpenErr   error
	CreateErr error
	ArmErr    error
	StartErr  error

	// Realtime makes rings produce the test pattern at the format's byte
	// rate once started. Otherwise bytes only arrive through Advance.
	Realtime bool
	Tick     time.Duration
}

// FakeBackend is a deterministic capture backend without hardware.
// Every byte it produces follows PatternByte, so a recording can be checked
// byte for byte.
type FakeBackend struct {
	opts FakeOptions

	mu     sync.Mutex
	open   int
	rings  []*FakeRing
	opened []string
}

func NewFakeBackend(opts FakeOptions) *FakeBackend {
	if opts.Devices == nil {
		opts.Devices = []DeviceInfo{{ID: "fake:0", Name: "Fake Capture Device"}}
	}
	if opts.Tick <= 0 {
		opts.Tick = 10 * time.Millisecond
	}
	return &FakeBackend{opts: opts}
}

// PatternByte is the byte a fake device produces at absolute stream index i
func PatternByte(i uint64) byte {
	return byte(i % 251)
}

func (b *FakeBackend) ListDevices() ([]DeviceInfo, error) {
	return append([]DeviceInfo(nil), b.opts.Devices...), nil
}

func (b *FakeBackend) Open(id string) (Device, error) {
	if b.opts.OpenErr != nil {
		return nil, b.opts.OpenErr
	}
	found := id == ""
	for _, d := range b.opts.Devices {
		if d.ID == id {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	b.mu.Lock()
	b.open++
	b.opened = append(b.opened, id)
	b.mu.Unlock()
	return &fakeDevice{backend: b}, nil
}

func (b *FakeBackend) GetType() BackendType {
	return BackendTypeFake
}

// OpenDevices returns the number of devices opened and not yet closed
func (b *FakeBackend) OpenDevices() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// LastRing returns the most recently created ring, or nil
func (b *FakeBackend) LastRing() *FakeRing {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.rings) == 0 {
		return nil
	}
	return b.rings[len(b.rings)-1]
}

// OpenedIDs returns the device IDs passed to Open, in call order
func (b *FakeBackend) OpenedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.opened...)
}

type fakeDevice struct {
	backend *FakeBackend
	closed  bool
}

func (d *fakeDevice) CreateRingBuffer(format Format, capacity uint32) (RingBuffer, error) {
	if d.backend.opts.CreateErr != nil {
		return nil, d.backend.opts.CreateErr
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if capacity == 0 {
		return nil, errors.New("capacity must be > 0")
	}

	ring := &FakeRing{opts: d.backend.opts}
	var producer Producer
	if d.backend.opts.Realtime {
		producer = &patternProducer{ring: ring, rate: format.AvgByteRate(), tick: d.backend.opts.Tick}
	}
	ring.SoftRing = NewSoftRing(capacity, producer)

	d.backend.mu.Lock()
	d.backend.rings = append(d.backend.rings, ring)
	d.backend.mu.Unlock()
	return ring, nil
}

func (d *fakeDevice) Close() error {
	if d.closed {
		return errors.New("device already closed")
	}
	d.closed = true
	d.backend.mu.Lock()
	d.backend.open--
	d.backend.mu.Unlock()
	return nil
}

// FakeRing is a SoftRing with scripted cursor advances and failure injection
type FakeRing struct {
	*SoftRing
	opts FakeOptions

	mu          sync.Mutex
	failCursors int
	failLocks   int
	started     bool
	released    bool
}

// Advance produces n more pattern bytes, moving the write cursor.
// Bytes advanced while the ring is stopped are discarded.
func (r *FakeRing) Advance(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base := r.Produced()
	p := make([]byte, n)
	for i := range p {
		p[i] = PatternByte(base + uint64(i))
	}
	r.Feed(p)
}

// FailCursors makes the next n cursor queries fail
func (r *FakeRing) FailCursors(n int) {
	r.mu.Lock()
	r.failCursors = n
	r.mu.Unlock()
}

// FailLocks makes the next n lock calls fail
func (r *FakeRing) FailLocks(n int) {
	r.mu.Lock()
	r.failLocks = n
	r.mu.Unlock()
}

// Started reports whether Start was called and not undone by Stop
func (r *FakeRing) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Released reports whether Release was called
func (r *FakeRing) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

func (r *FakeRing) ArmNotifications(offsets []uint32, sig *Signal) error {
	if r.opts.ArmErr != nil {
		return r.opts.ArmErr
	}
	return r.SoftRing.ArmNotifications(offsets, sig)
}

func (r *FakeRing) Cursors() (uint32, uint32, error) {
	r.mu.Lock()
	if r.failCursors > 0 {
		r.failCursors--
		r.mu.Unlock()
		return 0, 0, errors.New("fake cursor query failure")
	}
	r.mu.Unlock()
	return r.SoftRing.Cursors()
}

func (r *FakeRing) Lock(offset, length uint32) ([]byte, []byte, error) {
	r.mu.Lock()
	if r.failLocks > 0 {
		r.failLocks--
		r.mu.Unlock()
		return nil, nil, errors.New("fake lock failure")
	}
	r.mu.Unlock()
	return r.SoftRing.Lock(offset, length)
}

func (r *FakeRing) Start(looping bool) error {
	if r.opts.StartErr != nil {
		return r.opts.StartErr
	}
	if err := r.SoftRing.Start(looping); err != nil {
		return err
	}
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	return nil
}

func (r *FakeRing) Stop() error {
	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
	return r.SoftRing.Stop()
}

func (r *FakeRing) Release() error {
	r.mu.Lock()
	r.released = true
	r.mu.Unlock()
	return r.SoftRing.Release()
}

// patternProducer advances a FakeRing at a fixed byte rate
type patternProducer struct {
	ring *FakeRing
	rate int
	tick time.Duration

	stop chan struct{}
	done chan struct{}
}

func (p *patternProducer) Start(feed func([]byte)) error {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.tick)
		defer ticker.Stop()

		last := time.Now()
		carry := 0.0
		for {
			select {
			case <-p.stop:
				return
			case now := <-ticker.C:
				exact := now.Sub(last).Seconds()*float64(p.rate) + carry
				n := int(exact)
				carry = exact - float64(n)
				last = now
				if n > 0 {
					p.ring.Advance(n)
				}
			}
		}
	}()
	return nil
}

func (p *patternProducer) Stop() error {
	if p.stop == nil {
		return nil
	}
	close(p.stop)
	<-p.done
	p.stop = nil
	return nil
}
