package ring

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrDevice marks a cursor query, lock or unlock failure. The read
	// offset is left where it was so the next drain retries.
	ErrDevice = errors.New("ring buffer access failed")

	// ErrSink marks a failure writing drained bytes onward
	ErrSink = errors.New("drain sink failed")
)

// Drainer moves whole slots from the ring into a sink. It is not safe for
// concurrent use; exactly one goroutine owns it at a time.
type Drainer struct {
	notifier *Notifier
	sink     io.Writer

	next  uint32
	total int64
}

func NewDrainer(n *Notifier, sink io.Writer) *Drainer {
	return &Drainer{notifier: n, sink: sink}
}

// Drain forwards every complete slot between the read offset and the
// device's write cursor. It returns 0 and a nil error when no whole slot is
// ready.
func (d *Drainer) Drain() (int, error) {
	buffer := d.notifier.buffer
	layout := d.notifier.layout

	write, _, err := buffer.Cursors()
	if err != nil {
		return 0, fmt.Errorf("%w: query cursors: %w", ErrDevice, err)
	}

	lockSize := (write + layout.Capacity - d.next) % layout.Capacity
	lockSize -= lockSize % layout.SlotSize
	if lockSize == 0 {
		return 0, nil
	}

	r1, r2, err := buffer.Lock(d.next, lockSize)
	if err != nil {
		return 0, fmt.Errorf("%w: lock %d bytes at %d: %w", ErrDevice, lockSize, d.next, err)
	}

	drained := 0
	var sinkErr error
	for _, region := range [][]byte{r1, r2} {
		if len(region) == 0 {
			continue
		}
		n, err := d.sink.Write(region)
		drained += n
		d.total += int64(n)
		if err != nil {
			sinkErr = fmt.Errorf("%w: %w", ErrSink, err)
			break
		}
		d.next = (d.next + uint32(len(region))) % layout.Capacity
	}

	if err := buffer.Unlock(r1, r2); err != nil && sinkErr == nil {
		return drained, fmt.Errorf("%w: unlock: %w", ErrDevice, err)
	}
	return drained, sinkErr
}

// Offset returns the next read offset within the ring
func (d *Drainer) Offset() uint32 { return d.next }

// Total returns the number of bytes handed to the sink so far
func (d *Drainer) Total() int64 { return d.total }
