package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/ringcap/internal/audio"
	"github.com/audiolibrelab/ringcap/internal/ring"
	"github.com/audiolibrelab/ringcap/internal/wavfile"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle position of a Controller
type State int

const (
	Idle State = iota
	Initialized
	Recording
	Draining
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Initialized:
		return "INITIALIZED"
	case Recording:
		return "RECORDING"
	case Draining:
		return "DRAINING"
	case Stopped:
		return "STOPPED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures every recording a Controller makes
type Options struct {
	// DeviceID selects the capture device. Empty means the first enumerated.
	DeviceID string
	Format   audio.Format
	Ring     ring.Options
	Writer   wavfile.Options

	// Fs is where output files are created. Defaults to the OS filesystem.
	Fs afero.Fs
}

// Controller records from one capture device into one file at a time
type Controller struct {
	backend audio.Backend
	opts    Options
	devices []audio.DeviceInfo

	mu       sync.Mutex
	state    State
	id       string
	path     string
	log      *slog.Logger
	device   audio.Device
	notifier *ring.Notifier
	writer   *wavfile.Writer
	drainer  *ring.Drainer
	group    *errgroup.Group
	alive    atomic.Bool
}

// New enumerates the backend's devices once. A controller with no devices
// is disabled and every Start fails with NoDevice.
func New(backend audio.Backend, opts Options) *Controller {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Format == (audio.Format{}) {
		opts.Format = audio.DefaultFormat
	}
	if opts.Ring == (ring.Options{}) {
		opts.Ring = ring.DefaultOptions
	}
	if opts.Writer == (wavfile.Options{}) {
		opts.Writer = wavfile.DefaultOptions
	}

	c := &Controller{backend: backend, opts: opts, log: slog.Default()}

	devices, err := backend.ListDevices()
	if err != nil {
		slog.Warn("Failed to enumerate capture devices", "backend", backend.GetType(), "error", err)
	}
	c.devices = devices
	slog.Debug("Capture devices enumerated", "backend", backend.GetType(), "count", len(devices))
	return c
}

// IsEnabled reports whether at least one device was enumerated
func (c *Controller) IsEnabled() bool {
	return len(c.devices) > 0
}

// Devices returns the devices found at construction
func (c *Controller) Devices() []audio.DeviceInfo {
	return append([]audio.DeviceInfo(nil), c.devices...)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns the identifier of the current or last recording
func (c *Controller) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Controller) Format() audio.Format {
	return c.opts.Format
}

// Start opens the device, sizes and arms the ring, creates the output file
// at path and starts capture. A failed step releases everything acquired
// before it and returns an *Error naming the step.
func (c *Controller) Start(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Recording, Draining:
		return ErrAlreadyRecording
	}

	c.id = uuid.NewString()
	c.path = path
	c.log = slog.Default().With("session", c.id)

	if !c.IsEnabled() {
		return c.fail(NoDevice, nil)
	}

	deviceID := c.opts.DeviceID
	if deviceID == "" {
		deviceID = c.devices[0].ID
	}
	format := c.opts.Format

	c.log.Debug("Opening capture device", "device", deviceID, "backend", c.backend.GetType())
	device, err := c.backend.Open(deviceID)
	if err != nil {
		return c.fail(InitFailed, err)
	}

	notifier, err := ring.Configure(device, format, c.opts.Ring)
	if err != nil {
		closeDevice(c.log, device)
		return c.fail(BufferCreateFailed, err)
	}
	buffer := notifier.Buffer()

	if err := notifier.Arm(); err != nil {
		releaseBuffer(c.log, buffer)
		closeDevice(c.log, device)
		return c.fail(NotifyArmFailed, err)
	}

	writer, err := wavfile.Create(c.opts.Fs, path, format, c.opts.Writer)
	if err != nil {
		releaseBuffer(c.log, buffer)
		closeDevice(c.log, device)
		return c.fail(ContainerOpenFailed, err)
	}

	c.device = device
	c.notifier = notifier
	c.writer = writer
	c.drainer = ring.NewDrainer(notifier, writer)
	c.state = Initialized

	if err := buffer.Start(true); err != nil {
		if cerr := writer.Close(); cerr != nil {
			c.log.Warn("Failed to close output after start failure", "path", path, "error", cerr)
		}
		if rerr := c.opts.Fs.Remove(path); rerr != nil {
			c.log.Debug("Failed to remove unused output file", "path", path, "error", rerr)
		}
		releaseBuffer(c.log, buffer)
		closeDevice(c.log, device)
		c.reset()
		return c.fail(HWStartFailed, err)
	}

	c.alive.Store(true)
	c.group = new(errgroup.Group)
	drainer, sig, log := c.drainer, notifier.Signal(), c.log
	c.group.Go(func() error {
		return drainLoop(drainer, sig, &c.alive, log)
	})
	c.state = Recording

	layout := notifier.Layout()
	c.log.Info("Recording started",
		"path", path,
		"device", deviceID,
		"format", format.String(),
		"slot_size", layout.SlotSize,
		"capacity", layout.Capacity)
	return nil
}

// Stop halts capture, waits for the drain goroutine, drains what is left,
// finalizes the file and releases the device. It returns the number of
// sample frames that reached the file. When the drain goroutine ended early on a write
// failure the frame count is still returned, together with ErrDegraded.
func (c *Controller) Stop() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Recording {
		return 0, ErrNotRecording
	}
	c.state = Draining

	buffer := c.notifier.Buffer()
	if err := buffer.Stop(); err != nil {
		c.log.Warn("Failed to stop hardware capture", "error", err)
	}

	c.alive.Store(false)
	c.notifier.Signal().Notify()

	var errs []error
	if err := c.group.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrDegraded, err))
	} else {
		// Audio produced since the last notification
		n, err := c.drainer.Drain()
		switch {
		case errors.Is(err, ring.ErrSink):
			errs = append(errs, fmt.Errorf("%w: final drain: %w", ErrDegraded, err))
		case err != nil:
			c.log.Warn("Final drain failed", "error", err)
		default:
			c.log.Debug("Final drain", "bytes", n)
		}
	}

	if err := c.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to finalize %s: %w", c.path, err))
	}
	releaseBuffer(c.log, buffer)
	closeDevice(c.log, c.device)

	// Drained bytes that never reached storage are not part of the take
	frames := c.writer.Frames()
	if lost := c.drainer.Total() - c.writer.DataBytes(); lost > 0 {
		c.log.Warn("Drained audio was not persisted", "bytes", lost)
	}
	c.reset()
	c.state = Stopped

	err := errors.Join(errs...)
	if err != nil {
		c.log.Error("Recording stopped with errors", "path", c.path, "frames", frames, "error", err)
	} else {
		c.log.Info("Recording stopped", "path", c.path, "frames", frames)
	}
	return frames, err
}

// Close stops a recording in progress
func (c *Controller) Close() error {
	if c.State() != Recording {
		return nil
	}
	_, err := c.Stop()
	return err
}

func (c *Controller) fail(code ErrCode, err error) error {
	c.state = Failed
	serr := &Error{Code: code, Err: err}
	c.log.Error("Failed to start recording", "code", code.String(), "error", serr)
	return serr
}

func (c *Controller) reset() {
	c.device = nil
	c.notifier = nil
	c.writer = nil
	c.drainer = nil
	c.group = nil
}

// drainLoop drains once per wake-up until alive is cleared. Device errors
// skip one wake-up; a sink failure ends the loop.
func drainLoop(d *ring.Drainer, sig *audio.Signal, alive *atomic.Bool, log *slog.Logger) error {
	for {
		<-sig.C()
		if !alive.Load() {
			return nil
		}

		n, err := d.Drain()
		if err != nil {
			if errors.Is(err, ring.ErrSink) {
				log.Error("Drain stopped on write failure", "error", err)
				return err
			}
			log.Warn("Drain skipped", "error", err)
			continue
		}
		if n > 0 {
			log.Debug("Drained", "bytes", n, "total", d.Total())
		}
	}
}

func releaseBuffer(log *slog.Logger, buffer audio.RingBuffer) {
	if err := buffer.Release(); err != nil {
		log.Warn("Failed to release ring buffer", "error", err)
	}
}

func closeDevice(log *slog.Logger, device audio.Device) {
	if err := device.Close(); err != nil {
		log.Warn("Failed to close capture device", "error", err)
	}
}
