package session

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/audiolibrelab/ringcap/internal/audio"
	"github.com/audiolibrelab/ringcap/internal/ring"
	"github.com/audiolibrelab/ringcap/internal/wavfile"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var stereo16 = audio.Format{Channels: 2, SampleRate: 48000, BitsPerSample: 16}

// 48 kHz stereo 16-bit gives 16 slots of 12000 bytes
const slot = 12000

func newController(t *testing.T, fakeOpts audio.FakeOptions) (*Controller, *audio.FakeBackend, afero.Fs) {
	t.Helper()
	backend := audio.NewFakeBackend(fakeOpts)
	fs := afero.NewMemMapFs()
	c := New(backend, Options{Format: stereo16, Fs: fs})
	return c, backend, fs
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = audio.PatternByte(uint64(i))
	}
	return p
}

func inspect(t *testing.T, fs afero.Fs, path string) (*wavfile.Summary, []byte) {
	t.Helper()
	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	summary, err := wavfile.Inspect(bytes.NewReader(data), false)
	require.NoError(t, err)
	return summary, data[len(data)-int(summary.DataBytes):]
}

func TestStartWithoutDevices(t *testing.T) {
	c, backend, fs := newController(t, audio.FakeOptions{Devices: []audio.DeviceInfo{}})
	assert.False(t, c.IsEnabled())

	err := c.Start("/take.wav")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoDevice)
	assert.Equal(t, NoDevice, CodeOf(err))
	assert.Equal(t, Failed, c.State())

	assert.Empty(t, backend.OpenedIDs())
	exists, err := afero.Exists(fs, "/take.wav")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStartFailuresReleaseEverything(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name     string
		fakeOpts audio.FakeOptions
		readOnly bool
		code     ErrCode
		sentinel error
	}{
		{name: "open", fakeOpts: audio.FakeOptions{OpenErr: boom}, code: InitFailed, sentinel: ErrInitFailed},
		{name: "create buffer", fakeOpts: audio.FakeOptions{CreateErr: boom}, code: BufferCreateFailed, sentinel: ErrBufferCreateFailed},
		{name: "arm", fakeOpts: audio.FakeOptions{ArmErr: boom}, code: NotifyArmFailed, sentinel: ErrNotifyArmFailed},
		{name: "open container", readOnly: true, code: ContainerOpenFailed, sentinel: ErrContainerOpenFailed},
		{name: "hardware start", fakeOpts: audio.FakeOptions{StartErr: boom}, code: HWStartFailed, sentinel: ErrHWStartFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := audio.NewFakeBackend(tt.fakeOpts)
			var fs afero.Fs = afero.NewMemMapFs()
			if tt.readOnly {
				fs = afero.NewReadOnlyFs(fs)
			}
			c := New(backend, Options{Format: stereo16, Fs: fs})

			err := c.Start("/take.wav")
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err))
			assert.ErrorIs(t, err, tt.sentinel)
			if !tt.readOnly {
				assert.ErrorIs(t, err, boom)
			}
			assert.Equal(t, Failed, c.State())

			assert.Zero(t, backend.OpenDevices(), "device left open")
			if r := backend.LastRing(); r != nil {
				assert.True(t, r.Released(), "ring buffer not released")
				assert.False(t, r.Started())
			}
			if tt.code == HWStartFailed {
				exists, _ := afero.Exists(fs, "/take.wav")
				assert.False(t, exists, "unused output file kept")
			}

			_, err = c.Stop()
			assert.ErrorIs(t, err, ErrNotRecording)
		})
	}
}

func TestStopImmediatelyAfterStart(t *testing.T) {
	c, backend, fs := newController(t, audio.FakeOptions{})
	require.NoError(t, c.Start("/take.wav"))
	assert.Equal(t, Recording, c.State())
	assert.True(t, backend.LastRing().Started())

	frames, err := c.Stop()
	require.NoError(t, err)
	assert.Zero(t, frames)
	assert.Equal(t, Stopped, c.State())

	summary, _ := inspect(t, fs, "/take.wav")
	assert.Zero(t, summary.DataBytes)
	assert.Equal(t, stereo16, summary.Format)
	require.NotNil(t, summary.FactFrames)
	assert.Zero(t, *summary.FactFrames)

	assert.Zero(t, backend.OpenDevices())
	assert.True(t, backend.LastRing().Released())
}

func TestFullCycleReproducesDeviceBytes(t *testing.T) {
	c, backend, fs := newController(t, audio.FakeOptions{})
	require.NoError(t, c.Start("/take.wav"))
	r := backend.LastRing()

	// Stay under one ring's worth so nothing is overwritten whatever the
	// drain goroutine's timing
	for i := 0; i < 10; i++ {
		r.Advance(slot)
		time.Sleep(time.Millisecond)
	}

	frames, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, int64(10*slot/4), frames)

	summary, payload := inspect(t, fs, "/take.wav")
	assert.Equal(t, int64(10*slot), summary.DataBytes)
	assert.Equal(t, frames, summary.Frames)
	assert.Equal(t, uint32(frames), *summary.FactFrames)
	assert.True(t, bytes.Equal(pattern(10*slot), payload), "recorded bytes differ from device output")
}

func TestTrailingPartialSlotIsNotDrained(t *testing.T) {
	c, backend, fs := newController(t, audio.FakeOptions{})
	require.NoError(t, c.Start("/take.wav"))

	backend.LastRing().Advance(slot + slot/2)

	frames, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, int64(slot/4), frames)

	summary, payload := inspect(t, fs, "/take.wav")
	assert.Equal(t, int64(slot), summary.DataBytes)
	assert.Equal(t, pattern(slot), payload)
}

func TestRealtimeRecording(t *testing.T) {
	backend := audio.NewFakeBackend(audio.FakeOptions{Realtime: true, Tick: 5 * time.Millisecond})
	fs := afero.NewMemMapFs()
	mono8 := audio.Format{Channels: 1, SampleRate: 8000, BitsPerSample: 8}
	c := New(backend, Options{Format: mono8, Fs: fs})

	require.NoError(t, c.Start("/live.wav"))
	time.Sleep(400 * time.Millisecond)
	frames, err := c.Stop()
	require.NoError(t, err)

	// 400ms of 8 kHz mono is ~3200 bytes: at least two 1024 byte slots
	assert.GreaterOrEqual(t, frames, int64(2048))
	assert.Zero(t, frames%1024)

	summary, payload := inspect(t, fs, "/live.wav")
	assert.Equal(t, frames, summary.DataBytes)
	assert.Equal(t, pattern(int(frames)), payload)
}

func TestDegradedWhenWriterFails(t *testing.T) {
	backend := audio.NewFakeBackend(audio.FakeOptions{})
	fs := failingFs{Fs: afero.NewMemMapFs(), limit: 4096}
	c := New(backend, Options{
		Format: stereo16,
		Fs:     fs,
		Writer: wavfile.Options{PageSize: 1024, FactChunk: true, TrueSampleCount: true},
	})
	require.NoError(t, c.Start("/take.wav"))

	backend.LastRing().Advance(2 * slot)
	time.Sleep(10 * time.Millisecond)

	frames, err := c.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegraded)
	assert.ErrorIs(t, err, ring.ErrSink)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, Stopped, c.State())

	assert.Zero(t, backend.OpenDevices())
	assert.True(t, backend.LastRing().Released())

	// The file is finalized around the four pages that reached storage
	data, err := afero.ReadFile(fs, "/take.wav")
	require.NoError(t, err)
	require.Len(t, data, 4096)
	summary, payload := inspect(t, fs, "/take.wav")
	assert.Equal(t, int64(len(data)-56), summary.DataBytes)
	assert.Equal(t, summary.DataBytes/4, summary.Frames)
	assert.Equal(t, frames, summary.Frames)
	require.NotNil(t, summary.FactFrames)
	assert.Equal(t, uint32(frames), *summary.FactFrames)
	assert.Equal(t, pattern(int(summary.DataBytes)), payload)
}

func TestLockFailureIsRetriedOnNextNotification(t *testing.T) {
	c, backend, fs := newController(t, audio.FakeOptions{})
	require.NoError(t, c.Start("/take.wav"))
	r := backend.LastRing()

	r.FailLocks(1)
	r.Advance(slot)
	time.Sleep(5 * time.Millisecond)
	r.Advance(slot)
	time.Sleep(5 * time.Millisecond)

	frames, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, int64(2*slot/4), frames)

	summary, payload := inspect(t, fs, "/take.wav")
	assert.Equal(t, int64(2*slot), summary.DataBytes)
	assert.Equal(t, pattern(2*slot), payload)
}

func TestStartWhileRecording(t *testing.T) {
	c, _, _ := newController(t, audio.FakeOptions{})
	require.NoError(t, c.Start("/a.wav"))
	defer c.Close()

	err := c.Start("/b.wav")
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	assert.Equal(t, Recording, c.State())
}

func TestRestartAfterStop(t *testing.T) {
	c, backend, fs := newController(t, audio.FakeOptions{})

	require.NoError(t, c.Start("/one.wav"))
	firstID := c.ID()
	_, err := c.Stop()
	require.NoError(t, err)

	require.NoError(t, c.Start("/two.wav"))
	assert.NotEqual(t, firstID, c.ID())
	backend.LastRing().Advance(slot)
	frames, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, int64(slot/4), frames)

	for _, path := range []string{"/one.wav", "/two.wav"} {
		exists, _ := afero.Exists(fs, path)
		assert.True(t, exists, path)
	}
	assert.Zero(t, backend.OpenDevices())
}

func TestDeviceSelection(t *testing.T) {
	devices := []audio.DeviceInfo{{ID: "fake:0", Name: "First"}, {ID: "fake:1", Name: "Second"}}

	t.Run("first enumerated by default", func(t *testing.T) {
		backend := audio.NewFakeBackend(audio.FakeOptions{Devices: devices})
		c := New(backend, Options{Format: stereo16, Fs: afero.NewMemMapFs()})
		require.NoError(t, c.Start("/take.wav"))
		_, err := c.Stop()
		require.NoError(t, err)
		assert.Equal(t, []string{"fake:0"}, backend.OpenedIDs())
	})

	t.Run("configured id", func(t *testing.T) {
		backend := audio.NewFakeBackend(audio.FakeOptions{Devices: devices})
		c := New(backend, Options{DeviceID: "fake:1", Format: stereo16, Fs: afero.NewMemMapFs()})
		require.NoError(t, c.Start("/take.wav"))
		_, err := c.Stop()
		require.NoError(t, err)
		assert.Equal(t, []string{"fake:1"}, backend.OpenedIDs())
	})

	t.Run("unknown id", func(t *testing.T) {
		backend := audio.NewFakeBackend(audio.FakeOptions{Devices: devices})
		c := New(backend, Options{DeviceID: "fake:9", Format: stereo16, Fs: afero.NewMemMapFs()})
		err := c.Start("/take.wav")
		assert.Equal(t, InitFailed, CodeOf(err))
		assert.ErrorIs(t, err, audio.ErrDeviceNotFound)
	})
}

func TestErrCodeNames(t *testing.T) {
	assert.Equal(t, "NO_DEVICE", NoDevice.String())
	assert.Equal(t, "CONTAINER_OPEN_FAILED", ContainerOpenFailed.String())
	assert.Equal(t, "ErrCode(-42)", ErrCode(-42).String())
	assert.Equal(t, OK, CodeOf(nil))
}

var errDiskFull = errors.New("disk full")

type failingFs struct {
	afero.Fs
	limit int64
}

func (fs failingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &failingFile{File: f, limit: fs.limit}, nil
}

type failingFile struct {
	afero.File
	limit int64
}

func (f *failingFile) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > f.limit {
		return 0, errDiskFull
	}
	return f.File.WriteAt(p, off)
}
