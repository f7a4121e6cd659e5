package wavfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/audiolibrelab/ringcap/internal/audio"
	"github.com/spf13/afero"
)

// FourCC is a RIFF chunk identifier
type FourCC [4]byte

func (id FourCC) String() string { return string(id[:]) }

var (
	riffID = FourCC{'R', 'I', 'F', 'F'}
	waveID = FourCC{'W', 'A', 'V', 'E'}
	fmtID  = FourCC{'f', 'm', 't', ' '}
	factID = FourCC{'f', 'a', 'c', 't'}
	dataID = FourCC{'d', 'a', 't', 'a'}
)

const (
	chunkHeaderSize = 8
	formatPCM       = 1
	pcmFmtSize      = 16

	// DefaultPageSize matches the classic buffered-I/O page
	DefaultPageSize = 8192
	MinPageSize     = 512
)

var (
	ErrClosed   = errors.New("wav writer closed")
	ErrTooLarge = errors.New("wav file would exceed the 4 GiB RIFF limit")
	ErrNotRIFF  = errors.New("not a RIFF/WAVE file")
	ErrNoChunk  = errors.New("chunk not found")
)

// Options controls the optional parts of the written file
type Options struct {
	PageSize int

	// FactChunk writes a 'fact' summary chunk holding the sample-frame count
	FactChunk bool

	// TrueSampleCount stores the recorded frame count in the fact chunk at
	// close. When false the count is written as zero.
	TrueSampleCount bool
}

// DefaultOptions writes a fact chunk with the real frame count
var DefaultOptions = Options{
	PageSize:        DefaultPageSize,
	FactChunk:       true,
	TrueSampleCount: true,
}

type chunk struct {
	id    FourCC
	start int64 // offset of the chunk header
}

// Writer streams PCM into a WAVE file whose length is not known up front.
// Chunk headers are written with placeholder sizes and patched when each
// chunk is ascended. Writer is not safe for concurrent use.
type Writer struct {
	file   afero.File
	path   string
	format audio.Format
	opts   Options

	page []byte
	fill int
	pos  int64 // file offset of page[0]

	stack     []chunk
	dataStart int64 // file offset of the first PCM byte
	dataBytes int64
	hasFact   bool

	err    error
	failed bool // a flush has failed at least once
	closed bool
}

// Create opens path for read-write, truncating it, and writes every header
// up to and including the open 'data' chunk
func Create(fs afero.Fs, path string, format audio.Format, opts Options) (*Writer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PageSize < MinPageSize {
		return nil, fmt.Errorf("page size %d below minimum %d", opts.PageSize, MinPageSize)
	}

	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	w := &Writer{
		file:   f,
		path:   path,
		format: format,
		opts:   opts,
		page:   make([]byte, opts.PageSize),
	}
	if err := w.writeHeaders(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write headers to %s: %w", path, err)
	}
	return w, nil
}

func (w *Writer) writeHeaders() error {
	form := waveID
	if err := w.createChunk(riffID, &form); err != nil {
		return err
	}

	if err := w.createChunk(fmtID, nil); err != nil {
		return err
	}
	if err := w.writeRaw(encodeFmt(w.format)); err != nil {
		return err
	}
	if err := w.ascend(); err != nil {
		return err
	}

	if w.opts.FactChunk {
		if err := w.createChunk(factID, nil); err != nil {
			return err
		}
		placeholder := make([]byte, 4)
		binary.LittleEndian.PutUint32(placeholder, math.MaxUint32)
		if err := w.writeRaw(placeholder); err != nil {
			return err
		}
		if err := w.ascend(); err != nil {
			return err
		}
		w.hasFact = true
	}

	if err := w.createChunk(dataID, nil); err != nil {
		return err
	}
	w.dataStart = w.offset()
	return nil
}

// Write appends PCM bytes to the data chunk. The page is flushed to storage
// only when it is full and more bytes are waiting. A flush failure is
// sticky: every later Write returns it.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	// The RIFF size must still fit once the data chunk is padded to even
	total := w.dataBytes + int64(len(p))
	if w.dataStart-chunkHeaderSize+total+(total&1) > math.MaxUint32 {
		w.err = ErrTooLarge
		return 0, w.err
	}

	written := 0
	for len(p) > 0 {
		if w.fill == len(w.page) {
			if err := w.flush(); err != nil {
				w.dataBytes += int64(written)
				return written, err
			}
		}
		n := copy(w.page[w.fill:], p)
		w.fill += n
		p = p[n:]
		written += n
	}
	w.dataBytes += int64(written)
	return written, nil
}

// Close flushes the pending page, finalizes every chunk size and closes the
// file. It tolerates an empty data chunk. When the pending page cannot be
// flushed the file is finalized around the bytes already on storage.
func (w *Writer) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true

	var errs []error
	if w.err != nil {
		errs = append(errs, w.err)
		w.err = nil
	}

	// The data chunk is the only chunk left open under RIFF
	if err := w.ascend(); err != nil {
		errs = append(errs, fmt.Errorf("finalize data chunk: %w", err))
	}

	if err := w.finalizeRIFF(); err != nil {
		errs = append(errs, err)
	}

	if err := w.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", w.path, err))
	}
	return errors.Join(errs...)
}

// finalizeRIFF re-reads the file from the start to locate the fact chunk,
// stores the frame count, then rewrites the RIFF size
func (w *Writer) finalizeRIFF() error {
	end := w.offset()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek to start: %w", err)
	}
	var header [12]byte
	if _, err := io.ReadFull(w.file, header[:]); err != nil {
		return fmt.Errorf("read RIFF header: %w", err)
	}
	if !bytes.Equal(header[0:4], riffID[:]) || !bytes.Equal(header[8:12], waveID[:]) {
		return ErrNotRIFF
	}

	if w.hasFact {
		fact, _, err := findChunk(w.file, factID, 12, end)
		if err != nil {
			return fmt.Errorf("locate fact chunk: %w", err)
		}
		var count uint32
		if w.opts.TrueSampleCount {
			count = uint32(w.Frames())
		}
		if err := w.writeUint32At(count, fact+chunkHeaderSize); err != nil {
			return fmt.Errorf("update fact chunk: %w", err)
		}
	}

	// Ascend out of RIFF
	if len(w.stack) == 1 {
		w.stack = w.stack[:0]
	}
	if err := w.writeUint32At(uint32(end-chunkHeaderSize), 4); err != nil {
		return fmt.Errorf("update RIFF size: %w", err)
	}
	return nil
}

// DataBytes returns the number of PCM bytes accepted so far. After a flush
// failure only the bytes that reached storage are counted.
func (w *Writer) DataBytes() int64 {
	if w.failed {
		return w.persistedData()
	}
	return w.dataBytes
}

// Frames returns the number of whole sample frames in DataBytes
func (w *Writer) Frames() int64 { return w.DataBytes() / int64(w.format.BlockAlign()) }

func (w *Writer) persistedData() int64 {
	n := w.pos - w.dataStart
	if n < 0 {
		return 0
	}
	return min(n, w.dataBytes)
}

func (w *Writer) Path() string { return w.path }

func (w *Writer) offset() int64 { return w.pos + int64(w.fill) }

// createChunk writes a header with a zero size and pushes it on the stack.
// form is the RIFF form type for container chunks.
func (w *Writer) createChunk(id FourCC, form *FourCC) error {
	start := w.offset()
	header := make([]byte, chunkHeaderSize, chunkHeaderSize+4)
	copy(header, id[:])
	if form != nil {
		header = append(header, form[:]...)
	}
	if err := w.writeRaw(header); err != nil {
		return err
	}
	w.stack = append(w.stack, chunk{id: id, start: start})
	return nil
}

// ascend pops the innermost chunk, pads it to an even length and rewrites
// its size field. If the pending page cannot be flushed it is dropped and
// the chunk is sized to what reached storage.
func (w *Writer) ascend() error {
	if len(w.stack) == 0 {
		return errors.New("no open chunk")
	}
	ck := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]

	size := w.offset() - ck.start - chunkHeaderSize
	var err error
	if size%2 == 1 {
		err = w.writeRaw([]byte{0})
	}
	if err == nil {
		err = w.flush()
	}
	if err == nil {
		return w.writeUint32At(uint32(size), ck.start+4)
	}

	w.fill = 0
	if w.pos < ck.start+chunkHeaderSize {
		// The header itself never reached storage
		return err
	}
	size = w.pos - ck.start - chunkHeaderSize
	if ck.id == dataID {
		size = w.persistedData()
	}
	if perr := w.writeUint32At(uint32(size), ck.start+4); perr != nil {
		return errors.Join(err, perr)
	}
	return err
}

// writeRaw buffers bytes that are not counted as PCM payload
func (w *Writer) writeRaw(p []byte) error {
	for len(p) > 0 {
		if w.fill == len(w.page) {
			if err := w.flush(); err != nil {
				return err
			}
		}
		n := copy(w.page[w.fill:], p)
		w.fill += n
		p = p[n:]
	}
	return nil
}

func (w *Writer) flush() error {
	if w.fill == 0 {
		return nil
	}
	n, err := w.file.WriteAt(w.page[:w.fill], w.pos)
	if err == nil && n != w.fill {
		err = io.ErrShortWrite
	}
	if err != nil {
		// Keep the unwritten tail so a retry resumes where storage stopped
		if n > 0 && n < w.fill {
			copy(w.page, w.page[n:w.fill])
			w.fill -= n
			w.pos += int64(n)
		}
		w.failed = true
		w.err = fmt.Errorf("flush page at offset %d: %w", w.pos, err)
		return w.err
	}
	w.pos += int64(w.fill)
	w.fill = 0
	return nil
}

func (w *Writer) writeUint32At(v uint32, off int64) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.file.WriteAt(b[:], off)
	return err
}

func encodeFmt(f audio.Format) []byte {
	b := make([]byte, pcmFmtSize)
	binary.LittleEndian.PutUint16(b[0:2], formatPCM)
	binary.LittleEndian.PutUint16(b[2:4], uint16(f.Channels))
	binary.LittleEndian.PutUint32(b[4:8], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(b[8:12], uint32(f.AvgByteRate()))
	binary.LittleEndian.PutUint16(b[12:14], uint16(f.BlockAlign()))
	binary.LittleEndian.PutUint16(b[14:16], uint16(f.BitsPerSample))
	return b
}

// findChunk walks sibling chunk headers in [from, end) by seeking, returning
// the header offset and size of the first chunk with the given id
func findChunk(rs io.ReadSeeker, id FourCC, from, end int64) (int64, uint32, error) {
	off := from
	var header [chunkHeaderSize]byte
	for off+chunkHeaderSize <= end {
		if _, err := rs.Seek(off, io.SeekStart); err != nil {
			return 0, 0, err
		}
		if _, err := io.ReadFull(rs, header[:]); err != nil {
			return 0, 0, err
		}
		size := binary.LittleEndian.Uint32(header[4:8])
		if bytes.Equal(header[0:4], id[:]) {
			return off, size, nil
		}
		off += chunkHeaderSize + int64(size) + int64(size&1)
	}
	return 0, 0, fmt.Errorf("%w: %s", ErrNoChunk, id)
}
