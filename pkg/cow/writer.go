package cow

import (
	"bufio"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/slotwise/slotwise/pkg/logging"
)

// Writer appends COW records for one partition. It is single-writer for
// the partition's lifetime and closed exactly once.
type Writer struct {
	f           *os.File
	bw          *bufio.Writer
	path        string
	blockSize   uint64
	compression Compression
	logger      zerolog.Logger

	mu          sync.Mutex
	opsRecorded uint64
	finished    bool
	closed      bool
	closeErr    error
}

// Create starts a fresh COW log, truncating any previous one
func Create(path string, blockSize uint64, compression Compression) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCowWriter, "cannot create cow log %q", path)
	}
	w := &Writer{
		f:           f,
		bw:          bufio.NewWriter(f),
		path:        path,
		blockSize:   blockSize,
		compression: compression,
		logger:      logging.GetLogger("cow-writer"),
	}
	if _, err := w.bw.Write(header{blockSize: uint32(blockSize), compression: compression}.encode()); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, errors.ErrCowWriter, "cannot write cow log header to %q", path)
	}
	return w, nil
}

// OpenForAppend reopens an existing log to resume appending. It validates
// the header, counts durably recorded install operations, and truncates
// any torn trailing record left by a crash. A finished log (end marker
// present) accepts no further operations.
func OpenForAppend(path string, blockSize uint64, compression Compression) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrCowWriter, "cannot open cow log %q", path)
	}

	headerBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, errors.ErrCowWriter, "cannot read cow log header from %q", path)
	}
	h, err := decodeHeader(headerBuf)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if uint64(h.blockSize) != blockSize {
		_ = f.Close()
		return nil, errors.Newf(errors.ErrCowWriter,
			"cow log %q block size %d does not match engine block size %d", path, h.blockSize, blockSize)
	}
	if h.compression != compression {
		_ = f.Close()
		return nil, errors.Newf(errors.ErrCowWriter,
			"cow log %q compression %d does not match configured %d", path, h.compression, compression)
	}

	// Scan records, tracking the offset after the last complete boundary
	var (
		offset      = int64(headerSize)
		durable     = int64(headerSize)
		opsRecorded uint64
		finished    bool
	)
	counter := &countingReader{r: f}
	cr := bufio.NewReader(counter)
scan:
	for {
		rec, err := readRecord(cr)
		switch {
		case err == io.EOF:
			break scan
		case err == io.ErrUnexpectedEOF:
			// torn trailing record, drop it
			break scan
		case err != nil:
			_ = f.Close()
			return nil, errors.Wrapf(err, errors.ErrCowWriter, "corrupt cow log %q", path)
		}
		offset = int64(headerSize) + counter.n - int64(cr.Buffered())
		switch rec.typ {
		case recOpBoundary:
			if rec.opIndex != opsRecorded {
				_ = f.Close()
				return nil, errors.Newf(errors.ErrCowWriter,
					"cow log %q boundary index %d, expected %d", path, rec.opIndex, opsRecorded)
			}
			opsRecorded++
			durable = offset
		case recEnd:
			finished = true
			durable = offset
			break scan
		}
	}

	if err := f.Truncate(durable); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, errors.ErrCowWriter, "cannot truncate cow log %q", path)
	}
	if _, err := f.Seek(durable, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, errors.ErrCowWriter, "cannot seek cow log %q", path)
	}

	w := &Writer{
		f:           f,
		bw:          bufio.NewWriter(f),
		path:        path,
		blockSize:   blockSize,
		compression: compression,
		logger:      logging.GetLogger("cow-writer"),
		opsRecorded: opsRecorded,
		finished:    finished,
	}
	w.logger.Info().
		Str("path", path).
		Uint64("ops_recorded", opsRecorded).
		Bool("finished", finished).
		Msg("Resumed cow log")
	return w, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// OpsRecorded returns how many install operations are durably in the log
func (w *Writer) OpsRecorded() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opsRecorded
}

// Finished reports whether the end-of-ops marker has been written
func (w *Writer) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finished
}

// AppendInstallOp appends all COW records for install operation opIndex
// followed by its boundary marker. Operations must arrive in strict
// order; an index already recorded must be skipped by the caller, never
// re-emitted.
func (w *Writer) AppendInstallOp(opIndex uint64, ops []Op) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.Newf(errors.ErrCowWriter, "append to closed cow log %q", w.path)
	}
	if w.finished {
		return errors.Newf(errors.ErrCowWriter, "append to finished cow log %q", w.path)
	}
	if opIndex != w.opsRecorded {
		return errors.Newf(errors.ErrCowWriter,
			"out-of-order append: operation %d, log has %d", opIndex, w.opsRecorded)
	}

	for _, op := range ops {
		rec := record{newBlock: op.NewBlock}
		switch op.Type {
		case CowReplace:
			if uint64(len(op.Data)) != w.blockSize {
				return errors.Newf(errors.ErrCowWriter,
					"COW_REPLACE payload is %d bytes, want one %d-byte block", len(op.Data), w.blockSize)
			}
			compressed, err := compress(w.compression, op.Data)
			if err != nil {
				return err
			}
			rec.typ = recReplace
			rec.payload = compressed
		case CowZero:
			rec.typ = recZero
		case CowCopy:
			rec.typ = recCopy
			rec.srcBlock = op.SrcBlock
		default:
			return errors.Newf(errors.ErrCowWriter, "unknown cow op type %d", op.Type)
		}
		if err := writeRecord(w.bw, rec); err != nil {
			return errors.Wrapf(err, errors.ErrCowWriter, "cannot append to cow log %q", w.path)
		}
	}
	if err := writeRecord(w.bw, record{typ: recOpBoundary, opIndex: opIndex}); err != nil {
		return errors.Wrapf(err, errors.ErrCowWriter, "cannot append boundary to cow log %q", w.path)
	}
	w.opsRecorded++
	return nil
}

// Sync flushes buffered records to stable storage. Called alongside every
// checkpoint so the checkpoint never runs ahead of the log.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if err := w.bw.Flush(); err != nil {
		return errors.Wrapf(err, errors.ErrCowWriter, "cannot flush cow log %q", w.path)
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrapf(err, errors.ErrCowWriter, "cannot fsync cow log %q", w.path)
	}
	return nil
}

// FinishedInstallOps writes the end-of-ops marker. After this the log is
// complete and ready to merge; no further operations may be appended.
func (w *Writer) FinishedInstallOps() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.Newf(errors.ErrCowWriter, "finish on closed cow log %q", w.path)
	}
	if w.finished {
		return nil
	}
	if err := writeRecord(w.bw, record{typ: recEnd}); err != nil {
		return errors.Wrapf(err, errors.ErrCowWriter, "cannot write end marker to %q", w.path)
	}
	if err := w.syncLocked(); err != nil {
		return err
	}
	w.finished = true
	return nil
}

// Close flushes and closes the log exactly once. Later calls return the
// first result.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.closeErr
	}
	w.closed = true
	if err := w.syncLocked(); err != nil {
		_ = w.f.Close()
		w.closeErr = err
		return err
	}
	if err := w.f.Close(); err != nil {
		w.closeErr = errors.Wrapf(err, errors.ErrCowWriter, "cannot close cow log %q", w.path)
		return w.closeErr
	}
	return nil
}
