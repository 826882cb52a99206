package cow

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/slotwise/slotwise/pkg/errors"
)

// On-disk log layout, little-endian:
//
//	header:  magic [8]byte, version u16, block_size u32, compression u8, reserved u8
//	records: type u8 followed by the type's fixed fields
//
// A recOpBoundary record marks one install operation as fully recorded;
// resume counts boundaries to learn how many operations are durable.
// recEnd marks the log complete and ready to merge.
const (
	headerSize    = 16
	formatVersion = 1
)

var logMagic = [8]byte{'S', 'L', 'O', 'T', 'C', 'O', 'W', 0}

const (
	recReplace    byte = 1
	recZero       byte = 2
	recCopy       byte = 3
	recOpBoundary byte = 4
	recEnd        byte = 5
)

type header struct {
	blockSize   uint32
	compression Compression
}

func (h header) encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf, logMagic[:])
	binary.LittleEndian.PutUint16(buf[8:], formatVersion)
	binary.LittleEndian.PutUint32(buf[10:], h.blockSize)
	buf[14] = byte(h.compression)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < headerSize {
		return h, errors.New(errors.ErrCowReplay, "truncated cow log header")
	}
	if [8]byte(buf[:8]) != logMagic {
		return h, errors.New(errors.ErrCowReplay, "bad cow log magic")
	}
	if v := binary.LittleEndian.Uint16(buf[8:]); v != formatVersion {
		return h, errors.Newf(errors.ErrCowReplay, "unsupported cow log version %d", v)
	}
	h.blockSize = binary.LittleEndian.Uint32(buf[10:])
	h.compression = Compression(buf[14])
	if h.blockSize == 0 {
		return h, errors.New(errors.ErrCowReplay, "cow log header has zero block size")
	}
	return h, nil
}

// record is the decoded form of one log entry
type record struct {
	typ      byte
	newBlock uint64
	srcBlock uint64
	opIndex  uint64
	payload  []byte
}

func writeRecord(w *bufio.Writer, rec record) error {
	var scratch [8]byte
	put64 := func(v uint64) error {
		binary.LittleEndian.PutUint64(scratch[:], v)
		_, err := w.Write(scratch[:])
		return err
	}
	if err := w.WriteByte(rec.typ); err != nil {
		return err
	}
	switch rec.typ {
	case recReplace:
		if err := put64(rec.newBlock); err != nil {
			return err
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(rec.payload)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := w.Write(rec.payload)
		return err
	case recZero:
		return put64(rec.newBlock)
	case recCopy:
		if err := put64(rec.newBlock); err != nil {
			return err
		}
		return put64(rec.srcBlock)
	case recOpBoundary:
		return put64(rec.opIndex)
	case recEnd:
		return nil
	default:
		return errors.Newf(errors.ErrCowWriter, "unknown record type %d", rec.typ)
	}
}

// readRecord decodes the next record. io.EOF at a record start means a
// clean end of data; io.ErrUnexpectedEOF means a torn trailing record.
func readRecord(r *bufio.Reader) (record, error) {
	var rec record
	typ, err := r.ReadByte()
	if err != nil {
		return rec, err
	}
	rec.typ = typ

	get64 := func() (uint64, error) {
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, unexpectedEOF(err)
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}

	switch typ {
	case recReplace:
		if rec.newBlock, err = get64(); err != nil {
			return rec, err
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return rec, unexpectedEOF(err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		rec.payload = make([]byte, n)
		if _, err := io.ReadFull(r, rec.payload); err != nil {
			return rec, unexpectedEOF(err)
		}
		return rec, nil
	case recZero:
		rec.newBlock, err = get64()
		return rec, err
	case recCopy:
		if rec.newBlock, err = get64(); err != nil {
			return rec, err
		}
		rec.srcBlock, err = get64()
		return rec, err
	case recOpBoundary:
		rec.opIndex, err = get64()
		return rec, err
	case recEnd:
		return rec, nil
	default:
		return rec, errors.Newf(errors.ErrCowReplay, "unknown record type %d", typ)
	}
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
