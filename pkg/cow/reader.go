package cow

import (
	"bufio"
	"io"
	"os"

	"github.com/slotwise/slotwise/pkg/errors"
)

// Replay merges a finished COW log into the target image. CowCopy records
// read from the source image, making the log replayable without the
// original patch stream. The log must carry the end-of-ops marker;
// a log without one was never finalized and is not safe to merge.
func Replay(path string, dst io.WriterAt, src io.ReaderAt) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, errors.ErrCowReplay, "cannot open cow log %q", path)
	}
	defer func() { _ = f.Close() }()

	headerBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		return errors.Wrapf(err, errors.ErrCowReplay, "cannot read cow log header from %q", path)
	}
	h, err := decodeHeader(headerBuf)
	if err != nil {
		return err
	}
	blockSize := uint64(h.blockSize)
	zeroBlock := make([]byte, blockSize)

	br := bufio.NewReader(f)
	for {
		rec, err := readRecord(br)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.Newf(errors.ErrCowReplay, "cow log %q has no end marker, refusing to merge", path)
		}
		if err != nil {
			return errors.Wrapf(err, errors.ErrCowReplay, "corrupt cow log %q", path)
		}

		switch rec.typ {
		case recReplace:
			data, err := decompress(h.compression, rec.payload, blockSize)
			if err != nil {
				return err
			}
			if uint64(len(data)) != blockSize {
				return errors.Newf(errors.ErrCowReplay,
					"COW_REPLACE block %d decompressed to %d bytes, want %d", rec.newBlock, len(data), blockSize)
			}
			if err := writeBlock(dst, rec.newBlock, data, blockSize); err != nil {
				return err
			}
		case recZero:
			if err := writeBlock(dst, rec.newBlock, zeroBlock, blockSize); err != nil {
				return err
			}
		case recCopy:
			if src == nil {
				return errors.Newf(errors.ErrCowReplay,
					"COW_COPY block %d needs a source image", rec.newBlock)
			}
			buf := make([]byte, blockSize)
			if _, err := src.ReadAt(buf, int64(rec.srcBlock*blockSize)); err != nil {
				return errors.Wrapf(err, errors.ErrCowReplay,
					"cannot read source block %d", rec.srcBlock)
			}
			if err := writeBlock(dst, rec.newBlock, buf, blockSize); err != nil {
				return err
			}
		case recOpBoundary:
			// bookkeeping only
		case recEnd:
			return nil
		}
	}
}

// CountOps reports how many install operations a log durably records and
// whether it is finished, without touching any image.
func CountOps(path string) (ops uint64, finished bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, errors.Wrapf(err, errors.ErrCowReplay, "cannot open cow log %q", path)
	}
	defer func() { _ = f.Close() }()

	headerBuf := make([]byte, headerSize)
	if _, err := io.ReadFull(f, headerBuf); err != nil {
		return 0, false, errors.Wrapf(err, errors.ErrCowReplay, "cannot read cow log header from %q", path)
	}
	if _, err := decodeHeader(headerBuf); err != nil {
		return 0, false, err
	}

	br := bufio.NewReader(f)
	for {
		rec, err := readRecord(br)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ops, false, nil
		}
		if err != nil {
			return 0, false, errors.Wrapf(err, errors.ErrCowReplay, "corrupt cow log %q", path)
		}
		switch rec.typ {
		case recOpBoundary:
			ops++
		case recEnd:
			return ops, true, nil
		}
	}
}

func writeBlock(dst io.WriterAt, block uint64, data []byte, blockSize uint64) error {
	if _, err := dst.WriteAt(data, int64(block*blockSize)); err != nil {
		return errors.Wrapf(err, errors.ErrCowReplay, "cannot write block %d", block)
	}
	return nil
}
