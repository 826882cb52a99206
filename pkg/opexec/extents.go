// Package opexec applies single install operations against a destination
// writer and optional source reader. It is stateless per call: every
// function receives the operation, the open devices, and the payload
// bytes, and writes exactly the bytes the operation describes.
package opexec

import (
	"io"

	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/slotwise/slotwise/pkg/plan"
)

// Sizer is implemented by devices that know their byte size; extent
// ranges are validated against it before any I/O happens.
type Sizer interface {
	Size() (int64, error)
}

// checkExtents verifies every extent fits inside the device
func checkExtents(dev interface{}, extents []plan.Extent, blockSize uint64, what string) error {
	s, ok := dev.(Sizer)
	if !ok {
		return nil
	}
	size, err := s.Size()
	if err != nil {
		return err
	}
	for _, e := range extents {
		if int64(e.End()*blockSize) > size {
			return errors.Newf(errors.ErrExtentRange,
				"%s extent [%d,%d) exceeds device size %d", what, e.StartBlock, e.End(), size)
		}
	}
	return nil
}

// writeExtents writes data across the extents in order; data length must
// exactly cover them.
func writeExtents(dst io.WriterAt, extents []plan.Extent, blockSize uint64, data []byte) error {
	var off uint64
	for _, e := range extents {
		n := e.NumBlocks * blockSize
		if off+n > uint64(len(data)) {
			return errors.Newf(errors.ErrShortWrite,
				"data ends at byte %d, extent needs %d more", len(data), off+n-uint64(len(data)))
		}
		written, err := dst.WriteAt(data[off:off+n], int64(e.StartBlock*blockSize))
		if err != nil {
			return errors.Wrapf(err, errors.ErrShortWrite,
				"write failed at block %d", e.StartBlock)
		}
		if uint64(written) != n {
			return errors.Newf(errors.ErrShortWrite,
				"short write at block %d: %d of %d bytes", e.StartBlock, written, n)
		}
		off += n
	}
	if off != uint64(len(data)) {
		return errors.Newf(errors.ErrShortWrite,
			"%d trailing data bytes not covered by destination extents", uint64(len(data))-off)
	}
	return nil
}

// readExtents reads the extents' bytes in order into one buffer
func readExtents(src io.ReaderAt, extents []plan.Extent, blockSize uint64) ([]byte, error) {
	var total uint64
	for _, e := range extents {
		total += e.NumBlocks * blockSize
	}
	buf := make([]byte, total)
	var off uint64
	for _, e := range extents {
		n := e.NumBlocks * blockSize
		read, err := src.ReadAt(buf[off:off+n], int64(e.StartBlock*blockSize))
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrShortRead,
				"read failed at block %d", e.StartBlock)
		}
		if uint64(read) != n {
			return nil, errors.Newf(errors.ErrShortRead,
				"short read at block %d: %d of %d bytes", e.StartBlock, read, n)
		}
		off += n
	}
	return buf, nil
}
