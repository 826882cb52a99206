// Package blockdev provides thin access to partition target and source
// devices. Targets are opened read-write, sources read-only; Discard
// punches holes where the backing storage supports it so callers can
// fall back to explicit zero-fill where it does not.
package blockdev

import (
	"os"
	"sync"

	"github.com/slotwise/slotwise/pkg/errors"
	"golang.org/x/sys/unix"
)

// Device wraps an open block device or image file
type Device struct {
	f        *os.File
	path     string
	readOnly bool

	mu     sync.Mutex
	closed bool
}

// OpenTarget opens a destination device for writing
func OpenTarget(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrDeviceOpen, "cannot open target %q", path)
	}
	return &Device{f: f, path: path}, nil
}

// OpenSource opens a prior-image device read-only
func OpenSource(path string) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrDeviceOpen, "cannot open source %q", path)
	}
	return &Device{f: f, path: path, readOnly: true}, nil
}

// Path returns the underlying device path
func (d *Device) Path() string { return d.path }

// ReadAt implements io.ReaderAt
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, errors.Newf(errors.ErrInternal, "write to read-only device %q", d.path)
	}
	return d.f.WriteAt(p, off)
}

// Size returns the device or image size in bytes
func (d *Device) Size() (int64, error) {
	info, err := d.f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, errors.ErrDeviceOpen, "cannot stat %q", d.path)
	}
	if info.Mode().IsRegular() {
		return info.Size(), nil
	}
	// block devices report zero size from stat
	var size uint64
	if err := ioctlBlkGetSize64(d.f.Fd(), &size); err != nil {
		return 0, errors.Wrapf(err, errors.ErrDeviceOpen, "cannot size device %q", d.path)
	}
	return int64(size), nil
}

// Discard deallocates the byte range, returning ok=false when the
// backing storage cannot, so the caller can zero-fill instead.
func (d *Device) Discard(off, length int64) (bool, error) {
	if d.readOnly {
		return false, errors.Newf(errors.ErrInternal, "discard on read-only device %q", d.path)
	}
	err := unix.Fallocate(int(d.f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, length)
	switch err {
	case nil:
		return true, nil
	case unix.EOPNOTSUPP, unix.ENODEV, unix.EINVAL:
		return false, nil
	default:
		return false, errors.Wrapf(err, errors.ErrShortWrite, "discard failed on %q", d.path)
	}
}

// Sync flushes writes to stable storage
func (d *Device) Sync() error {
	if err := d.f.Sync(); err != nil {
		return errors.Wrapf(err, errors.ErrShortWrite, "fsync failed on %q", d.path)
	}
	return nil
}

// Close closes the device exactly once; later calls are no-ops
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.f.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrDeviceClose, "close failed on %q", d.path)
	}
	return nil
}

func ioctlBlkGetSize64(fd uintptr, size *uint64) error {
	v, err := unix.IoctlGetInt(int(fd), unix.BLKGETSIZE64)
	if err != nil {
		return err
	}
	*size = uint64(v)
	return nil
}
