// Package postinstall mounts each updated partition read-only and runs
// its postinstall program, streaming weighted progress and mapping the
// firmware-slot exit signals. One action value holds all per-run state.
package postinstall

import (
	"os"
	"sync"

	"github.com/slotwise/slotwise/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mounter mounts a partition image read-only at a private mount point.
// An interface so tests substitute a loopback-free fake.
type Mounter interface {
	Mount(source, target, fstype string) error
	Unmount(target string) error
}

// LinuxMounter mounts via the mount syscall
type LinuxMounter struct{}

// Mount mounts source read-only at target. An empty fstype defaults to
// ext4, the common case for system images.
func (LinuxMounter) Mount(source, target, fstype string) error {
	if fstype == "" {
		fstype = "ext4"
	}
	if err := unix.Mount(source, target, fstype, unix.MS_RDONLY|unix.MS_NODEV|unix.MS_NOSUID, ""); err != nil {
		return errors.Wrapf(err, errors.ErrMount, "cannot mount %q at %q as %s", source, target, fstype)
	}
	return nil
}

func (LinuxMounter) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return errors.Wrapf(err, errors.ErrMount, "cannot unmount %q", target)
	}
	return nil
}

// FakeMounter symlinks a prepared directory in place of a real mount.
// Binds maps a partition device path to the directory standing in for
// its filesystem contents.
type FakeMounter struct {
	Binds map[string]string

	MountErr   error
	UnmountErr error

	mu       sync.Mutex
	mounts   []string
	unmounts []string
}

func (f *FakeMounter) Mount(source, target, fstype string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MountErr != nil {
		return f.MountErr
	}
	dir, ok := f.Binds[source]
	if !ok {
		return errors.Newf(errors.ErrMount, "no fake filesystem bound for %q", source)
	}
	// the action pre-creates the mount point; replace it with a symlink
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Symlink(dir, target); err != nil {
		return err
	}
	f.mounts = append(f.mounts, target)
	return nil
}

func (f *FakeMounter) Unmount(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UnmountErr != nil {
		return f.UnmountErr
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return err
	}
	f.unmounts = append(f.unmounts, target)
	return nil
}

// MountCalls returns the mount targets seen so far
func (f *FakeMounter) MountCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mounts...)
}

// UnmountCalls returns the unmount targets seen so far
func (f *FakeMounter) UnmountCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unmounts...)
}
