package boot

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/slotwise/slotwise/pkg/fsatomic"
)

// LocalDynamicPartitionControl is the control used when partitions are
// plain block devices or image files that need no mapping step.
type LocalDynamicPartitionControl struct {
	Feature FeatureFlag
}

func (c *LocalDynamicPartitionControl) MapAllPartitions() error   { return nil }
func (c *LocalDynamicPartitionControl) UnmapAllPartitions() error { return nil }

// FinishUpdate has nothing to finalize for plain devices
func (c *LocalDynamicPartitionControl) FinishUpdate(powerwashRequired bool) error { return nil }

func (c *LocalDynamicPartitionControl) GetVirtualAbFeatureFlag() FeatureFlag { return c.Feature }

// powerwash marker contents read by the recovery environment on next boot
const (
	powerwashCommand         = "safe fast keepimg reason=update\n"
	rollbackPowerwashCommand = "safe fast keepimg rollback reason=update\n"
)

// LocalHardware schedules a powerwash by dropping a marker file the
// recovery environment consumes on the next boot.
type LocalHardware struct {
	// MarkerPath is where the powerwash request marker is written
	MarkerPath string
}

func (h *LocalHardware) SchedulePowerwash(saveRollbackData bool) error {
	command := powerwashCommand
	if saveRollbackData {
		command = rollbackPowerwashCommand
	}
	if err := fsatomic.WriteFile(h.MarkerPath, []byte(command), 0644); err != nil {
		return errors.Wrapf(err, errors.ErrPowerwashSchedule, "cannot write powerwash marker %q", h.MarkerPath)
	}
	return nil
}

func (h *LocalHardware) CancelPowerwash() error {
	if err := os.Remove(h.MarkerPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.ErrPowerwashSchedule, "cannot remove powerwash marker %q", h.MarkerPath)
	}
	return nil
}

// LocalDiagnostics reads telemetry straight from the kernel. Probes run
// on their own goroutine so callers never block on them.
type LocalDiagnostics struct {
	// StorageRoot is the filesystem the storage probe measures;
	// empty means "/".
	StorageRoot string

	mu     sync.Mutex
	cached *TelemetryInfo
}

// Bootstrap needs no service connection for local probes
func (d *LocalDiagnostics) Bootstrap(done func(ok bool)) {
	go done(true)
}

func (d *LocalDiagnostics) TelemetryInfo() *TelemetryInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cached
}

func (d *LocalDiagnostics) ProbeTelemetryInfo(categories []TelemetryCategory, done func(*TelemetryInfo)) {
	go func() {
		info := &TelemetryInfo{}
		for _, category := range categories {
			d.probe(category, info)
		}
		d.mu.Lock()
		d.cached = info
		d.mu.Unlock()
		done(info)
	}()
}

// probe fills the snapshot fields for one category; a failed syscall
// leaves them zero rather than failing the probe.
func (d *LocalDiagnostics) probe(category TelemetryCategory, info *TelemetryInfo) {
	switch category {
	case TelemetrySystem:
		var uts unix.Utsname
		if unix.Uname(&uts) == nil {
			info.OSVersion = nulTerminated(uts.Release[:])
		}
	case TelemetryMemory:
		var si unix.Sysinfo_t
		if unix.Sysinfo(&si) == nil {
			info.TotalMemoryKB = uint64(si.Totalram) * uint64(si.Unit) / 1024
		}
	case TelemetryStorage:
		root := d.StorageRoot
		if root == "" {
			root = "/"
		}
		var st unix.Statfs_t
		if unix.Statfs(root, &st) == nil {
			info.FreeDiskBytes = uint64(st.Bavail) * uint64(st.Bsize)
		}
	}
}

func nulTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
