// Package boot declares the boundary interfaces to boot/hardware and
// dynamic-partition control. The payload applier consumes these; it never
// implements them.
package boot

// FeatureFlag reports how a device supports virtual A/B
type FeatureFlag int

const (
	// FeatureNone means the device has no virtual A/B support; the
	// direct write backend is used
	FeatureNone FeatureFlag = iota

	// FeatureRetrofit means virtual A/B was retrofitted onto the device
	FeatureRetrofit

	// FeatureLaunch means the device launched with virtual A/B
	FeatureLaunch
)

// Enabled reports whether the flag selects the COW backend
func (f FeatureFlag) Enabled() bool {
	return f != FeatureNone
}

// DynamicPartitionControl maps and unmaps dynamic partition devices
// around writing and finalizes the update on the snapshot layer.
type DynamicPartitionControl interface {
	MapAllPartitions() error
	UnmapAllPartitions() error
	FinishUpdate(powerwashRequired bool) error
	GetVirtualAbFeatureFlag() FeatureFlag
}

// Hardware exposes the device controls the applier consumes: scheduling
// a factory-reset-on-next-boot marker after a successful update.
type Hardware interface {
	SchedulePowerwash(saveRollbackData bool) error
	CancelPowerwash() error
}

// BootControl answers slot queries. Only the pieces the postinstall
// stage needs are declared here; slot switching is the outer engine's
// concern.
type BootControl interface {
	CurrentSlot() int
	SlotName(slot int) string
}

// TelemetryCategory selects which subsystem a diagnostics probe queries
type TelemetryCategory int

const (
	TelemetrySystem TelemetryCategory = iota
	TelemetryMemory
	TelemetryStorage
)

// TelemetryInfo is the device snapshot a diagnostics probe returns.
// Fields outside the probed categories stay zero.
type TelemetryInfo struct {
	OSVersion     string
	TotalMemoryKB uint64
	FreeDiskBytes uint64
}

// Diagnostics is the boundary to the device diagnostics service. All
// results arrive through callbacks; callers must never block the write
// or postinstall path on a probe.
type Diagnostics interface {
	// Bootstrap connects to the diagnostics service and reports the
	// outcome through done.
	Bootstrap(done func(ok bool))

	// TelemetryInfo returns the most recent probe result, or nil when
	// no probe has completed yet.
	TelemetryInfo() *TelemetryInfo

	// ProbeTelemetryInfo collects the requested categories and delivers
	// the snapshot through done exactly once.
	ProbeTelemetryInfo(categories []TelemetryCategory, done func(*TelemetryInfo))
}
