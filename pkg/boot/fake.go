package boot

import "sync"

// FakeDynamicPartitionControl records calls for tests
type FakeDynamicPartitionControl struct {
	mu sync.Mutex

	Feature FeatureFlag

	MapCalls    int
	UnmapCalls  int
	FinishCalls int
	FinishPwash []bool

	MapErr    error
	UnmapErr  error
	FinishErr error
}

func (f *FakeDynamicPartitionControl) MapAllPartitions() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MapCalls++
	return f.MapErr
}

func (f *FakeDynamicPartitionControl) UnmapAllPartitions() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UnmapCalls++
	return f.UnmapErr
}

func (f *FakeDynamicPartitionControl) FinishUpdate(powerwashRequired bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FinishCalls++
	f.FinishPwash = append(f.FinishPwash, powerwashRequired)
	return f.FinishErr
}

func (f *FakeDynamicPartitionControl) GetVirtualAbFeatureFlag() FeatureFlag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Feature
}

// FakeHardware records powerwash scheduling for tests
type FakeHardware struct {
	mu sync.Mutex

	ScheduleCalls    int
	ScheduledSave    []bool
	CancelCalls      int
	ScheduleErr      error
	PowerwashPending bool
}

func (f *FakeHardware) SchedulePowerwash(saveRollbackData bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ScheduleCalls++
	f.ScheduledSave = append(f.ScheduledSave, saveRollbackData)
	if f.ScheduleErr != nil {
		return f.ScheduleErr
	}
	f.PowerwashPending = true
	return nil
}

func (f *FakeHardware) CancelPowerwash() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CancelCalls++
	f.PowerwashPending = false
	return nil
}

// IsPowerwashScheduled reports the pending marker under the lock
func (f *FakeHardware) IsPowerwashScheduled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PowerwashPending
}

// FakeDiagnostics answers probes with a canned snapshot and records
// every call for tests. Callbacks run synchronously.
type FakeDiagnostics struct {
	mu sync.Mutex

	Info        *TelemetryInfo
	BootstrapOK bool

	BootstrapCalls   int
	ProbeCalls       int
	ProbedCategories [][]TelemetryCategory

	cached *TelemetryInfo
}

func (f *FakeDiagnostics) Bootstrap(done func(ok bool)) {
	f.mu.Lock()
	f.BootstrapCalls++
	ok := f.BootstrapOK
	f.mu.Unlock()
	done(ok)
}

func (f *FakeDiagnostics) TelemetryInfo() *TelemetryInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cached
}

func (f *FakeDiagnostics) ProbeTelemetryInfo(categories []TelemetryCategory, done func(*TelemetryInfo)) {
	f.mu.Lock()
	f.ProbeCalls++
	f.ProbedCategories = append(f.ProbedCategories, append([]TelemetryCategory(nil), categories...))
	info := f.Info
	f.cached = info
	f.mu.Unlock()
	done(info)
}

// Counts reads the call counters under the lock; callbacks may fire
// from another goroutine.
func (f *FakeDiagnostics) Counts() (bootstraps, probes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BootstrapCalls, f.ProbeCalls
}

// FakeBootControl is a fixed-slot boot control
type FakeBootControl struct {
	Slot int
}

func (f *FakeBootControl) CurrentSlot() int { return f.Slot }

func (f *FakeBootControl) SlotName(slot int) string {
	if slot == 0 {
		return "a"
	}
	return "b"
}
