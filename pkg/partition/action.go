package partition

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/slotwise/slotwise/pkg/boot"
	"github.com/slotwise/slotwise/pkg/config"
	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/slotwise/slotwise/pkg/logging"
	"github.com/slotwise/slotwise/pkg/opexec"
	"github.com/slotwise/slotwise/pkg/paths"
	"github.com/slotwise/slotwise/pkg/pipeline"
	"github.com/slotwise/slotwise/pkg/plan"
)

// WriterAction walks every partition of the plan in order, applying its
// operations through the backend selected at start: direct writes, or a
// COW log when virtual A/B is in effect. Progress is checkpointed every
// few operations and at each partition boundary, so a resumed run
// re-does at most one checkpoint interval.
type WriterAction struct {
	pipeline.BaseAction

	cfg    *config.Config
	paths  *paths.Paths
	dyn    boot.DynamicPartitionControl
	blob   io.ReaderAt
	exec   *opexec.Executor
	store  *CheckpointStore
	logger zerolog.Logger

	// OnProgress, when set, receives the applied fraction of total
	// operations in [0,1] as writing advances.
	OnProgress func(float64)

	// Diagnostics, when set, is probed in the background at run start
	// so failures can be triaged against a device snapshot. Writing
	// never waits on it.
	Diagnostics boot.Diagnostics

	mu         sync.Mutex
	plan       *plan.InstallPlan
	terminated bool
}

// NewWriterAction creates the partition writer action. The plan arrives
// through bonding; blob provides payload bytes addressed by each
// operation's data offset and length.
func NewWriterAction(cfg *config.Config, p *paths.Paths, dyn boot.DynamicPartitionControl, blob io.ReaderAt) *WriterAction {
	return &WriterAction{
		cfg:    cfg,
		paths:  p,
		dyn:    dyn,
		blob:   blob,
		exec:   opexec.New(cfg.BlockSize),
		store:  NewCheckpointStore(p.CheckpointPath("current")),
		logger: logging.GetLogger("partition-writer"),
	}
}

func (a *WriterAction) Name() string { return "partition-writer" }

// SetInput receives the validated install plan from the previous action
func (a *WriterAction) SetInput(p *plan.InstallPlan) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.plan = p
}

// Output hands the plan on to the postinstall stage
func (a *WriterAction) Output() *plan.InstallPlan {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.plan
}

// Terminate stops the apply loop at the next operation boundary
func (a *WriterAction) Terminate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminated = true
}

func (a *WriterAction) isTerminated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminated
}

func (a *WriterAction) Perform(done *pipeline.Completion) {
	go func() {
		code := a.run()
		done.Complete(code)
	}()
}

func (a *WriterAction) run() pipeline.Code {
	p := a.Output()
	if p == nil {
		a.logger.Error().Msg("No install plan bonded to partition writer")
		return pipeline.CodeError
	}

	a.probeDiagnostics()

	cp, resumed, err := a.store.Load()
	if err != nil {
		a.logger.Error().Err(err).Msg("Cannot load checkpoint")
		return pipeline.CodeError
	}
	if resumed {
		a.logger.Info().
			Int("partition_index", cp.PartitionIndex).
			Uint64("next_op", cp.NextOpIndex).
			Msg("Resuming from checkpoint")
	}

	if err := a.dyn.MapAllPartitions(); err != nil {
		a.logger.Error().Err(err).Msg("Cannot map partitions")
		return pipeline.CodeFilesystemWriterError
	}
	defer func() {
		if err := a.dyn.UnmapAllPartitions(); err != nil {
			a.logger.Warn().Err(err).Msg("Unmapping partitions failed")
		}
	}()

	vabc := a.cfg.VABCEnabled || a.dyn.GetVirtualAbFeatureFlag().Enabled()
	totalOps := countOps(p)
	appliedOps := countOpsBefore(p, cp)

	for i := cp.PartitionIndex; i < len(p.Partitions); i++ {
		part := &p.Partitions[i]
		startOp := uint64(0)
		if i == cp.PartitionIndex {
			startOp = cp.NextOpIndex
		}
		applied, code := a.writePartition(part, i, startOp, vabc, appliedOps, totalOps)
		if code != pipeline.CodeSuccess {
			return code
		}
		appliedOps += applied

		next := Checkpoint{PartitionIndex: i + 1, NextOpIndex: 0}
		if err := a.store.Save(next); err != nil {
			a.logger.Error().Err(err).Msg("Cannot checkpoint partition boundary")
			return pipeline.CodeError
		}
	}

	if err := a.dyn.FinishUpdate(p.PowerwashRequired); err != nil {
		a.logger.Error().Err(err).Msg("Finishing dynamic partition update failed")
		return pipeline.CodeFilesystemWriterError
	}
	if err := a.store.Clear(); err != nil {
		a.logger.Warn().Err(err).Msg("Cannot clear checkpoint after success")
	}
	a.reportProgress(appliedOps, totalOps)
	return pipeline.CodeSuccess
}

// probeDiagnostics snapshots device telemetry on its own goroutine; the
// result only feeds the log.
func (a *WriterAction) probeDiagnostics() {
	diag := a.Diagnostics
	if diag == nil {
		return
	}
	go diag.Bootstrap(func(ok bool) {
		if !ok {
			a.logger.Warn().Msg("Diagnostics service unavailable")
			return
		}
		categories := []boot.TelemetryCategory{
			boot.TelemetrySystem,
			boot.TelemetryMemory,
			boot.TelemetryStorage,
		}
		diag.ProbeTelemetryInfo(categories, func(info *boot.TelemetryInfo) {
			if info == nil {
				return
			}
			a.logger.Debug().
				Str("os_version", info.OSVersion).
				Uint64("total_memory_kb", info.TotalMemoryKB).
				Uint64("free_disk_bytes", info.FreeDiskBytes).
				Msg("Device telemetry snapshot")
		})
	})
}

// writePartition applies one partition's operations starting at startOp.
// It returns how many operations it applied in this run.
func (a *WriterAction) writePartition(part *plan.Partition, index int, startOp uint64, vabc bool, appliedOps, totalOps uint64) (uint64, pipeline.Code) {
	logDone := logging.LogOperationStart(a.logger.With().Str("partition", part.Name).Logger(), "write_partition")
	defer logDone()

	w, err := newWriterForBackend(vabc, a.exec, a.paths.CowLogPath(part.Name), a.cfg.CowCompression, a.cfg.BlockSize)
	if err != nil {
		a.logger.Error().Err(err).Str("partition", part.Name).Msg("Cannot create partition writer")
		return 0, pipeline.CodeFilesystemWriterError
	}
	if err := w.Init(part, part.SourcePath != "", startOp); err != nil {
		a.logger.Error().Err(err).Str("partition", part.Name).Msg("Cannot initialize partition writer")
		return 0, pipeline.CodeFilesystemWriterError
	}

	applied := uint64(0)
	sinceCheckpoint := 0
	for opIndex := startOp; opIndex < uint64(len(part.Operations)); opIndex++ {
		if a.isTerminated() {
			_ = w.Close()
			return applied, pipeline.CodeCanceled
		}
		op := &part.Operations[opIndex]

		data, err := a.readOpData(op)
		if err != nil {
			a.logger.Error().Err(err).
				Str("partition", part.Name).
				Uint64("op", opIndex).
				Msg("Cannot read operation payload")
			_ = w.Close()
			return applied, pipeline.CodeFilesystemWriterError
		}
		if err := w.PerformOperation(opIndex, op, data); err != nil {
			a.logger.Error().Err(err).
				Str("partition", part.Name).
				Uint64("op", opIndex).
				Stringer("type", op.Type).
				Msg("Operation failed")
			_ = w.Close()
			return applied, pipeline.CodeFilesystemWriterError
		}
		applied++
		sinceCheckpoint++
		a.reportProgress(appliedOps+applied, totalOps)

		if sinceCheckpoint >= a.cfg.CheckpointEveryOps {
			if code := a.checkpoint(w, index, opIndex+1); code != pipeline.CodeSuccess {
				_ = w.Close()
				return applied, code
			}
			sinceCheckpoint = 0
		}
	}

	if err := w.FinishedInstallOps(); err != nil {
		a.logger.Error().Err(err).Str("partition", part.Name).Msg("Cannot seal operation stream")
		_ = w.Close()
		return applied, pipeline.CodeFilesystemWriterError
	}
	if err := w.Close(); err != nil {
		a.logger.Error().Err(err).Str("partition", part.Name).Msg("Finalizing partition failed")
		return applied, pipeline.CodeFilesystemWriterError
	}
	a.logger.Info().
		Str("partition", part.Name).
		Uint64("operations", applied).
		Msg("Partition written")
	return applied, pipeline.CodeSuccess
}

// checkpoint makes the writer's work durable, then persists the record.
// Ordering matters: the record must never claim more than the device or
// log actually holds.
func (a *WriterAction) checkpoint(w Writer, partitionIndex int, nextOpIndex uint64) pipeline.Code {
	if err := w.CheckpointUpdateProgress(nextOpIndex); err != nil {
		a.logger.Error().Err(err).Msg("Cannot sync before checkpoint")
		return pipeline.CodeFilesystemWriterError
	}
	if err := a.store.Save(Checkpoint{PartitionIndex: partitionIndex, NextOpIndex: nextOpIndex}); err != nil {
		a.logger.Error().Err(err).Msg("Cannot persist checkpoint")
		return pipeline.CodeError
	}
	return pipeline.CodeSuccess
}

func (a *WriterAction) readOpData(op *plan.InstallOperation) ([]byte, error) {
	if op.DataLength == 0 {
		return nil, nil
	}
	if a.blob == nil {
		return nil, errors.New(errors.ErrInvalidInput, "operation carries data but no payload source is attached")
	}
	data := make([]byte, op.DataLength)
	if _, err := a.blob.ReadAt(data, int64(op.DataOffset)); err != nil {
		return nil, errors.Wrapf(err, errors.ErrShortRead,
			"payload read at offset %d length %d", op.DataOffset, op.DataLength)
	}
	return data, nil
}

func (a *WriterAction) reportProgress(applied, total uint64) {
	if a.OnProgress == nil || total == 0 {
		return
	}
	f := float64(applied) / float64(total)
	if f > 1 {
		f = 1
	}
	a.OnProgress(f)
}

func countOps(p *plan.InstallPlan) uint64 {
	var n uint64
	for i := range p.Partitions {
		n += uint64(len(p.Partitions[i].Operations))
	}
	return n
}

// countOpsBefore returns how many operations the checkpoint says are
// already applied.
func countOpsBefore(p *plan.InstallPlan, cp Checkpoint) uint64 {
	var n uint64
	for i := 0; i < cp.PartitionIndex && i < len(p.Partitions); i++ {
		n += uint64(len(p.Partitions[i].Operations))
	}
	return n + cp.NextOpIndex
}

var (
	_ pipeline.Consumer[*plan.InstallPlan] = (*WriterAction)(nil)
	_ pipeline.Producer[*plan.InstallPlan] = (*WriterAction)(nil)
)
