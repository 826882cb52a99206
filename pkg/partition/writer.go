package partition

import (
	"github.com/rs/zerolog"
	"github.com/slotwise/slotwise/pkg/blockdev"
	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/slotwise/slotwise/pkg/logging"
	"github.com/slotwise/slotwise/pkg/opexec"
	"github.com/slotwise/slotwise/pkg/plan"
)

// Writer applies one partition's operations in strict order. Exactly one
// writer exists per partition per run; Close is safe to call once more
// after a failure.
type Writer interface {
	// Init opens or creates the writer. A nextOpIndex greater than zero
	// resumes: prior state is validated and operations with a lower
	// index are never re-applied or re-emitted.
	Init(p *plan.Partition, sourceMayExist bool, nextOpIndex uint64) error

	// PerformOperation applies the operation at opIndex. data holds the
	// operation's payload or patch bytes, nil when it carries none.
	PerformOperation(opIndex uint64, op *plan.InstallOperation, data []byte) error

	// CheckpointUpdateProgress makes all work below nextOpIndex durable
	// before the caller persists its checkpoint record.
	CheckpointUpdateProgress(nextOpIndex uint64) error

	// FinishedInstallOps seals the operation stream before finalization
	FinishedInstallOps() error

	// Close finalizes and releases the writer: merge for COW backends,
	// fsync for direct. A finalization failure is fatal for the
	// partition's update.
	Close() error
}

// DirectWriter applies operations straight to the target block device
type DirectWriter struct {
	exec   *opexec.Executor
	logger zerolog.Logger

	target *blockdev.Device
	source *blockdev.Device
	name   string
}

// NewDirectWriter creates a direct writer using the given executor
func NewDirectWriter(exec *opexec.Executor) *DirectWriter {
	return &DirectWriter{exec: exec, logger: logging.GetLogger("direct-writer")}
}

func (w *DirectWriter) Init(p *plan.Partition, sourceMayExist bool, nextOpIndex uint64) error {
	w.name = p.Name
	target, err := blockdev.OpenTarget(p.TargetPath)
	if err != nil {
		return err
	}
	w.target = target

	if p.SourcePath != "" && sourceMayExist {
		source, err := blockdev.OpenSource(p.SourcePath)
		if err != nil {
			_ = target.Close()
			return err
		}
		w.source = source
	}
	w.logger.Debug().
		Str("partition", p.Name).
		Uint64("next_op", nextOpIndex).
		Msg("Direct writer initialized")
	return nil
}

func (w *DirectWriter) PerformOperation(opIndex uint64, op *plan.InstallOperation, data []byte) error {
	var src *blockdev.Device = w.source
	if src == nil {
		return w.exec.Apply(op, w.target, nil, data)
	}
	return w.exec.Apply(op, w.target, src, data)
}

// CheckpointUpdateProgress syncs the device so the checkpoint record
// never claims work the device has not made durable.
func (w *DirectWriter) CheckpointUpdateProgress(nextOpIndex uint64) error {
	return w.target.Sync()
}

func (w *DirectWriter) FinishedInstallOps() error { return nil }

func (w *DirectWriter) Close() error {
	var firstErr error
	if w.target != nil {
		if err := w.target.Sync(); err != nil {
			firstErr = err
		}
		if err := w.target.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.source != nil {
		if err := w.source.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ensure interface compliance
var _ Writer = (*DirectWriter)(nil)

// newWriterForBackend selects the backend once at initialization:
// COW when the virtual A/B feature flag (or config) says so, direct
// otherwise.
func newWriterForBackend(vabc bool, exec *opexec.Executor, cowPath string, compression string, blockSize uint64) (Writer, error) {
	if !vabc {
		return NewDirectWriter(exec), nil
	}
	w, err := NewVABCWriter(exec, cowPath, compression, blockSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCowWriter, "cannot create VABC writer")
	}
	return w, nil
}
