package partition

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/slotwise/slotwise/pkg/blockdev"
	"github.com/slotwise/slotwise/pkg/cow"
	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/slotwise/slotwise/pkg/logging"
	"github.com/slotwise/slotwise/pkg/opexec"
	"github.com/slotwise/slotwise/pkg/plan"
)

// VABCWriter translates install operations into COW records appended to
// a per-partition log instead of mutating the target in place. ZERO and
// SOURCE_COPY keep their identity as COW_ZERO and COW_COPY; literal
// replaces and decoded diffs land as COW_REPLACE, since a COW log cannot
// express patch semantics. Close merges the finished log into the target.
type VABCWriter struct {
	exec        *opexec.Executor
	logger      zerolog.Logger
	logPath     string
	compression cow.Compression
	blockSize   uint64

	cowWriter  *cow.Writer
	source     *blockdev.Device
	targetPath string
	name       string
	closed     bool
}

// NewVABCWriter creates a COW-backed writer appending to logPath
func NewVABCWriter(exec *opexec.Executor, logPath string, compression string, blockSize uint64) (*VABCWriter, error) {
	c, err := cow.ParseCompression(compression)
	if err != nil {
		return nil, err
	}
	return &VABCWriter{
		exec:        exec,
		logger:      logging.GetLogger("vabc-writer"),
		logPath:     logPath,
		compression: c,
		blockSize:   blockSize,
	}, nil
}

func (w *VABCWriter) Init(p *plan.Partition, sourceMayExist bool, nextOpIndex uint64) error {
	w.name = p.Name
	w.targetPath = p.TargetPath

	if p.SourcePath != "" && sourceMayExist {
		source, err := blockdev.OpenSource(p.SourcePath)
		if err != nil {
			return err
		}
		w.source = source
	}

	if nextOpIndex == 0 {
		cw, err := cow.Create(w.logPath, w.blockSize, w.compression)
		if err != nil {
			w.releaseSource()
			return err
		}
		w.cowWriter = cw
		return nil
	}

	// Resume: the log must already hold at least every checkpointed
	// operation, or the prior state is inconsistent.
	cw, err := cow.OpenForAppend(w.logPath, w.blockSize, w.compression)
	if err != nil {
		w.releaseSource()
		return err
	}
	if cw.OpsRecorded() < nextOpIndex {
		_ = cw.Close()
		w.releaseSource()
		return errors.Newf(errors.ErrCowWriter,
			"cow log for %q records %d operations, checkpoint expects at least %d",
			p.Name, cw.OpsRecorded(), nextOpIndex)
	}
	w.cowWriter = cw
	w.logger.Info().
		Str("partition", p.Name).
		Uint64("recorded", cw.OpsRecorded()).
		Uint64("checkpoint", nextOpIndex).
		Msg("VABC writer resumed")
	return nil
}

func (w *VABCWriter) PerformOperation(opIndex uint64, op *plan.InstallOperation, data []byte) error {
	// never re-emit an operation the log already durably records
	if opIndex < w.cowWriter.OpsRecorded() {
		w.logger.Debug().
			Str("partition", w.name).
			Uint64("op", opIndex).
			Msg("Skipping operation already in cow log")
		return nil
	}

	var (
		ops []cow.Op
		err error
	)
	switch op.Type {
	case plan.SourceBsdiff, plan.Puffdiff:
		var decoded []byte
		decoded, err = w.exec.DecodeDiff(op, w.sourceReader(), data)
		if err != nil {
			return err
		}
		ops, err = cow.ConvertDecoded(op.DstExtents, w.blockSize, decoded)
	case plan.Replace:
		if err := opexec.VerifyDigest(op, data); err != nil {
			return err
		}
		ops, err = cow.ConvertToOps(op, w.blockSize, data)
	default:
		ops, err = cow.ConvertToOps(op, w.blockSize, data)
	}
	if err != nil {
		return err
	}
	return w.cowWriter.AppendInstallOp(opIndex, ops)
}

// CheckpointUpdateProgress flushes the log so the checkpoint record
// never runs ahead of what the log durably holds.
func (w *VABCWriter) CheckpointUpdateProgress(nextOpIndex uint64) error {
	return w.cowWriter.Sync()
}

func (w *VABCWriter) FinishedInstallOps() error {
	return w.cowWriter.FinishedInstallOps()
}

// Close merges the finished COW log into the target image and releases
// everything. Merging an unfinished log is refused; an interrupted run
// keeps its log for resume.
func (w *VABCWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.releaseSource()

	if w.cowWriter == nil {
		return nil
	}
	finished := w.cowWriter.Finished()
	if err := w.cowWriter.Close(); err != nil {
		return err
	}
	if !finished {
		// interrupted mid-stream; the log stays for the next attempt
		w.logger.Warn().Str("partition", w.name).Msg("Closing unfinished cow log without merge")
		return nil
	}

	target, err := blockdev.OpenTarget(w.targetPath)
	if err != nil {
		return err
	}
	var src io.ReaderAt
	if w.source != nil {
		src = w.source
	}
	if err := cow.Replay(w.logPath, target, src); err != nil {
		_ = target.Close()
		return err
	}
	if err := target.Sync(); err != nil {
		_ = target.Close()
		return err
	}
	if err := target.Close(); err != nil {
		return err
	}
	w.logger.Info().Str("partition", w.name).Msg("Cow log merged into target")
	return nil
}

// sourceReader returns the source as an interface, nil when absent
func (w *VABCWriter) sourceReader() io.ReaderAt {
	if w.source == nil {
		return nil
	}
	return w.source
}

func (w *VABCWriter) releaseSource() {
	if w.source != nil {
		_ = w.source.Close()
		w.source = nil
	}
}

var _ Writer = (*VABCWriter)(nil)
