package opexec

import (
	"io"

	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/slotwise/slotwise/pkg/plan"
)

// Discarder is optionally implemented by destinations whose backing
// storage supports trimming a byte range. Returning ok=false falls back
// to explicit zero-fill, which is observably equivalent.
type Discarder interface {
	Discard(off, length int64) (bool, error)
}

// Executor applies one install operation per call. It holds no per-call
// state; the decoders map is fixed at construction.
type Executor struct {
	BlockSize uint64
	Decoders  map[plan.OperationType]Decoder
}

// New creates an executor with the external decoders registered
func New(blockSize uint64) *Executor {
	return &Executor{BlockSize: blockSize, Decoders: DefaultDecoders()}
}

// Apply executes the operation against dst, reading src where the type
// needs prior-image bytes and data where it carries payload bytes.
func (e *Executor) Apply(op *plan.InstallOperation, dst io.WriterAt, src io.ReaderAt, data []byte) error {
	if err := checkExtents(dst, op.DstExtents, e.BlockSize, "destination"); err != nil {
		return err
	}

	switch op.Type {
	case plan.Replace:
		if err := VerifyDigest(op, data); err != nil {
			return err
		}
		if uint64(len(data)) != op.DstBlocks()*e.BlockSize {
			return errors.Newf(errors.ErrInvalidInput,
				"REPLACE carries %d bytes for %d destination blocks", len(data), op.DstBlocks())
		}
		return writeExtents(dst, op.DstExtents, e.BlockSize, data)

	case plan.Zero:
		return e.zeroExtents(dst, op.DstExtents)

	case plan.Discard:
		if d, ok := dst.(Discarder); ok {
			return e.discardExtents(dst, d, op.DstExtents)
		}
		return e.zeroExtents(dst, op.DstExtents)

	case plan.SourceCopy:
		if src == nil {
			return errors.New(errors.ErrInvalidInput, "SOURCE_COPY without a source device")
		}
		if err := checkExtents(src, op.SrcExtents, e.BlockSize, "source"); err != nil {
			return err
		}
		buf, err := readExtents(src, op.SrcExtents, e.BlockSize)
		if err != nil {
			return err
		}
		return writeExtents(dst, op.DstExtents, e.BlockSize, buf)

	case plan.SourceBsdiff, plan.Puffdiff:
		out, err := e.DecodeDiff(op, src, data)
		if err != nil {
			return err
		}
		return writeExtents(dst, op.DstExtents, e.BlockSize, out)

	default:
		return errors.Newf(errors.ErrInvalidInput, "unknown operation type %d", int(op.Type))
	}
}

// DecodeDiff reads the operation's source extents and runs the registered
// decoder over them with the patch bytes. The decoded output must cover
// the destination extents exactly. The VABC writer uses this directly,
// since a COW log stores decoded bytes, not patches.
func (e *Executor) DecodeDiff(op *plan.InstallOperation, src io.ReaderAt, patch []byte) ([]byte, error) {
	if src == nil {
		return nil, errors.Newf(errors.ErrInvalidInput, "%s without a source device", op.Type)
	}
	if err := VerifyDigest(op, patch); err != nil {
		return nil, err
	}
	if err := checkExtents(src, op.SrcExtents, e.BlockSize, "source"); err != nil {
		return nil, err
	}
	decoder, ok := e.Decoders[op.Type]
	if !ok {
		return nil, errors.Newf(errors.ErrDecode, "no decoder registered for %s", op.Type)
	}

	srcBytes, err := readExtents(src, op.SrcExtents, e.BlockSize)
	if err != nil {
		return nil, err
	}
	out, err := decoder.Decode(srcBytes, patch)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrDecode, "%s decode failed", op.Type)
	}
	if want := op.DstBlocks() * e.BlockSize; uint64(len(out)) != want {
		return nil, errors.Newf(errors.ErrDecode,
			"%s decoder produced %d bytes, destination needs %d", op.Type, len(out), want)
	}
	return out, nil
}

func (e *Executor) zeroExtents(dst io.WriterAt, extents []plan.Extent) error {
	// bounded scratch buffer, reused across extents
	const maxChunkBlocks = 256
	zero := make([]byte, maxChunkBlocks*e.BlockSize)
	for _, ext := range extents {
		remaining := ext.NumBlocks * e.BlockSize
		off := int64(ext.StartBlock * e.BlockSize)
		for remaining > 0 {
			n := uint64(len(zero))
			if remaining < n {
				n = remaining
			}
			written, err := dst.WriteAt(zero[:n], off)
			if err != nil {
				return errors.Wrapf(err, errors.ErrShortWrite, "zero-fill failed at offset %d", off)
			}
			if uint64(written) != n {
				return errors.Newf(errors.ErrShortWrite,
					"short zero-fill at offset %d: %d of %d bytes", off, written, n)
			}
			off += int64(n)
			remaining -= n
		}
	}
	return nil
}

func (e *Executor) discardExtents(dst io.WriterAt, d Discarder, extents []plan.Extent) error {
	for _, ext := range extents {
		off := int64(ext.StartBlock * e.BlockSize)
		length := int64(ext.NumBlocks * e.BlockSize)
		ok, err := d.Discard(off, length)
		if err != nil {
			return err
		}
		if !ok {
			if err := e.zeroExtents(dst, []plan.Extent{ext}); err != nil {
				return err
			}
		}
	}
	return nil
}

// VerifyDigest checks data against the operation's declared digest.
// An empty digest means the operation carries no integrity claim.
func VerifyDigest(op *plan.InstallOperation, data []byte) error {
	if op.DataDigest == "" {
		return nil
	}
	if err := op.DataDigest.Validate(); err != nil {
		return errors.Wrapf(err, errors.ErrDigestMismatch, "invalid digest on %s", op.Type)
	}
	if actual := op.DataDigest.Algorithm().FromBytes(data); actual != op.DataDigest {
		return errors.Newf(errors.ErrDigestMismatch,
			"%s data digest %s does not match expected %s", op.Type, actual, op.DataDigest)
	}
	return nil
}
