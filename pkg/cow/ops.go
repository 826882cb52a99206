// Package cow implements the append-only copy-on-write log the VABC
// backend writes instead of mutating the target device in place, plus
// the translation from install operations to block-granular COW records.
package cow

import (
	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/slotwise/slotwise/pkg/plan"
)

// OpType tags a COW log record
type OpType byte

const (
	// CowReplace carries one block of literal data for a new block
	CowReplace OpType = 1

	// CowZero marks a new block as all zero
	CowZero OpType = 2

	// CowCopy references a source-partition block number, making the log
	// self-describing and replayable without the original patch stream
	CowCopy OpType = 3
)

// String returns the record type name used in logs and errors
func (t OpType) String() string {
	switch t {
	case CowReplace:
		return "COW_REPLACE"
	case CowZero:
		return "COW_ZERO"
	case CowCopy:
		return "COW_COPY"
	default:
		return "UNKNOWN"
	}
}

// Op is one block-granular COW record. Data is set only for CowReplace
// and holds exactly one block.
type Op struct {
	Type     OpType
	NewBlock uint64
	SrcBlock uint64
	Data     []byte
}

// ConvertToOps expands one install operation into its COW records.
// REPLACE and ZERO/DISCARD translate one block at a time; SOURCE_COPY
// pairs the i-th source block with the i-th destination block. Diff
// operations must be decoded by the caller first and converted with
// ConvertDecoded, since a COW log cannot express patch semantics.
func ConvertToOps(op *plan.InstallOperation, blockSize uint64, data []byte) ([]Op, error) {
	switch op.Type {
	case plan.Replace:
		return ConvertDecoded(op.DstExtents, blockSize, data)
	case plan.Zero, plan.Discard:
		var ops []Op
		for _, e := range op.DstExtents {
			for b := e.StartBlock; b < e.End(); b++ {
				ops = append(ops, Op{Type: CowZero, NewBlock: b})
			}
		}
		return ops, nil
	case plan.SourceCopy:
		src := blockSequence(op.SrcExtents)
		dst := blockSequence(op.DstExtents)
		if len(src) != len(dst) {
			return nil, errors.Newf(errors.ErrCowWriter,
				"SOURCE_COPY block count mismatch: %d source, %d destination", len(src), len(dst))
		}
		ops := make([]Op, len(dst))
		for i := range dst {
			ops[i] = Op{Type: CowCopy, NewBlock: dst[i], SrcBlock: src[i]}
		}
		return ops, nil
	case plan.SourceBsdiff, plan.Puffdiff:
		return nil, errors.Newf(errors.ErrCowWriter,
			"%s must be decoded before COW translation", op.Type)
	default:
		return nil, errors.Newf(errors.ErrCowWriter, "cannot translate operation type %s", op.Type)
	}
}

// ConvertDecoded turns raw destination bytes (payload data or decoder
// output) into per-block CowReplace records over the given extents.
func ConvertDecoded(dstExtents []plan.Extent, blockSize uint64, data []byte) ([]Op, error) {
	blocks := blockSequence(dstExtents)
	if uint64(len(data)) != uint64(len(blocks))*blockSize {
		return nil, errors.Newf(errors.ErrCowWriter,
			"data length %d does not cover %d blocks of %d bytes", len(data), len(blocks), blockSize)
	}
	ops := make([]Op, len(blocks))
	for i, b := range blocks {
		ops[i] = Op{
			Type:     CowReplace,
			NewBlock: b,
			Data:     data[uint64(i)*blockSize : uint64(i+1)*blockSize],
		}
	}
	return ops, nil
}

func blockSequence(extents []plan.Extent) []uint64 {
	var blocks []uint64
	for _, e := range extents {
		for b := e.StartBlock; b < e.End(); b++ {
			blocks = append(blocks, b)
		}
	}
	return blocks
}
