// Package plan defines the install plan data model: the ordered partitions
// and typed block-level operations the payload applier executes against an
// inactive slot.
package plan

import (
	"github.com/opencontainers/go-digest"
)

// OperationType tags the InstallOperation variant
type OperationType int

const (
	// Replace writes raw payload bytes verbatim to the destination extents
	Replace OperationType = iota

	// Zero fills the destination extents with zero bytes
	Zero

	// Discard trims the destination extents when the backend supports it;
	// observably equivalent to Zero
	Discard

	// SourceCopy copies bytes from source extents of the prior image
	// unchanged to the destination extents
	SourceCopy

	// SourceBsdiff feeds source extent bytes plus a patch stream to an
	// external bsdiff decoder and writes the output
	SourceBsdiff

	// Puffdiff feeds source extent bytes plus a patch stream to an
	// external puffin decoder and writes the output
	Puffdiff
)

// String returns the operation type name used in logs and errors
func (t OperationType) String() string {
	switch t {
	case Replace:
		return "REPLACE"
	case Zero:
		return "ZERO"
	case Discard:
		return "DISCARD"
	case SourceCopy:
		return "SOURCE_COPY"
	case SourceBsdiff:
		return "SOURCE_BSDIFF"
	case Puffdiff:
		return "PUFFDIFF"
	default:
		return "UNKNOWN"
	}
}

// Extent is a contiguous run of fixed-size blocks on a partition
type Extent struct {
	StartBlock uint64 `yaml:"start_block"`
	NumBlocks  uint64 `yaml:"num_blocks"`
}

// End returns the first block past the extent
func (e Extent) End() uint64 {
	return e.StartBlock + e.NumBlocks
}

// InstallOperation is one typed block-level update operation
type InstallOperation struct {
	Type       OperationType `yaml:"type"`
	DstExtents []Extent      `yaml:"dst_extents"`
	SrcExtents []Extent      `yaml:"src_extents,omitempty"`

	// DataOffset and DataLength reference this operation's bytes inside
	// the payload data blob. Zero length means no blob data (ZERO,
	// DISCARD, SOURCE_COPY).
	DataOffset uint64 `yaml:"data_offset,omitempty"`
	DataLength uint64 `yaml:"data_length,omitempty"`

	// DataDigest, when set, is verified against the blob bytes before
	// they are applied
	DataDigest digest.Digest `yaml:"data_digest,omitempty"`
}

// DstBlocks returns the total destination block count
func (op *InstallOperation) DstBlocks() uint64 {
	var n uint64
	for _, e := range op.DstExtents {
		n += e.NumBlocks
	}
	return n
}

// SrcBlocks returns the total source block count
func (op *InstallOperation) SrcBlocks() uint64 {
	var n uint64
	for _, e := range op.SrcExtents {
		n += e.NumBlocks
	}
	return n
}

// Partition describes one partition's update within the plan
type Partition struct {
	Name       string `yaml:"name"`
	TargetPath string `yaml:"target_path"`
	SourcePath string `yaml:"source_path,omitempty"`

	RunPostinstall      bool   `yaml:"run_postinstall,omitempty"`
	PostinstallPath     string `yaml:"postinstall_path,omitempty"`
	PostinstallOptional bool   `yaml:"postinstall_optional,omitempty"`
	FilesystemType      string `yaml:"filesystem_type,omitempty"`

	Operations []InstallOperation `yaml:"operations"`

	// DeclaredSize, when nonzero, weights this partition's share of
	// global progress; otherwise the operation count is used
	DeclaredSize uint64 `yaml:"declared_size,omitempty"`
}

// InstallPlan is the ordered unit of work fed into the pipeline
type InstallPlan struct {
	Partitions []Partition `yaml:"partitions"`

	PowerwashRequired bool   `yaml:"powerwash_required,omitempty"`
	SaveRollbackData  bool   `yaml:"save_rollback_data,omitempty"`
	DownloadURL       string `yaml:"download_url,omitempty"`
}

// Weight returns the static progress weight for one partition
func (p *Partition) Weight() uint64 {
	if p.DeclaredSize > 0 {
		return p.DeclaredSize
	}
	return uint64(len(p.Operations))
}

// PartitionWeights returns each partition's weight and the total.
// A partition with no declared size and no operations still weighs one
// so progress over it is well defined.
func (ip *InstallPlan) PartitionWeights() (weights []uint64, total uint64) {
	weights = make([]uint64, len(ip.Partitions))
	for i := range ip.Partitions {
		w := ip.Partitions[i].Weight()
		if w == 0 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	return weights, total
}
