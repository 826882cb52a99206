package plan

import (
	"path/filepath"
	"sort"

	"github.com/slotwise/slotwise/pkg/errors"
)

// Validate checks the whole plan against the data-model invariants:
// destination extents never overlap within one partition's operation set,
// every operation carries the fields its type requires, and postinstall
// paths are relative.
func (ip *InstallPlan) Validate() error {
	seen := make(map[string]bool, len(ip.Partitions))
	for i := range ip.Partitions {
		p := &ip.Partitions[i]
		if p.Name == "" {
			return errors.Newf(errors.ErrPlanInvalid, "partition %d has no name", i)
		}
		if seen[p.Name] {
			return errors.Newf(errors.ErrPlanInvalid, "duplicate partition %q", p.Name)
		}
		seen[p.Name] = true
		if p.TargetPath == "" {
			return errors.Newf(errors.ErrPlanInvalid, "partition %q has no target path", p.Name)
		}
		if p.RunPostinstall {
			if p.PostinstallPath == "" {
				return errors.Newf(errors.ErrPlanInvalid, "partition %q requests postinstall without a path", p.Name)
			}
			if filepath.IsAbs(p.PostinstallPath) {
				return errors.Newf(errors.ErrPathValidation, "partition %q postinstall path %q is absolute", p.Name, p.PostinstallPath)
			}
		}
		if err := p.validateOperations(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Partition) validateOperations() error {
	var dst []Extent
	for i := range p.Operations {
		op := &p.Operations[i]
		if len(op.DstExtents) == 0 {
			return errors.Newf(errors.ErrPlanInvalid, "%s: op %d (%s) has no destination extents", p.Name, i, op.Type)
		}
		for _, e := range append(append([]Extent{}, op.DstExtents...), op.SrcExtents...) {
			if e.NumBlocks == 0 {
				return errors.Newf(errors.ErrPlanInvalid, "%s: op %d (%s) has a zero-block extent", p.Name, i, op.Type)
			}
		}
		switch op.Type {
		case Replace:
			if op.DataLength == 0 {
				return errors.Newf(errors.ErrPlanInvalid, "%s: op %d REPLACE carries no data", p.Name, i)
			}
		case Zero, Discard:
			if op.DataLength != 0 {
				return errors.Newf(errors.ErrPlanInvalid, "%s: op %d %s must not carry data", p.Name, i, op.Type)
			}
		case SourceCopy:
			if len(op.SrcExtents) == 0 {
				return errors.Newf(errors.ErrPlanInvalid, "%s: op %d SOURCE_COPY has no source extents", p.Name, i)
			}
			if op.SrcBlocks() != op.DstBlocks() {
				return errors.Newf(errors.ErrPlanInvalid,
					"%s: op %d SOURCE_COPY source blocks (%d) != destination blocks (%d)",
					p.Name, i, op.SrcBlocks(), op.DstBlocks())
			}
		case SourceBsdiff, Puffdiff:
			if len(op.SrcExtents) == 0 || op.DataLength == 0 {
				return errors.Newf(errors.ErrPlanInvalid, "%s: op %d %s needs source extents and a patch", p.Name, i, op.Type)
			}
		default:
			return errors.Newf(errors.ErrPlanInvalid, "%s: op %d has unknown type %d", p.Name, i, int(op.Type))
		}
		dst = append(dst, op.DstExtents...)
	}

	// Overlap check across the whole operation set, O(n log n)
	sort.Slice(dst, func(a, b int) bool { return dst[a].StartBlock < dst[b].StartBlock })
	for i := 1; i < len(dst); i++ {
		if dst[i].StartBlock < dst[i-1].End() {
			return errors.Newf(errors.ErrExtentOverlap,
				"%s: destination extents overlap at block %d", p.Name, dst[i].StartBlock)
		}
	}
	return nil
}
