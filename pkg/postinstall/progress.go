package postinstall

import (
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/slotwise/slotwise/pkg/plan"
)

// progressPrefix is the keyword postinstall programs write on their
// progress descriptor, one report per line.
const progressPrefix = "global_progress"

// ParseProgressLine parses one `global_progress <fraction>` line.
// The fraction is clamped to [0,1]; anything malformed reports ok=false
// and is ignored by the caller.
func ParseProgressLine(line string) (float64, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != progressPrefix {
		return 0, false
	}
	f, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	if f < 0 {
		return 0, true
	}
	if f >= 1 {
		return 1, true
	}
	return f, true
}

// ProgressTracker folds per-partition progress fractions into one global
// fraction weighted by operation counts. Reports within a partition are
// monotone non-decreasing; a stale lower report is dropped.
type ProgressTracker struct {
	mu          sync.Mutex
	weights     []uint64
	total       uint64
	accumulated uint64
	local       float64
	report      func(float64)
}

// NewProgressTracker builds a tracker over the plan's partition weights.
// report may be nil.
func NewProgressTracker(p *plan.InstallPlan, report func(float64)) *ProgressTracker {
	weights, total := p.PartitionWeights()
	return &ProgressTracker{weights: weights, total: total, report: report}
}

// Update folds a local fraction for partition index into the global
// fraction: (accumulated + f*w_i) / total.
func (t *ProgressTracker) Update(index int, f float64) {
	t.mu.Lock()
	if f < t.local {
		t.mu.Unlock()
		return
	}
	t.local = f
	global := (float64(t.accumulated) + f*float64(t.weights[index])) / float64(t.total)
	t.mu.Unlock()
	t.emit(global)
}

// Complete marks partition index done, whether it ran postinstall or was
// skipped, moving its full weight into the accumulated base.
func (t *ProgressTracker) Complete(index int) {
	t.mu.Lock()
	t.accumulated += t.weights[index]
	t.local = 0
	global := float64(t.accumulated) / float64(t.total)
	t.mu.Unlock()
	t.emit(global)
}

func (t *ProgressTracker) emit(global float64) {
	if t.report == nil {
		return
	}
	if global > 1 {
		global = 1
	}
	t.report(global)
}
