// Package partition sequences install operations for each partition in
// the plan, persisting checkpoints so a resumed run redoes only a small
// bounded amount of work, and choosing the direct or COW write backend.
package partition

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/slotwise/slotwise/pkg/fsatomic"
)

// Checkpoint marks the next operation to apply. Every operation with a
// lower index in a lower-or-equal partition is guaranteed already applied.
type Checkpoint struct {
	PartitionIndex int       `json:"partition_index"`
	NextOpIndex    uint64    `json:"next_op_index"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// after reports whether c is strictly behind other in apply order
func (c Checkpoint) before(other Checkpoint) bool {
	if c.PartitionIndex != other.PartitionIndex {
		return c.PartitionIndex < other.PartitionIndex
	}
	return c.NextOpIndex < other.NextOpIndex
}

// CheckpointStore persists the checkpoint record. Single-writer; every
// save is atomic (fully persisted or not at all) and monotonically
// non-decreasing.
type CheckpointStore struct {
	path string

	mu   sync.Mutex
	last *Checkpoint
}

// NewCheckpointStore creates a store over the given record path
func NewCheckpointStore(path string) *CheckpointStore {
	return &CheckpointStore{path: path}
}

// Load reads the persisted checkpoint. A missing record means a fresh
// run and is not an error.
func (s *CheckpointStore) Load() (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, errors.Wrapf(err, errors.ErrCheckpoint, "cannot read checkpoint %q", s.path)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, errors.Wrapf(err, errors.ErrCheckpoint, "corrupt checkpoint %q", s.path)
	}
	s.last = &cp
	return cp, true, nil
}

// Save atomically persists the checkpoint. Going backward is refused:
// the record only ever advances.
func (s *CheckpointStore) Save(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != nil && cp.before(*s.last) {
		return errors.Newf(errors.ErrCheckpoint,
			"checkpoint would regress from (%d,%d) to (%d,%d)",
			s.last.PartitionIndex, s.last.NextOpIndex, cp.PartitionIndex, cp.NextOpIndex)
	}
	cp.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, errors.ErrCheckpoint, "cannot encode checkpoint")
	}
	if err := fsatomic.WriteFile(s.path, data, 0644); err != nil {
		return errors.Wrapf(err, errors.ErrCheckpoint, "cannot persist checkpoint %q", s.path)
	}
	s.last = &cp
	return nil
}

// Clear removes the record after a fully successful run
func (s *CheckpointStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, errors.ErrCheckpoint, "cannot clear checkpoint %q", s.path)
	}
	s.last = nil
	return nil
}
