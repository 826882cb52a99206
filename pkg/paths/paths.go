// Package paths provides centralized path handling for the update engine.
// It implements XDG Base Directory specification compliance for the state
// files the engine must persist across process restarts: checkpoints and
// copy-on-write logs.
package paths

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/slotwise/slotwise/pkg/errors"
)

// Environment variable names
const (
	// EnvStateDir overrides the XDG state directory for slotwise
	EnvStateDir = "SLOTWISE_STATE_DIR"
)

// Directory and file names under the state dir.
// These define the engine's on-disk state layout and are NOT
// user-configurable; resumability depends on them staying stable.
const (
	// AppDirName is the directory name for slotwise-specific files
	AppDirName = "slotwise"

	// CheckpointDirName holds named checkpoint records
	CheckpointDirName = "checkpoints"

	// CowDirName holds per-partition COW logs
	CowDirName = "cow"

	// MountDirName is the private mount point root for postinstall
	MountDirName = "mnt"
)

// Paths resolves the engine state layout rooted at a single directory
type Paths struct {
	stateDir string
}

// New creates a Paths instance. An empty stateDir resolves the default
// from SLOTWISE_STATE_DIR or the XDG state home.
func New(stateDir string) (*Paths, error) {
	if stateDir == "" {
		stateDir = os.Getenv(EnvStateDir)
	}
	if stateDir == "" {
		stateDir = filepath.Join(xdg.StateHome, AppDirName)
	}

	abs, err := filepath.Abs(stateDir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrInvalidInput, "cannot resolve state dir %q", stateDir)
	}
	return &Paths{stateDir: abs}, nil
}

// StateDir returns the root state directory
func (p *Paths) StateDir() string {
	return p.stateDir
}

// CheckpointPath returns the path of the named checkpoint record. The
// engine applies one plan at a time, so the writer keeps a single record
// named "current"; the name exists so tests can isolate records.
func (p *Paths) CheckpointPath(name string) string {
	return filepath.Join(p.stateDir, CheckpointDirName, name+".json")
}

// CowLogPath returns the COW log path for a partition
func (p *Paths) CowLogPath(partitionName string) string {
	return filepath.Join(p.stateDir, CowDirName, partitionName+".cow")
}

// MountDir returns the private mount point for a partition's postinstall
func (p *Paths) MountDir(partitionName string) string {
	return filepath.Join(p.stateDir, MountDirName, partitionName)
}

// EnsureLayout creates the state directory tree
func (p *Paths) EnsureLayout() error {
	for _, dir := range []string{
		p.stateDir,
		filepath.Join(p.stateDir, CheckpointDirName),
		filepath.Join(p.stateDir, CowDirName),
		filepath.Join(p.stateDir, MountDirName),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, errors.ErrInternal, "cannot create state dir %q", dir)
		}
	}
	return nil
}
