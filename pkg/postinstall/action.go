package postinstall

import (
	"bufio"
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/slotwise/slotwise/pkg/boot"
	"github.com/slotwise/slotwise/pkg/config"
	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/slotwise/slotwise/pkg/logging"
	"github.com/slotwise/slotwise/pkg/paths"
	"github.com/slotwise/slotwise/pkg/pipeline"
	"github.com/slotwise/slotwise/pkg/plan"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// progressFdEnv tells the child which descriptor carries progress lines.
// The descriptor is always 3 (first entry after stdio), the variable
// exists so programs need not hardcode it.
const progressFdEnv = "SLOTWISE_PROGRESS_FD"

// Action runs each partition's postinstall program in plan order.
// Programs run from a read-only mount of the updated partition with a
// dedicated progress descriptor; exit codes 3 and 4 signal which
// firmware slot the device booted from and halt the pipeline with the
// matching code. Optional programs may fail without halting, except for
// path validation, which is fatal regardless.
type Action struct {
	pipeline.BaseAction

	mounter  Mounter
	hardware boot.Hardware
	paths    *paths.Paths
	timeout  time.Duration
	logger   zerolog.Logger

	// OnProgress, when set, receives the weighted global fraction
	OnProgress func(float64)

	mu         sync.Mutex
	plan       *plan.InstallPlan
	child      *os.Process
	terminated bool
}

// NewAction creates the postinstall runner action
func NewAction(cfg *config.Config, pth *paths.Paths, mounter Mounter, hardware boot.Hardware) *Action {
	return &Action{
		mounter:  mounter,
		hardware: hardware,
		paths:    pth,
		timeout:  cfg.PostinstallTimeout,
		logger:   logging.GetLogger("postinstall"),
	}
}

func (a *Action) Name() string { return "postinstall-runner" }

// SetInput receives the plan from the partition writer stage
func (a *Action) SetInput(p *plan.InstallPlan) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.plan = p
}

// CanSuspend is true: a running child is paused with SIGSTOP
func (a *Action) CanSuspend() bool { return true }

// Suspend pauses the running postinstall program
func (a *Action) Suspend() { a.signalChild(unix.SIGSTOP) }

// Resume continues a paused postinstall program
func (a *Action) Resume() { a.signalChild(unix.SIGCONT) }

func (a *Action) signalChild(sig unix.Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.child != nil {
		if err := a.child.Signal(sig); err != nil {
			a.logger.Warn().Err(err).Stringer("signal", sig).Msg("Cannot signal postinstall program")
		}
	}
}

// Terminate kills the running program; the run loop unmounts and exits.
// Safe to call more than once.
func (a *Action) Terminate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminated {
		return
	}
	a.terminated = true
	if a.child != nil {
		_ = a.child.Kill()
	}
}

func (a *Action) isTerminated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.terminated
}

func (a *Action) setChild(p *os.Process) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.child = p
	if a.terminated && p != nil {
		// terminate raced the spawn; kill what just started
		_ = p.Kill()
	}
}

func (a *Action) Perform(done *pipeline.Completion) {
	go func() {
		done.Complete(a.run())
	}()
}

func (a *Action) run() pipeline.Code {
	a.mu.Lock()
	p := a.plan
	a.mu.Unlock()
	if p == nil {
		a.logger.Error().Msg("No install plan bonded to postinstall runner")
		return pipeline.CodeError
	}

	tracker := NewProgressTracker(p, a.OnProgress)

	for i := range p.Partitions {
		if a.isTerminated() {
			return pipeline.CodeCanceled
		}
		part := &p.Partitions[i]
		if !part.RunPostinstall {
			tracker.Complete(i)
			continue
		}

		code, fatal := a.runPartition(i, part, tracker)
		if a.isTerminated() {
			return pipeline.CodeCanceled
		}
		switch {
		case code == pipeline.CodeSuccess:
			tracker.Complete(i)
		case code == pipeline.CodePostinstallFirmwareSlotA || code == pipeline.CodePostinstallFirmwareSlotB:
			// a firmware slot signal is a result, not a failure;
			// optional does not swallow it
			return code
		case part.PostinstallOptional && !fatal:
			a.logger.Warn().
				Str("partition", part.Name).
				Stringer("code", code).
				Msg("Optional postinstall failed, continuing")
			tracker.Complete(i)
		default:
			return code
		}
	}

	if p.PowerwashRequired {
		if err := a.hardware.SchedulePowerwash(p.SaveRollbackData); err != nil {
			// a missed powerwash is recoverable on the next boot attempt
			a.logger.Warn().Err(err).Msg("Cannot schedule powerwash")
		} else {
			a.logger.Info().Bool("save_rollback", p.SaveRollbackData).Msg("Powerwash scheduled")
		}
	}
	return pipeline.CodeSuccess
}

// runPartition mounts, validates, and runs one partition's program.
// fatal reports a failure that must abort even an optional postinstall.
func (a *Action) runPartition(index int, part *plan.Partition, tracker *ProgressTracker) (code pipeline.Code, fatal bool) {
	logger := a.logger.With().Str("partition", part.Name).Logger()

	mountDir := a.paths.MountDir(part.Name)
	if err := os.MkdirAll(mountDir, 0755); err != nil {
		logger.Error().Err(err).Msg("Cannot create mount point")
		return pipeline.CodePostinstallRunnerError, false
	}
	if err := a.mounter.Mount(part.TargetPath, mountDir, part.FilesystemType); err != nil {
		logger.Error().Err(err).Msg("Cannot mount partition")
		return pipeline.CodePostinstallRunnerError, false
	}
	defer func() {
		if err := a.mounter.Unmount(mountDir); err != nil {
			logger.Warn().Err(err).Msg("Unmount failed")
		}
	}()

	program, err := resolveProgram(mountDir, part.PostinstallPath)
	if err != nil {
		logger.Error().Err(err).Str("path", part.PostinstallPath).Msg("Postinstall path rejected")
		return pipeline.CodePostinstallRunnerError, true
	}

	logger.Info().Str("program", part.PostinstallPath).Msg("Running postinstall")
	return a.runProgram(index, program, mountDir, tracker, logger), false
}

// resolveProgram validates the relative program path and anchors it under
// the mount root. Absolute paths and any path escaping the root are
// rejected, lexically first and then again after resolving symlinks.
func resolveProgram(mountDir, rel string) (string, error) {
	if rel == "" {
		return "", errors.New(errors.ErrPathValidation, "postinstall path is empty")
	}
	if filepath.IsAbs(rel) {
		return "", errors.Newf(errors.ErrPathValidation, "postinstall path %q is absolute", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Newf(errors.ErrPathValidation, "postinstall path %q escapes the mount root", rel)
	}

	program := filepath.Join(mountDir, clean)
	root, err := filepath.EvalSymlinks(mountDir)
	if err != nil {
		return "", errors.Wrapf(err, errors.ErrPathValidation, "cannot resolve mount root %q", mountDir)
	}
	resolved, err := filepath.EvalSymlinks(program)
	if err != nil {
		if os.IsNotExist(err) {
			// a missing program is a spawn failure, not a path violation
			return program, nil
		}
		return "", errors.Wrapf(err, errors.ErrPathValidation, "cannot resolve program %q", clean)
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", errors.Newf(errors.ErrPathValidation, "program %q resolves outside the mount root", rel)
	}
	return program, nil
}

func (a *Action) runProgram(index int, program, mountDir string, tracker *ProgressTracker, logger zerolog.Logger) pipeline.Code {
	progR, progW, err := os.Pipe()
	if err != nil {
		logger.Error().Err(err).Msg("Cannot create progress pipe")
		return pipeline.CodePostinstallRunnerError
	}
	defer func() { _ = progR.Close() }()

	var output bytes.Buffer
	cmd := exec.Command(program)
	cmd.Dir = mountDir
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.ExtraFiles = []*os.File{progW} // fd 3 in the child
	cmd.Env = append(os.Environ(), progressFdEnv+"=3")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = progW.Close()
		logger.Error().Err(err).Msg("Cannot create stdin pipe")
		return pipeline.CodePostinstallRunnerError
	}

	if err := cmd.Start(); err != nil {
		_ = progW.Close()
		_ = stdin.Close()
		logger.Error().Err(errors.Wrap(err, errors.ErrProcessSpawn, "cannot start postinstall program")).
			Msg("Spawn failed")
		return pipeline.CodePostinstallRunnerError
	}
	// the child holds its copy; keeping ours open would hide its exit
	_ = progW.Close()
	a.setChild(cmd.Process)

	var g errgroup.Group
	g.Go(func() error {
		scanner := bufio.NewScanner(progR)
		for scanner.Scan() {
			if f, ok := ParseProgressLine(scanner.Text()); ok {
				tracker.Update(index, f)
			}
		}
		return nil
	})

	var timer *time.Timer
	if a.timeout > 0 {
		timer = time.AfterFunc(a.timeout, func() {
			logger.Warn().Dur("timeout", a.timeout).Msg("Postinstall timed out, killing")
			_ = cmd.Process.Kill()
		})
	}

	waitErr := cmd.Wait()
	if timer != nil {
		timer.Stop()
	}
	_ = stdin.Close()
	a.setChild(nil)
	_ = g.Wait()

	if out := strings.TrimSpace(output.String()); out != "" {
		logger.Debug().Str("output", out).Msg("Postinstall program output")
	}

	if waitErr == nil {
		return pipeline.CodeSuccess
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		logger.Error().Err(waitErr).Msg("Postinstall wait failed")
		return pipeline.CodePostinstallRunnerError
	}
	mapped := errors.FromExitCode(exitErr.ExitCode())
	logger.Error().Err(mapped).Msg("Postinstall program failed")
	switch {
	case errors.IsCode(mapped, errors.ErrFirmwareSlotA):
		return pipeline.CodePostinstallFirmwareSlotA
	case errors.IsCode(mapped, errors.ErrFirmwareSlotB):
		return pipeline.CodePostinstallFirmwareSlotB
	default:
		return pipeline.CodePostinstallRunnerError
	}
}

var _ pipeline.Consumer[*plan.InstallPlan] = (*Action)(nil)
