package cli

import (
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/rs/zerolog/log"
	"github.com/slotwise/slotwise/pkg/boot"
	"github.com/slotwise/slotwise/pkg/config"
	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/slotwise/slotwise/pkg/partition"
	"github.com/slotwise/slotwise/pkg/paths"
	"github.com/slotwise/slotwise/pkg/pipeline"
	"github.com/slotwise/slotwise/pkg/plan"
	"github.com/slotwise/slotwise/pkg/postinstall"
)

type applyOptions struct {
	planPath string
	dataPath string
	fresh    bool
}

// runApply loads the plan, wires the pipeline, and blocks until it
// finishes or a signal stops it.
func runApply(opts applyOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pth, err := paths.New(cfg.StateDir)
	if err != nil {
		return err
	}
	if err := pth.EnsureLayout(); err != nil {
		return err
	}

	installPlan, err := plan.LoadManifest(opts.planPath)
	if err != nil {
		return err
	}
	blob, err := os.Open(opts.dataPath)
	if err != nil {
		return errors.Wrapf(err, errors.ErrInvalidInput, "cannot open payload %q", opts.dataPath)
	}
	defer func() { _ = blob.Close() }()

	if opts.fresh {
		if err := clearPriorState(pth, installPlan); err != nil {
			return err
		}
	}

	feature := boot.FeatureNone
	if cfg.VABCEnabled {
		feature = boot.FeatureLaunch
	}
	dyn := &boot.LocalDynamicPartitionControl{Feature: feature}
	hardware := &boot.LocalHardware{
		MarkerPath: filepath.Join(pth.StateDir(), "powerwash_marker"),
	}

	writer := partition.NewWriterAction(cfg, pth, dyn, blob)
	writer.Diagnostics = &boot.LocalDiagnostics{}
	post := postinstall.NewAction(cfg, pth, postinstall.LinuxMounter{}, hardware)
	feeder := pipeline.NewFeeder(installPlan)

	bar, _ := pterm.DefaultProgressbar.
		WithTotal(100).
		WithTitle("Writing partitions").
		Start()
	// writing fills the first half of the bar, postinstall the second
	writer.OnProgress = barUpdater(bar, 0)
	post.OnProgress = barUpdater(bar, 0.5)

	delegate := newCLIDelegate(bar)
	proc := pipeline.NewProcessor(delegate)
	proc.Enqueue(feeder, writer, post)
	pipeline.Bond[*plan.InstallPlan](proc, feeder, writer)
	pipeline.Bond[*plan.InstallPlan](proc, writer, post)

	stopSignals(proc)
	proc.StartProcessing()
	code := delegate.wait()
	_, _ = bar.Stop()

	return reportOutcome(code)
}

// clearPriorState drops the checkpoint and partial COW logs so a fresh
// apply never inherits an earlier attempt's progress.
func clearPriorState(pth *paths.Paths, p *plan.InstallPlan) error {
	store := partition.NewCheckpointStore(pth.CheckpointPath("current"))
	if err := store.Clear(); err != nil {
		return err
	}
	for i := range p.Partitions {
		logPath := pth.CowLogPath(p.Partitions[i].Name)
		if err := os.Remove(logPath); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, errors.ErrCowWriter, "cannot remove stale cow log %q", logPath)
		}
	}
	return nil
}

// barUpdater maps an action's [0,1] fraction onto half the bar,
// starting at base.
func barUpdater(bar *pterm.ProgressbarPrinter, base float64) func(float64) {
	var mu sync.Mutex
	return func(f float64) {
		mu.Lock()
		defer mu.Unlock()
		target := int((base + f*0.5) * 100)
		if delta := target - bar.Current; delta > 0 {
			bar.Add(delta)
		}
	}
}

// stopSignals stops the pipeline cleanly on SIGINT or SIGTERM
func stopSignals(proc *pipeline.Processor) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-ch
		log.Warn().Str("signal", sig.String()).Msg("Stopping update")
		proc.StopProcessing()
	}()
}

func reportOutcome(code pipeline.Code) error {
	switch code {
	case pipeline.CodeSuccess:
		pterm.Success.Println("Update applied")
		return nil
	case pipeline.CodeCanceled:
		pterm.Warning.Println("Update stopped; run resume to continue")
		return errors.New(errors.ErrInternal, "update stopped before completion")
	case pipeline.CodePostinstallFirmwareSlotA:
		pterm.Warning.Println("Postinstall reports boot from firmware slot A")
		return errors.FromExitCode(errors.ExitFirmwareSlotA)
	case pipeline.CodePostinstallFirmwareSlotB:
		pterm.Warning.Println("Postinstall reports boot from firmware slot B")
		return errors.FromExitCode(errors.ExitFirmwareSlotB)
	default:
		pterm.Error.Println("Update failed")
		return errors.Newf(errors.ErrInternal, "update pipeline finished with %s", code)
	}
}

// cliDelegate renders pipeline notifications and hands the final code
// back to the invoking command.
type cliDelegate struct {
	bar    *pterm.ProgressbarPrinter
	doneCh chan pipeline.Code
}

func newCLIDelegate(bar *pterm.ProgressbarPrinter) *cliDelegate {
	return &cliDelegate{bar: bar, doneCh: make(chan pipeline.Code, 1)}
}

func (d *cliDelegate) ProcessingDone(p *pipeline.Processor, code pipeline.Code) {
	d.doneCh <- code
}

func (d *cliDelegate) ProcessingStopped(p *pipeline.Processor) {
	d.doneCh <- pipeline.CodeCanceled
}

func (d *cliDelegate) ActionCompleted(p *pipeline.Processor, action pipeline.Action, code pipeline.Code) {
	log.Info().Str("action", action.Name()).Stringer("code", code).Msg("Stage finished")
	if action.Name() == "partition-writer" && code == pipeline.CodeSuccess {
		d.bar.UpdateTitle("Running postinstall")
	}
}

func (d *cliDelegate) wait() pipeline.Code {
	return <-d.doneCh
}
