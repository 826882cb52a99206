// pkg/postinstall/action_test.go
// TEST TYPE: Integration Test
// DEPENDENCIES: Filesystem (temp dirs), shell (runs scripts)
// PURPOSE: Test the postinstall runner against real child processes

package postinstall_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/slotwise/slotwise/pkg/boot"
	"github.com/slotwise/slotwise/pkg/config"
	"github.com/slotwise/slotwise/pkg/paths"
	"github.com/slotwise/slotwise/pkg/pipeline"
	"github.com/slotwise/slotwise/pkg/plan"
	"github.com/slotwise/slotwise/pkg/postinstall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runDelegate struct {
	doneCh    chan pipeline.Code
	stoppedCh chan struct{}
}

func newRunDelegate() *runDelegate {
	return &runDelegate{
		doneCh:    make(chan pipeline.Code, 1),
		stoppedCh: make(chan struct{}, 1),
	}
}

func (d *runDelegate) ProcessingDone(p *pipeline.Processor, code pipeline.Code) { d.doneCh <- code }
func (d *runDelegate) ProcessingStopped(p *pipeline.Processor)                  { d.stoppedCh <- struct{}{} }
func (d *runDelegate) ActionCompleted(p *pipeline.Processor, a pipeline.Action, c pipeline.Code) {
}

func (d *runDelegate) wait(t *testing.T) pipeline.Code {
	t.Helper()
	select {
	case code := <-d.doneCh:
		return code
	case <-time.After(15 * time.Second):
		t.Fatal("pipeline did not finish")
		return pipeline.CodeError
	}
}

// writeScript places an executable shell script named name in dir
func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0755))
}

// fixture builds a one-partition plan whose postinstall program is the
// given script body, served through a fake mounter.
type fixture struct {
	plan    *plan.InstallPlan
	mounter *postinstall.FakeMounter
	paths   *paths.Paths
	hw      *boot.FakeHardware
	cfg     *config.Config
}

func newFixture(t *testing.T, scriptBody string) *fixture {
	t.Helper()
	f := &fixture{
		mounter: &postinstall.FakeMounter{Binds: map[string]string{}},
		hw:      &boot.FakeHardware{},
		cfg:     &config.Config{},
	}
	pth, err := paths.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, pth.EnsureLayout())
	f.paths = pth

	f.plan = &plan.InstallPlan{}
	f.addPartition(t, "root", scriptBody)
	return f
}

func (f *fixture) addPartition(t *testing.T, name, scriptBody string) {
	t.Helper()
	device := "/dev/fake-" + name
	contents := t.TempDir()
	if scriptBody != "" {
		writeScript(t, contents, "postinst", scriptBody)
	}
	f.mounter.Binds[device] = contents

	f.plan.Partitions = append(f.plan.Partitions, plan.Partition{
		Name:            name,
		TargetPath:      device,
		RunPostinstall:  true,
		PostinstallPath: "postinst",
		Operations: []plan.InstallOperation{
			{Type: plan.Zero, DstExtents: []plan.Extent{{StartBlock: 0, NumBlocks: 1}}},
		},
	})
}

func (f *fixture) run(t *testing.T) pipeline.Code {
	t.Helper()
	action := postinstall.NewAction(f.cfg, f.paths, f.mounter, f.hw)
	action.SetInput(f.plan)

	delegate := newRunDelegate()
	proc := pipeline.NewProcessor(delegate)
	proc.Enqueue(action)
	proc.StartProcessing()
	return delegate.wait(t)
}

func TestPostinstallSuccessWithProgress(t *testing.T) {
	f := newFixture(t, `
echo "global_progress 0.25" >&3
echo "global_progress 0.75" >&3
exit 0
`)
	action := postinstall.NewAction(f.cfg, f.paths, f.mounter, f.hw)
	action.SetInput(f.plan)

	var mu []float64
	action.OnProgress = func(v float64) { mu = append(mu, v) }

	delegate := newRunDelegate()
	proc := pipeline.NewProcessor(delegate)
	proc.Enqueue(action)
	proc.StartProcessing()
	code := delegate.wait(t)

	assert.Equal(t, pipeline.CodeSuccess, code)
	require.NotEmpty(t, mu)
	assert.Contains(t, mu, 0.25)
	assert.Contains(t, mu, 0.75)
	assert.Equal(t, 1.0, mu[len(mu)-1])
	for i := 1; i < len(mu); i++ {
		assert.GreaterOrEqual(t, mu[i], mu[i-1])
	}
	assert.Len(t, f.mounter.UnmountCalls(), 1, "unmounted after run")
}

func TestPostinstallMalformedProgressIgnored(t *testing.T) {
	f := newFixture(t, `
echo "global_progress banana" >&3
echo "something else entirely" >&3
echo "global_progress 0.5" >&3
exit 0
`)
	assert.Equal(t, pipeline.CodeSuccess, f.run(t))
}

func TestPostinstallFirmwareSlotSignals(t *testing.T) {
	tests := []struct {
		exit string
		want pipeline.Code
	}{
		{exit: "3", want: pipeline.CodePostinstallFirmwareSlotA},
		{exit: "4", want: pipeline.CodePostinstallFirmwareSlotB},
	}
	for _, tt := range tests {
		t.Run("exit "+tt.exit, func(t *testing.T) {
			f := newFixture(t, "exit "+tt.exit+"\n")
			assert.Equal(t, tt.want, f.run(t))
			assert.Len(t, f.mounter.UnmountCalls(), 1)
		})
	}
}

func TestPostinstallFirmwareSignalNotSwallowedWhenOptional(t *testing.T) {
	f := newFixture(t, "exit 3\n")
	f.plan.Partitions[0].PostinstallOptional = true
	assert.Equal(t, pipeline.CodePostinstallFirmwareSlotA, f.run(t))
}

func TestPostinstallRequiredFailureHalts(t *testing.T) {
	f := newFixture(t, "exit 1\n")
	f.addPartition(t, "oem", "exit 0\n")
	f.plan.PowerwashRequired = true

	assert.Equal(t, pipeline.CodePostinstallRunnerError, f.run(t))
	assert.Len(t, f.mounter.MountCalls(), 1, "second partition never ran")
	assert.False(t, f.hw.IsPowerwashScheduled(), "no powerwash after required failure")
}

func TestPostinstallOptionalFailureSwallowed(t *testing.T) {
	f := newFixture(t, "exit 1\n")
	f.plan.Partitions[0].PostinstallOptional = true
	f.addPartition(t, "oem", "exit 0\n")

	assert.Equal(t, pipeline.CodeSuccess, f.run(t))
	assert.Len(t, f.mounter.MountCalls(), 2, "second partition still ran")
}

func TestPostinstallOptionalSpawnFailureSwallowed(t *testing.T) {
	f := newFixture(t, "") // no script in the image
	f.plan.Partitions[0].PostinstallOptional = true

	assert.Equal(t, pipeline.CodeSuccess, f.run(t))
	assert.Len(t, f.mounter.UnmountCalls(), 1)
}

func TestPostinstallOptionalMountFailureSwallowed(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	f.plan.Partitions[0].PostinstallOptional = true
	delete(f.mounter.Binds, f.plan.Partitions[0].TargetPath)

	assert.Equal(t, pipeline.CodeSuccess, f.run(t))
}

func TestPostinstallPathValidationFatalEvenOptional(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{name: "absolute", path: "/bin/sh"},
		{name: "traversal", path: "../outside"},
		{name: "nested traversal", path: "dir/../../outside"},
		{name: "empty", path: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "exit 0\n")
			f.plan.Partitions[0].PostinstallOptional = true
			f.plan.Partitions[0].PostinstallPath = tt.path

			assert.Equal(t, pipeline.CodePostinstallRunnerError, f.run(t))
			assert.Len(t, f.mounter.UnmountCalls(), 1, "unmounted after rejection")
		})
	}
}

func TestPostinstallSkippedPartitionsStillAdvanceProgress(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	f.addPartition(t, "oem", "exit 0\n")
	f.plan.Partitions[0].RunPostinstall = false

	action := postinstall.NewAction(f.cfg, f.paths, f.mounter, f.hw)
	action.SetInput(f.plan)
	var last float64
	action.OnProgress = func(v float64) { last = v }

	delegate := newRunDelegate()
	proc := pipeline.NewProcessor(delegate)
	proc.Enqueue(action)
	proc.StartProcessing()
	require.Equal(t, pipeline.CodeSuccess, delegate.wait(t))

	assert.Equal(t, 1.0, last)
	assert.Len(t, f.mounter.MountCalls(), 1, "skipped partition never mounted")
}

func TestPostinstallPowerwashScheduledOnce(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	f.addPartition(t, "oem", "exit 0\n")
	f.plan.PowerwashRequired = true
	f.plan.SaveRollbackData = true

	require.Equal(t, pipeline.CodeSuccess, f.run(t))
	require.Equal(t, 1, f.hw.ScheduleCalls)
	assert.True(t, f.hw.ScheduledSave[0])
	assert.True(t, f.hw.IsPowerwashScheduled())
}

func TestPostinstallPowerwashFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	f.plan.PowerwashRequired = true
	f.hw.ScheduleErr = os.ErrPermission

	assert.Equal(t, pipeline.CodeSuccess, f.run(t))
	assert.Equal(t, 1, f.hw.ScheduleCalls)
}

func TestPostinstallNoPowerwashWhenNotRequired(t *testing.T) {
	f := newFixture(t, "exit 0\n")
	require.Equal(t, pipeline.CodeSuccess, f.run(t))
	assert.Zero(t, f.hw.ScheduleCalls)
}

func TestPostinstallTimeoutKillsProgram(t *testing.T) {
	f := newFixture(t, "sleep 30\n")
	f.cfg.PostinstallTimeout = 200 * time.Millisecond

	start := time.Now()
	assert.Equal(t, pipeline.CodePostinstallRunnerError, f.run(t))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Len(t, f.mounter.UnmountCalls(), 1)
}

func TestPostinstallStopTerminatesProgram(t *testing.T) {
	f := newFixture(t, `
echo "global_progress 0.1" >&3
sleep 30
`)
	action := postinstall.NewAction(f.cfg, f.paths, f.mounter, f.hw)
	action.SetInput(f.plan)

	started := make(chan struct{}, 1)
	action.OnProgress = func(float64) {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	delegate := newRunDelegate()
	proc := pipeline.NewProcessor(delegate)
	proc.Enqueue(action)
	proc.StartProcessing()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("postinstall program never reported progress")
	}
	proc.StopProcessing()

	select {
	case <-delegate.stoppedCh:
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline never reported stopped")
	}
	select {
	case code := <-delegate.doneCh:
		t.Fatalf("stopped pipeline must not report a result, got %s", code)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestPostinstallSuspendResume(t *testing.T) {
	f := newFixture(t, `
echo "global_progress 0.5" >&3
sleep 0.3
exit 0
`)
	action := postinstall.NewAction(f.cfg, f.paths, f.mounter, f.hw)
	action.SetInput(f.plan)
	require.True(t, action.CanSuspend())

	started := make(chan struct{}, 1)
	action.OnProgress = func(float64) {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	delegate := newRunDelegate()
	proc := pipeline.NewProcessor(delegate)
	proc.Enqueue(action)
	proc.StartProcessing()

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("postinstall program never reported progress")
	}
	proc.SuspendProcessing()
	time.Sleep(100 * time.Millisecond)
	proc.ResumeProcessing()

	assert.Equal(t, pipeline.CodeSuccess, delegate.wait(t))
}
