// pkg/partition/action_test.go
// TEST TYPE: Integration Test
// DEPENDENCIES: Filesystem (temp image files), pipeline processor
// PURPOSE: Test the partition writer action end to end with fakes

package partition_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/slotwise/slotwise/pkg/boot"
	"github.com/slotwise/slotwise/pkg/config"
	"github.com/slotwise/slotwise/pkg/partition"
	"github.com/slotwise/slotwise/pkg/paths"
	"github.com/slotwise/slotwise/pkg/pipeline"
	"github.com/slotwise/slotwise/pkg/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneDelegate struct {
	doneCh chan pipeline.Code
}

func newDoneDelegate() *doneDelegate {
	return &doneDelegate{doneCh: make(chan pipeline.Code, 1)}
}

func (d *doneDelegate) ProcessingDone(p *pipeline.Processor, code pipeline.Code) {
	d.doneCh <- code
}
func (d *doneDelegate) ProcessingStopped(p *pipeline.Processor)                             {}
func (d *doneDelegate) ActionCompleted(p *pipeline.Processor, a pipeline.Action, c pipeline.Code) {}

func (d *doneDelegate) wait(t *testing.T) pipeline.Code {
	t.Helper()
	select {
	case code := <-d.doneCh:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not finish")
		return pipeline.CodeError
	}
}

// twoPartitionPlan builds a plan writing 0xA1 over partition one and 0xB2
// over partition two, payloads packed back to back in the returned blob.
func twoPartitionPlan(t *testing.T, dir string) (*plan.InstallPlan, *bytes.Reader) {
	t.Helper()
	p1 := filepath.Join(dir, "part1.img")
	p2 := filepath.Join(dir, "part2.img")
	writeImage(t, p1, 2, func(int) byte { return 0xFF })
	writeImage(t, p2, 2, func(int) byte { return 0xFF })

	d1 := filled(0xA1)
	d2 := filled(0xB2)
	blob := append(append([]byte{}, d1...), d2...)

	pl := &plan.InstallPlan{
		Partitions: []plan.Partition{
			{
				Name:       "kernel",
				TargetPath: p1,
				Operations: []plan.InstallOperation{{
					Type:       plan.Replace,
					DstExtents: []plan.Extent{{StartBlock: 0, NumBlocks: 1}},
					DataOffset: 0,
					DataLength: testBlockSize,
					DataDigest: digest.FromBytes(d1),
				}},
			},
			{
				Name:       "rootfs",
				TargetPath: p2,
				Operations: []plan.InstallOperation{
					{
						Type:       plan.Replace,
						DstExtents: []plan.Extent{{StartBlock: 0, NumBlocks: 1}},
						DataOffset: testBlockSize,
						DataLength: testBlockSize,
						DataDigest: digest.FromBytes(d2),
					},
					{
						Type:       plan.Zero,
						DstExtents: []plan.Extent{{StartBlock: 1, NumBlocks: 1}},
					},
				},
			},
		},
	}
	require.NoError(t, pl.Validate())
	return pl, bytes.NewReader(blob)
}

func testSetup(t *testing.T) (*config.Config, *paths.Paths, *boot.FakeDynamicPartitionControl) {
	t.Helper()
	cfg := &config.Config{
		BlockSize:          testBlockSize,
		CheckpointEveryOps: 2,
		CowCompression:     "none",
	}
	p, err := paths.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, p.EnsureLayout())
	return cfg, p, &boot.FakeDynamicPartitionControl{}
}

func runAction(t *testing.T, a *partition.WriterAction) pipeline.Code {
	t.Helper()
	delegate := newDoneDelegate()
	proc := pipeline.NewProcessor(delegate)
	proc.Enqueue(a)
	proc.StartProcessing()
	return delegate.wait(t)
}

func TestWriterActionAppliesWholePlan(t *testing.T) {
	dir := t.TempDir()
	pl, blob := twoPartitionPlan(t, dir)
	cfg, pth, dyn := testSetup(t)

	action := partition.NewWriterAction(cfg, pth, dyn, blob)
	action.SetInput(pl)

	code := runAction(t, action)
	assert.Equal(t, pipeline.CodeSuccess, code)

	assert.Equal(t, filled(0xA1), block(t, pl.Partitions[0].TargetPath, 0))
	assert.Equal(t, filled(0xB2), block(t, pl.Partitions[1].TargetPath, 0))
	assert.Equal(t, filled(0), block(t, pl.Partitions[1].TargetPath, 1))

	assert.Equal(t, 1, dyn.MapCalls)
	assert.Equal(t, 1, dyn.UnmapCalls)
	require.Equal(t, 1, dyn.FinishCalls)
	assert.False(t, dyn.FinishPwash[0])

	// success clears the checkpoint
	_, err := os.Stat(pth.CheckpointPath("current"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriterActionCowBackend(t *testing.T) {
	dir := t.TempDir()
	pl, blob := twoPartitionPlan(t, dir)
	cfg, pth, dyn := testSetup(t)
	dyn.Feature = boot.FeatureLaunch

	action := partition.NewWriterAction(cfg, pth, dyn, blob)
	action.SetInput(pl)

	code := runAction(t, action)
	assert.Equal(t, pipeline.CodeSuccess, code)

	assert.Equal(t, filled(0xA1), block(t, pl.Partitions[0].TargetPath, 0))
	assert.Equal(t, filled(0xB2), block(t, pl.Partitions[1].TargetPath, 0))

	// the COW logs were written in the state dir
	_, err := os.Stat(pth.CowLogPath("kernel"))
	assert.NoError(t, err)
}

func TestWriterActionResumesPastWrittenPartitions(t *testing.T) {
	dir := t.TempDir()
	pl, blob := twoPartitionPlan(t, dir)
	cfg, pth, dyn := testSetup(t)

	// a prior run finished partition 0; its target must not be touched
	store := partition.NewCheckpointStore(pth.CheckpointPath("current"))
	require.NoError(t, store.Save(partition.Checkpoint{PartitionIndex: 1, NextOpIndex: 0}))

	action := partition.NewWriterAction(cfg, pth, dyn, blob)
	action.SetInput(pl)

	code := runAction(t, action)
	assert.Equal(t, pipeline.CodeSuccess, code)

	assert.Equal(t, filled(0xFF), block(t, pl.Partitions[0].TargetPath, 0), "finished partition untouched")
	assert.Equal(t, filled(0xB2), block(t, pl.Partitions[1].TargetPath, 0))
}

func TestWriterActionPowerwashFlagForwarded(t *testing.T) {
	dir := t.TempDir()
	pl, blob := twoPartitionPlan(t, dir)
	pl.PowerwashRequired = true
	cfg, pth, dyn := testSetup(t)

	action := partition.NewWriterAction(cfg, pth, dyn, blob)
	action.SetInput(pl)

	code := runAction(t, action)
	assert.Equal(t, pipeline.CodeSuccess, code)
	require.Equal(t, 1, dyn.FinishCalls)
	assert.True(t, dyn.FinishPwash[0])
}

func TestWriterActionProgressIsMonotone(t *testing.T) {
	dir := t.TempDir()
	pl, blob := twoPartitionPlan(t, dir)
	cfg, pth, dyn := testSetup(t)

	action := partition.NewWriterAction(cfg, pth, dyn, blob)
	action.SetInput(pl)

	var seen []float64
	action.OnProgress = func(f float64) { seen = append(seen, f) }

	code := runAction(t, action)
	assert.Equal(t, pipeline.CodeSuccess, code)

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.Equal(t, 1.0, seen[len(seen)-1])
}

func TestWriterActionProbesDiagnosticsInBackground(t *testing.T) {
	dir := t.TempDir()
	pl, blob := twoPartitionPlan(t, dir)
	cfg, pth, dyn := testSetup(t)

	diag := &boot.FakeDiagnostics{
		Info:        &boot.TelemetryInfo{OSVersion: "6.6.0"},
		BootstrapOK: true,
	}
	action := partition.NewWriterAction(cfg, pth, dyn, blob)
	action.Diagnostics = diag
	action.SetInput(pl)

	code := runAction(t, action)
	assert.Equal(t, pipeline.CodeSuccess, code)

	// the probe runs on its own goroutine and never gates the outcome
	assert.Eventually(t, func() bool {
		bootstraps, probes := diag.Counts()
		return bootstraps == 1 && probes == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWriterActionFailsWithoutPlan(t *testing.T) {
	cfg, pth, dyn := testSetup(t)
	action := partition.NewWriterAction(cfg, pth, dyn, bytes.NewReader(nil))

	code := runAction(t, action)
	assert.Equal(t, pipeline.CodeError, code)
	assert.Zero(t, dyn.FinishCalls)
}

func TestWriterActionDigestMismatchHaltsRun(t *testing.T) {
	dir := t.TempDir()
	pl, _ := twoPartitionPlan(t, dir)
	cfg, pth, dyn := testSetup(t)

	// blob bytes differ from the declared digests
	corrupted := bytes.NewReader(bytes.Repeat([]byte{0xEE}, 2*testBlockSize))
	action := partition.NewWriterAction(cfg, pth, dyn, corrupted)
	action.SetInput(pl)

	code := runAction(t, action)
	assert.Equal(t, pipeline.CodeFilesystemWriterError, code)
	assert.Equal(t, filled(0xFF), block(t, pl.Partitions[0].TargetPath, 0), "target untouched after digest failure")
	assert.Zero(t, dyn.FinishCalls)
}
