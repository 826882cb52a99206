// pkg/partition/writer_test.go
// TEST TYPE: Integration Test
// DEPENDENCIES: Filesystem (temp image files)
// PURPOSE: Test direct and COW write backends against real files

package partition_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/slotwise/slotwise/pkg/opexec"
	"github.com/slotwise/slotwise/pkg/partition"
	"github.com/slotwise/slotwise/pkg/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockSize = 64

// writeImage creates an image file of n blocks, block i filled with fill(i)
func writeImage(t *testing.T, path string, blocks int, fill func(int) byte) {
	t.Helper()
	buf := make([]byte, blocks*testBlockSize)
	for i := 0; i < blocks; i++ {
		for j := 0; j < testBlockSize; j++ {
			buf[i*testBlockSize+j] = fill(i)
		}
	}
	require.NoError(t, os.WriteFile(path, buf, 0644))
}

func block(t *testing.T, path string, i int) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), (i+1)*testBlockSize)
	return data[i*testBlockSize : (i+1)*testBlockSize]
}

func filled(b byte) []byte {
	return bytes.Repeat([]byte{b}, testBlockSize)
}

// testPartition builds a 4-block target (0xFF) and source (block i = i+1)
// with three operations: REPLACE 0xAA into block 0, SOURCE_COPY source
// block 2 into block 1, ZERO block 2. Block 3 stays untouched.
func testPartition(t *testing.T, dir string) (*plan.Partition, []plan.InstallOperation, [][]byte) {
	t.Helper()
	target := filepath.Join(dir, "target.img")
	source := filepath.Join(dir, "source.img")
	writeImage(t, target, 4, func(int) byte { return 0xFF })
	writeImage(t, source, 4, func(i int) byte { return byte(i + 1) })

	replaceData := filled(0xAA)
	ops := []plan.InstallOperation{
		{
			Type:       plan.Replace,
			DstExtents: []plan.Extent{{StartBlock: 0, NumBlocks: 1}},
			DataLength: testBlockSize,
			DataDigest: digest.FromBytes(replaceData),
		},
		{
			Type:       plan.SourceCopy,
			SrcExtents: []plan.Extent{{StartBlock: 2, NumBlocks: 1}},
			DstExtents: []plan.Extent{{StartBlock: 1, NumBlocks: 1}},
		},
		{
			Type:       plan.Zero,
			DstExtents: []plan.Extent{{StartBlock: 2, NumBlocks: 1}},
		},
	}
	p := &plan.Partition{
		Name:       "system",
		TargetPath: target,
		SourcePath: source,
		Operations: ops,
	}
	data := [][]byte{replaceData, nil, nil}
	return p, ops, data
}

func assertFinalImage(t *testing.T, target string) {
	t.Helper()
	assert.Equal(t, filled(0xAA), block(t, target, 0), "block 0 replaced")
	assert.Equal(t, filled(3), block(t, target, 1), "block 1 copied from source block 2")
	assert.Equal(t, filled(0), block(t, target, 2), "block 2 zeroed")
	assert.Equal(t, filled(0xFF), block(t, target, 3), "block 3 untouched")
}

func applyAll(t *testing.T, w partition.Writer, p *plan.Partition, data [][]byte, from uint64) {
	t.Helper()
	for i := from; i < uint64(len(p.Operations)); i++ {
		require.NoError(t, w.PerformOperation(i, &p.Operations[i], data[i]))
	}
	require.NoError(t, w.FinishedInstallOps())
	require.NoError(t, w.Close())
}

func TestDirectWriterAppliesOperations(t *testing.T) {
	dir := t.TempDir()
	p, _, data := testPartition(t, dir)

	w := partition.NewDirectWriter(opexec.New(testBlockSize))
	require.NoError(t, w.Init(p, true, 0))
	applyAll(t, w, p, data, 0)

	assertFinalImage(t, p.TargetPath)
}

func TestVABCWriterMatchesDirect(t *testing.T) {
	for _, compression := range []string{"none", "zstd", "gzip"} {
		t.Run(compression, func(t *testing.T) {
			dir := t.TempDir()
			p, _, data := testPartition(t, dir)

			w, err := partition.NewVABCWriter(
				opexec.New(testBlockSize), filepath.Join(dir, "system.cow"), compression, testBlockSize)
			require.NoError(t, err)
			require.NoError(t, w.Init(p, true, 0))

			applyAll(t, w, p, data, 0)

			assertFinalImage(t, p.TargetPath)
		})
	}
}

func TestVABCWriterDefersTargetUntilMerge(t *testing.T) {
	dir := t.TempDir()
	p, _, data := testPartition(t, dir)
	logPath := filepath.Join(dir, "system.cow")

	w, err := partition.NewVABCWriter(opexec.New(testBlockSize), logPath, "none", testBlockSize)
	require.NoError(t, err)
	require.NoError(t, w.Init(p, true, 0))

	for i := range p.Operations {
		require.NoError(t, w.PerformOperation(uint64(i), &p.Operations[i], data[i]))
	}
	// nothing merged yet: the target must still be pristine
	assert.Equal(t, filled(0xFF), block(t, p.TargetPath, 0))

	require.NoError(t, w.FinishedInstallOps())
	require.NoError(t, w.Close())
	assertFinalImage(t, p.TargetPath)
}

func TestVABCWriterResumeSkipsRecordedOps(t *testing.T) {
	dir := t.TempDir()
	p, _, data := testPartition(t, dir)
	logPath := filepath.Join(dir, "system.cow")

	w, err := partition.NewVABCWriter(opexec.New(testBlockSize), logPath, "none", testBlockSize)
	require.NoError(t, err)
	require.NoError(t, w.Init(p, true, 0))
	require.NoError(t, w.PerformOperation(0, &p.Operations[0], data[0]))
	require.NoError(t, w.CheckpointUpdateProgress(1))
	require.NoError(t, w.Close()) // interrupted: log kept, no merge

	assert.Equal(t, filled(0xFF), block(t, p.TargetPath, 0), "no merge before finish")

	resumed, err := partition.NewVABCWriter(opexec.New(testBlockSize), logPath, "none", testBlockSize)
	require.NoError(t, err)
	require.NoError(t, resumed.Init(p, true, 1))

	// re-offering op 0 must be a silent no-op, not a duplicate record
	require.NoError(t, resumed.PerformOperation(0, &p.Operations[0], data[0]))
	applyAll(t, resumed, p, data, 1)

	assertFinalImage(t, p.TargetPath)
}

func TestVABCWriterRejectsStaleLog(t *testing.T) {
	dir := t.TempDir()
	p, _, data := testPartition(t, dir)
	logPath := filepath.Join(dir, "system.cow")

	w, err := partition.NewVABCWriter(opexec.New(testBlockSize), logPath, "none", testBlockSize)
	require.NoError(t, err)
	require.NoError(t, w.Init(p, true, 0))
	require.NoError(t, w.PerformOperation(0, &p.Operations[0], data[0]))
	require.NoError(t, w.CheckpointUpdateProgress(1))
	require.NoError(t, w.Close())

	// a checkpoint claiming more ops than the log holds is inconsistent
	stale, err := partition.NewVABCWriter(opexec.New(testBlockSize), logPath, "none", testBlockSize)
	require.NoError(t, err)
	require.Error(t, stale.Init(p, true, 3))
}

func TestDirectWriterWithoutSource(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.img")
	writeImage(t, target, 2, func(int) byte { return 0xFF })

	payload := filled(0x42)
	p := &plan.Partition{
		Name:       "boot",
		TargetPath: target,
		Operations: []plan.InstallOperation{{
			Type:       plan.Replace,
			DstExtents: []plan.Extent{{StartBlock: 1, NumBlocks: 1}},
			DataLength: testBlockSize,
			DataDigest: digest.FromBytes(payload),
		}},
	}

	w := partition.NewDirectWriter(opexec.New(testBlockSize))
	require.NoError(t, w.Init(p, true, 0))
	require.NoError(t, w.PerformOperation(0, &p.Operations[0], payload))
	require.NoError(t, w.FinishedInstallOps())
	require.NoError(t, w.Close())

	assert.Equal(t, filled(0xFF), block(t, target, 0))
	assert.Equal(t, filled(0x42), block(t, target, 1))
}
