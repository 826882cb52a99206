// pkg/errors/errors_test.go
// TEST TYPE: Unit Test
// DEPENDENCIES: None
// PURPOSE: Test error creation, wrapping, and exit-code mapping

package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    errors.ErrorCode
		message string
		wantStr string
	}{
		{
			name:    "mount_error",
			code:    errors.ErrMount,
			message: "cannot mount partition image",
			wantStr: "[MOUNT] cannot mount partition image",
		},
		{
			name:    "extent_range_error",
			code:    errors.ErrExtentRange,
			message: "extent past end of device",
			wantStr: "[EXTENT_RANGE] extent past end of device",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := errors.New(tt.code, tt.message)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.wantStr, err.Error())
		})
	}
}

func TestWrapPreservesChain(t *testing.T) {
	inner := stderrors.New("disk full")
	err := errors.Wrap(inner, errors.ErrCowWriter, "append failed")

	require.NotNil(t, err)
	assert.Equal(t, errors.ErrCowWriter, err.Code)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "disk full")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, errors.Wrap(nil, errors.ErrInternal, "never seen"))
	assert.Nil(t, errors.Wrapf(nil, errors.ErrInternal, "never %s", "seen"))
}

func TestCodeExtraction(t *testing.T) {
	err := errors.Wrapf(stderrors.New("boom"), errors.ErrDecode, "bsdiff failed")
	wrapped := stderrors.Join(stderrors.New("outer"), err)

	assert.Equal(t, errors.ErrDecode, errors.Code(err))
	assert.Equal(t, errors.ErrDecode, errors.Code(wrapped))
	assert.Equal(t, errors.ErrUnknown, errors.Code(stderrors.New("plain")))
	assert.True(t, errors.IsCode(err, errors.ErrDecode))
	assert.False(t, errors.IsCode(err, errors.ErrMount))
}

func TestIsMatchesByCode(t *testing.T) {
	a := errors.New(errors.ErrCheckpoint, "write failed")
	b := errors.New(errors.ErrCheckpoint, "different message")
	c := errors.New(errors.ErrMount, "write failed")

	assert.ErrorIs(t, a, b)
	assert.NotErrorIs(t, a, c)
}

func TestFromExitCode(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		wantCode errors.ErrorCode
		wantNil  bool
	}{
		{name: "success", exitCode: 0, wantNil: true},
		{name: "firmware_slot_a", exitCode: 3, wantCode: errors.ErrFirmwareSlotA},
		{name: "firmware_slot_b", exitCode: 4, wantCode: errors.ErrFirmwareSlotB},
		{name: "generic_failure_1", exitCode: 1, wantCode: errors.ErrProcessExit},
		{name: "generic_failure_2", exitCode: 2, wantCode: errors.ErrProcessExit},
		{name: "generic_failure_5", exitCode: 5, wantCode: errors.ErrProcessExit},
		{name: "generic_failure_255", exitCode: 255, wantCode: errors.ErrProcessExit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := errors.FromExitCode(tt.exitCode)
			if tt.wantNil {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.wantCode, err.Code)
			assert.Equal(t, tt.exitCode, err.Details["exit_code"])
		})
	}
}

func TestWithDetail(t *testing.T) {
	err := errors.New(errors.ErrExtentRange, "read past device end").
		WithDetail("partition", "system").
		WithDetail("block", uint64(4096))

	assert.Equal(t, "system", err.Details["partition"])
	assert.Equal(t, uint64(4096), err.Details["block"])
}
