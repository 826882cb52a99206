package opexec

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/slotwise/slotwise/pkg/errors"
	"github.com/slotwise/slotwise/pkg/plan"
)

// Decoder turns source bytes plus a patch stream into destination bytes.
// The diff algorithms themselves live outside this engine; decoders are
// opaque.
type Decoder interface {
	Decode(src, patch []byte) ([]byte, error)
}

// DecoderFunc adapts a function to the Decoder interface
type DecoderFunc func(src, patch []byte) ([]byte, error)

func (f DecoderFunc) Decode(src, patch []byte) ([]byte, error) {
	return f(src, patch)
}

// ExecDecoder shells out to an external decode program invoked as
//
//	program <srcfile> <patchfile>
//
// with the decoded bytes expected on stdout.
type ExecDecoder struct {
	Program string
}

func (d *ExecDecoder) Decode(src, patch []byte) ([]byte, error) {
	dir, err := os.MkdirTemp("", "slotwise-decode-")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDecode, "cannot create decode scratch dir")
	}
	defer func() { _ = os.RemoveAll(dir) }()

	srcPath := filepath.Join(dir, "src")
	patchPath := filepath.Join(dir, "patch")
	if err := os.WriteFile(srcPath, src, 0600); err != nil {
		return nil, errors.Wrap(err, errors.ErrDecode, "cannot stage decode source")
	}
	if err := os.WriteFile(patchPath, patch, 0600); err != nil {
		return nil, errors.Wrap(err, errors.ErrDecode, "cannot stage decode patch")
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(d.Program, srcPath, patchPath)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, errors.ErrDecode,
			"%s failed: %s", d.Program, stderr.String())
	}
	return stdout.Bytes(), nil
}

// DefaultDecoders returns the external decoders for the diff operation
// types. Callers replace entries to inject test doubles.
func DefaultDecoders() map[plan.OperationType]Decoder {
	return map[plan.OperationType]Decoder{
		plan.SourceBsdiff: &ExecDecoder{Program: "bsdiff-apply"},
		plan.Puffdiff:     &ExecDecoder{Program: "puffin-apply"},
	}
}
