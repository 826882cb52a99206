package cow

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/slotwise/slotwise/pkg/errors"
)

// Compression identifies the codec for CowReplace payloads
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
	CompressionGzip Compression = 2
)

// ParseCompression maps the config string to a codec
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "gzip":
		return CompressionGzip, nil
	default:
		return 0, errors.Newf(errors.ErrConfigValid, "unknown cow compression %q", name)
	}
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))

func compress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case CompressionGzip:
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return nil, errors.Wrap(err, errors.ErrCowWriter, "gzip compress failed")
		}
		if err := gz.Close(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCowWriter, "gzip close failed")
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.Newf(errors.ErrCowWriter, "unknown compression %d", c)
	}
}

func decompress(c Compression, data []byte, want uint64) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, want))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCowReplay, "zstd decompress failed")
		}
		return out, nil
	case CompressionGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCowReplay, "gzip open failed")
		}
		defer func() { _ = gz.Close() }()
		out, err := io.ReadAll(gz)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCowReplay, "gzip decompress failed")
		}
		return out, nil
	default:
		return nil, errors.Newf(errors.ErrCowReplay, "unknown compression %d", c)
	}
}
