package wire

import (
	"bytes"
	"io"
	"net/http"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// EncodingZstd is the Content-Encoding value for zstd-compressed chunk bodies.
const EncodingZstd = "zstd"

// The encoder is safe for concurrent use with EncodeAll.
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("wire: zstd encoder initialization failed: " + err.Error())
	}
}

// Compress produces the zstd encoding of b.
// It reports false,
// and returns b unchanged,
// if compression does not make b smaller.
func Compress(b []byte) ([]byte, bool) {
	if len(b) == 0 {
		return b, false
	}
	c := zstdEncoder.EncodeAll(b, nil)
	if len(c) >= len(b) {
		return b, false
	}
	return c, true
}

// ReadBody reads a request or response body
// of at most limit decoded bytes,
// undoing any Content-Encoding named in h.
// Decoding stops once limit is exceeded,
// so a small compressed body cannot inflate past it in memory.
func ReadBody(h http.Header, r io.Reader, limit int64) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, "reading body")
	}

	switch enc := h.Get("Content-Encoding"); enc {
	case "", "identity":
	case EncodingZstd:
		if raw, err = unzstd(raw, limit); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(ErrMalformed, "content encoding %q", enc)
	}

	if int64(len(raw)) > limit {
		return nil, errors.Wrapf(ErrMalformed, "body exceeds %d bytes", limit)
	}
	return raw, nil
}

func unzstd(raw []byte, limit int64) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(raw),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(uint64(limit)+1),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd decoder")
	}
	defer dec.Close()

	out, err := io.ReadAll(io.LimitReader(dec, limit+1))
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "zstd body: "+err.Error())
	}
	return out, nil
}
