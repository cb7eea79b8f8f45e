package encoding

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Deflate implements the "deflate" content-coding. Despite the name, the HTTP
// "deflate" coding is the zlib format (RFC 9110 §8.4.1.1), not raw DEFLATE.
type Deflate struct{}

var _ Encoder = Deflate{}

func (Deflate) Name() string { return "deflate" }

func (Deflate) Encode(data []byte, level Level) ([]byte, error) {
	lv := zlib.BestSpeed
	if level == LevelBest {
		lv = zlib.BestCompression
	}
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, lv)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Deflate) Decode(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
