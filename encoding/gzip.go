package encoding

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Gzip implements the "gzip" content-coding.
type Gzip struct{}

var _ Encoder = Gzip{}

func (Gzip) Name() string { return "gzip" }

func (Gzip) Encode(data []byte, level Level) ([]byte, error) {
	lv := gzip.BestSpeed
	if level == LevelBest {
		lv = gzip.BestCompression
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, lv)
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

func (Gzip) Decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
