package encoding

import (
	"github.com/klauspost/compress/zstd"
)

// Shared encoders/decoder, reused across calls to avoid repeated
// initialization overhead. zstd.Encoder and zstd.Decoder are safe for
// concurrent use with EncodeAll/DecodeAll.
var (
	zstdFast *zstd.Encoder
	zstdBest *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func init() {
	var err error
	zstdFast, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("encoding: zstd fast encoder init: " + err.Error())
	}
	zstdBest, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		panic("encoding: zstd best encoder init: " + err.Error())
	}
	zstdDec, err = zstd.NewReader(nil)
	if err != nil {
		panic("encoding: zstd decoder init: " + err.Error())
	}
}

// Zstd implements the "zstd" content-coding (RFC 8878).
type Zstd struct{}

var _ Encoder = Zstd{}

func (Zstd) Name() string { return "zstd" }

func (Zstd) Encode(data []byte, level Level) ([]byte, error) {
	e := zstdFast
	if level == LevelBest {
		e = zstdBest
	}
	return e.EncodeAll(data, nil), nil
}

func (Zstd) Decode(data []byte) ([]byte, error) {
	return zstdDec.DecodeAll(data, nil)
}
