// Package encoding provides the content-coding encoders used for compression
// variants. Each Encoder is a named, reversible byte transform; Decode exists
// so callers (and tests) can verify the round-trip property.
//
// Encoders must be safe for concurrent use.
package encoding

import "strings"

// Identity is the reserved name for uncompressed content. It is not an
// Encoder; the engine serves identity straight from base content.
const Identity = "identity"

// Level selects the speed/ratio tradeoff for a build. Long-lived variants
// (memory-cached resources, warming) use LevelBest; on-demand builds for
// file-backed resources use LevelFast.
type Level int

const (
	LevelFast Level = iota
	LevelBest
)

// Encoder is one content-coding.
type Encoder interface {
	// Name returns the content-coding token as used in Accept-Encoding
	// ("gzip", "deflate", "zstd").
	Name() string
	Encode(data []byte, level Level) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

// Defaults returns the standard encoder set: gzip, deflate, zstd.
func Defaults() []Encoder {
	return []Encoder{Gzip{}, Deflate{}, Zstd{}}
}

// ParseAccept splits an Accept-Encoding header value into an ordered list of
// coding tokens, preserving the caller's order. Quality parameters are
// dropped; weighting beyond order is not supported. Empty and wildcard
// members are skipped (unknown codings are skipped during negotiation anyway).
func ParseAccept(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if i := strings.IndexByte(p, ';'); i >= 0 {
			p = p[:i]
		}
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || p == "*" {
			continue
		}
		out = append(out, p)
	}
	return out
}
