// Package codec implements the binder's compression pipeline: a pair of
// symmetric transforms that compress payloads on send, tag them with a
// content encoding, and select the matching decompressor on receive.
//
// The decompressing side is delegating: it decodes any encoding it
// knows, independent of what the local policy compresses with, so mixed
// fleets can roll encodings forward without coordination. An unknown tag
// is an error, never passed through as plain data.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content-encoding tags attached to compressed payloads.
const (
	EncodingGZip = "gzip"
	EncodingZstd = "zstd"
)

// UnsupportedEncodingError reports a content-encoding tag with no
// registered decompressor. The message is fatal per-message on the
// consumer side: a forged or corrupted tag must not be mistaken for
// plain data.
type UnsupportedEncodingError struct {
	Encoding string
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("unsupported content encoding %q", e.Encoding)
}

// Policy configures the compressing side of the pipeline.
type Policy struct {
	// Enabled turns compression on; when false, Compress is a
	// pass-through with no tag
	Enabled bool

	// Encoding selects the algorithm (default: EncodingGZip)
	Encoding string

	// Level is the compression level in the range accepted by the
	// algorithm: gzip.HuffmanOnly..gzip.BestCompression for gzip,
	// 1..22 for zstd. Zero always selects the algorithm default, so a
	// store-only stream (gzip.NoCompression) cannot be requested;
	// disable the policy instead of compressing at level 0.
	Level int
}

// Validate fails fast on out-of-range levels at configuration time, not
// at first use.
func (p *Policy) Validate() error {
	if !p.Enabled {
		return nil
	}

	switch p.encoding() {
	case EncodingGZip:
		if p.Level != 0 && (p.Level < gzip.HuffmanOnly || p.Level > gzip.BestCompression) {
			return fmt.Errorf("gzip level %d out of range [%d, %d]", p.Level, gzip.HuffmanOnly, gzip.BestCompression)
		}
	case EncodingZstd:
		if p.Level != 0 && (p.Level < 1 || p.Level > 22) {
			return fmt.Errorf("zstd level %d out of range [1, 22]", p.Level)
		}
	default:
		return &UnsupportedEncodingError{Encoding: p.Encoding}
	}

	return nil
}

func (p *Policy) encoding() string {
	if p.Encoding == "" {
		return EncodingGZip
	}
	return p.Encoding
}

// Pipeline is the compress/decompress pair for one binder.
type Pipeline struct {
	enabled  bool
	encoding string
	level    int

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
}

// NewPipeline builds a pipeline from the policy, validating it first.
func NewPipeline(policy Policy) (*Pipeline, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		enabled:  policy.Enabled,
		encoding: policy.encoding(),
		level:    policy.Level,
	}

	// The zstd decoder is always available so the delegating receive
	// side can decode tags produced by peers with a different policy.
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	p.zstdDec = dec

	if p.enabled && p.encoding == EncodingZstd {
		level := zstd.SpeedDefault
		if policy.Level != 0 {
			level = zstd.EncoderLevelFromZstd(policy.Level)
		}
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		p.zstdEnc = enc
	}

	return p, nil
}

// Compress compresses the payload per policy and returns the bytes and
// the content-encoding tag to attach. When the policy is disabled it
// returns the payload unchanged with an empty tag.
func (p *Pipeline) Compress(payload []byte) ([]byte, string, error) {
	if !p.enabled {
		return payload, "", nil
	}

	switch p.encoding {
	case EncodingGZip:
		level := p.level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, "", fmt.Errorf("gzip writer: %w", err)
		}
		if _, err := w.Write(payload); err != nil {
			return nil, "", fmt.Errorf("gzip compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip compress: %w", err)
		}
		return buf.Bytes(), EncodingGZip, nil

	case EncodingZstd:
		return p.zstdEnc.EncodeAll(payload, nil), EncodingZstd, nil

	default:
		return nil, "", &UnsupportedEncodingError{Encoding: p.encoding}
	}
}

// Decompress inspects the content-encoding tag and decodes with the
// matching algorithm. An empty tag is a pass-through; an unrecognized
// tag fails with UnsupportedEncodingError rather than returning the raw
// bytes.
func (p *Pipeline) Decompress(payload []byte, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return payload, nil

	case EncodingGZip:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("gzip decompress: %w", err)
		}
		return out, nil

	case EncodingZstd:
		out, err := p.zstdDec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil

	default:
		return nil, &UnsupportedEncodingError{Encoding: encoding}
	}
}

// Close releases encoder/decoder resources.
func (p *Pipeline) Close() {
	if p.zstdEnc != nil {
		_ = p.zstdEnc.Close()
	}
	if p.zstdDec != nil {
		p.zstdDec.Close()
	}
}
