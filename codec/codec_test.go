package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "disabled", policy: Policy{}, wantErr: false},
		{name: "disabled ignores level", policy: Policy{Level: 99}, wantErr: false},
		{name: "gzip default level", policy: Policy{Enabled: true}, wantErr: false},
		{name: "gzip best compression", policy: Policy{Enabled: true, Level: 9}, wantErr: false},
		{name: "gzip level too high", policy: Policy{Enabled: true, Level: 10}, wantErr: true},
		{name: "zstd valid level", policy: Policy{Enabled: true, Encoding: EncodingZstd, Level: 3}, wantErr: false},
		{name: "zstd level too high", policy: Policy{Enabled: true, Encoding: EncodingZstd, Level: 23}, wantErr: true},
		{name: "unknown encoding", policy: Policy{Enabled: true, Encoding: "lz4"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewPipeline_InvalidPolicy(t *testing.T) {
	if _, err := NewPipeline(Policy{Enabled: true, Level: 42}); err == nil {
		t.Error("Expected error for out-of-range level")
	}
}

func TestPipeline_Disabled(t *testing.T) {
	p, err := NewPipeline(Policy{})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	defer p.Close()

	payload := []byte("plain payload")
	out, encoding, err := p.Compress(payload)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if encoding != "" {
		t.Errorf("Encoding = %q, want empty tag", encoding)
	}
	if !bytes.Equal(out, payload) {
		t.Error("Expected pass-through payload")
	}
}

func TestPipeline_GZipRoundTrip(t *testing.T) {
	p, err := NewPipeline(Policy{Enabled: true, Level: 6})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	defer p.Close()

	payload := bytes.Repeat([]byte("order payload "), 100)
	compressed, encoding, err := p.Compress(payload)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if encoding != EncodingGZip {
		t.Errorf("Encoding = %q, want %q", encoding, EncodingGZip)
	}
	if len(compressed) >= len(payload) {
		t.Errorf("Compressed %d bytes to %d, expected reduction", len(payload), len(compressed))
	}

	out, err := p.Decompress(compressed, encoding)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("Round trip altered payload")
	}
}

func TestPipeline_ZstdRoundTrip(t *testing.T) {
	p, err := NewPipeline(Policy{Enabled: true, Encoding: EncodingZstd})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	defer p.Close()

	payload := bytes.Repeat([]byte("order payload "), 100)
	compressed, encoding, err := p.Compress(payload)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if encoding != EncodingZstd {
		t.Errorf("Encoding = %q, want %q", encoding, EncodingZstd)
	}

	out, err := p.Decompress(compressed, encoding)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("Round trip altered payload")
	}
}

// The receive side delegates on the tag: a pipeline compressing with
// gzip still decodes zstd payloads from peers, and vice versa.
func TestPipeline_DecompressForeignEncoding(t *testing.T) {
	zstdSide, err := NewPipeline(Policy{Enabled: true, Encoding: EncodingZstd})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	defer zstdSide.Close()

	gzipSide, err := NewPipeline(Policy{Enabled: true})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	defer gzipSide.Close()

	payload := []byte("cross-encoded payload")
	compressed, encoding, err := zstdSide.Compress(payload)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}

	out, err := gzipSide.Decompress(compressed, encoding)
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("Cross-pipeline round trip altered payload")
	}
}

func TestPipeline_DecompressEmptyTagPassthrough(t *testing.T) {
	p, err := NewPipeline(Policy{Enabled: true})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	defer p.Close()

	payload := []byte("uncompressed")
	out, err := p.Decompress(payload, "")
	if err != nil {
		t.Fatalf("Decompress() error = %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("Expected pass-through for empty tag")
	}
}

func TestPipeline_DecompressUnknownTag(t *testing.T) {
	p, err := NewPipeline(Policy{})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	defer p.Close()

	_, err = p.Decompress([]byte("data"), "snappy")
	var unsupported *UnsupportedEncodingError
	if !errors.As(err, &unsupported) {
		t.Fatalf("Decompress() error = %v, want UnsupportedEncodingError", err)
	}
	if unsupported.Encoding != "snappy" {
		t.Errorf("Encoding = %q, want snappy", unsupported.Encoding)
	}
}

func TestPipeline_DecompressCorruptPayload(t *testing.T) {
	p, err := NewPipeline(Policy{})
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	defer p.Close()

	if _, err := p.Decompress([]byte("not gzip at all"), EncodingGZip); err == nil {
		t.Error("Expected error for corrupt gzip payload")
	}
}
