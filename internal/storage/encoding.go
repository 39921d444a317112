package storage

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Encoding selects the optional compression applied to stored pages. The
// object key and content type are unchanged; the encoding is recorded as the
// object's Content-Encoding.
type Encoding string

const (
	EncodingNone Encoding = ""
	EncodingGzip Encoding = "gzip"
	EncodingZstd Encoding = "zstd"
)

// ParseEncoding validates a configured encoding name.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "", "none", "identity":
		return EncodingNone, nil
	case "gzip":
		return EncodingGzip, nil
	case "zstd":
		return EncodingZstd, nil
	default:
		return "", fmt.Errorf("unknown storage encoding: %s", name)
	}
}

func encodingFromContentEncoding(ce string) (Encoding, error) {
	return ParseEncoding(ce)
}

// ContentEncoding returns the HTTP Content-Encoding value for e.
func (e Encoding) ContentEncoding() string {
	return string(e)
}

func (e Encoding) encode(body []byte) ([]byte, error) {
	switch e {
	case EncodingNone:
		return body, nil
	case EncodingGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			zw.Close()
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		return buf.Bytes(), nil
	case EncodingZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(body, nil), nil
	default:
		return nil, fmt.Errorf("unknown storage encoding: %s", e)
	}
}

func (e Encoding) decode(data []byte) ([]byte, error) {
	switch e {
	case EncodingNone:
		return data, nil
	case EncodingGzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case EncodingZstd:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown storage encoding: %s", e)
	}
}
