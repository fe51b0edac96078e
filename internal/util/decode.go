package util

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

// DecodeBody decompresses a response body according to its Content-Encoding.
// Unknown or empty encodings return the data unchanged. Supported encodings
// are gzip, deflate, br, and zstd.
func DecodeBody(contentEncoding string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}

	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "gzip":
		return decodeGzip(data)
	case "deflate":
		return decodeDeflate(data)
	case "br":
		return decodeBrotli(data)
	case "zstd":
		return decodeZstd(data)
	default:
		return data, nil
	}
}

func decodeGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer func() {
		if errClose := reader.Close(); errClose != nil {
			log.WithError(errClose).Warn("failed to close gzip reader")
		}
	}()

	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress gzip data: %w", err)
	}
	return decoded, nil
}

func decodeDeflate(data []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(data))
	defer func() {
		if errClose := reader.Close(); errClose != nil {
			log.WithError(errClose).Warn("failed to close deflate reader")
		}
	}()

	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress deflate data: %w", err)
	}
	return decoded, nil
}

func decodeBrotli(data []byte) ([]byte, error) {
	decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress brotli data: %w", err)
	}
	return decoded, nil
}

func decodeZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer decoder.Close()

	decoded, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress zstd data: %w", err)
	}
	return decoded, nil
}
