package cache

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
)

// Algorithm is a compression codec name recognized on the wire and in
// CacheEntry.algorithm.
type Algorithm string

const (
	AlgorithmGzip    Algorithm = "gzip"
	AlgorithmDeflate Algorithm = "deflate"
)

// Compress is the pure function (bytes, level, alg) -> bytes called out in
// spec §9 ("Compression streams -> treat as a pure function"). It carries no
// state across calls, so other packages (the batcher's BATCH envelope) use
// the same implementation rather than rolling their own.
func Compress(data []byte, level int, alg Algorithm) ([]byte, error) {
	return compress(data, level, alg)
}

// Decompress reverses Compress.
func Decompress(data []byte, alg Algorithm) ([]byte, error) {
	return decompress(data, alg)
}

func compress(data []byte, level int, alg Algorithm) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error

	switch alg {
	case AlgorithmDeflate:
		w, err = flate.NewWriter(&buf, level)
	default:
		w, err = gzip.NewWriterLevel(&buf, level)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s writer: %w", alg, err)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress with %s: %w", alg, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flush %s writer: %w", alg, err)
	}
	return buf.Bytes(), nil
}

// decompress reverses compress. It is the inverse half of the pure-function
// pair; round-tripping any input through compress then decompress returns
// the original bytes.
func decompress(data []byte, alg Algorithm) ([]byte, error) {
	var r io.ReadCloser
	var err error

	switch alg {
	case AlgorithmDeflate:
		r = flate.NewReader(bytes.NewReader(data))
	default:
		r, err = gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
	}
	defer r.Close()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress with %s: %w", alg, err)
	}
	return out, nil
}
