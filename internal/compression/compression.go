// Package compression applies a configured algorithm to encoded request
// payloads and names the matching HTTP content-encoding.
package compression

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

type Algorithm uint8

const (
	None Algorithm = iota
	Gzip
	Zlib
	Zstd
	Snappy
	LZ4
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Zlib:
		return "zlib"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Compression is an algorithm plus an optional level. Level 0 selects
// the algorithm's default.
type Compression struct {
	Algorithm Algorithm
	Level     int
}

// Parse reads "none", "gzip", "zlib", "zstd", "snappy" or "lz4",
// optionally followed by ":<level>" for gzip, zlib and zstd. The empty
// string is none.
func Parse(s string) (Compression, error) {
	name, levelStr, hasLevel := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	var c Compression
	switch name {
	case "", "none":
		c.Algorithm = None
	case "gzip":
		c.Algorithm = Gzip
	case "zlib":
		c.Algorithm = Zlib
	case "zstd":
		c.Algorithm = Zstd
	case "snappy":
		c.Algorithm = Snappy
	case "lz4":
		c.Algorithm = LZ4
	default:
		return Compression{}, fmt.Errorf("unknown compression %q", s)
	}
	if hasLevel {
		switch c.Algorithm {
		case Gzip, Zlib, Zstd:
		default:
			return Compression{}, fmt.Errorf("compression %s does not take a level", c.Algorithm)
		}
		var level int
		if _, err := fmt.Sscanf(levelStr, "%d", &level); err != nil {
			return Compression{}, fmt.Errorf("compression level %q: %w", levelStr, err)
		}
		if level < 1 || level > 9 {
			return Compression{}, fmt.Errorf("compression level %d out of range 1-9", level)
		}
		c.Level = level
	}
	return c, nil
}

func (c Compression) String() string {
	if c.Level == 0 {
		return c.Algorithm.String()
	}
	return fmt.Sprintf("%s:%d", c.Algorithm, c.Level)
}

// ContentEncoding is the HTTP content-encoding value for the algorithm,
// empty for none.
func (c Compression) ContentEncoding() string {
	switch c.Algorithm {
	case Gzip:
		return "gzip"
	case Zlib:
		return "deflate"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	default:
		return ""
	}
}

// Compress returns data compressed with the configured algorithm. None
// returns data unchanged.
func (c Compression) Compress(data []byte) ([]byte, error) {
	switch c.Algorithm {
	case None:
		return data, nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case Zstd:
		return c.compressZstd(data)
	}

	var buf bytes.Buffer
	w, err := c.writer(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("%s compress: %w", c.Algorithm, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s compress: %w", c.Algorithm, err)
	}
	return buf.Bytes(), nil
}

type writeCloser interface {
	Write([]byte) (int, error)
	Close() error
}

func (c Compression) writer(buf *bytes.Buffer) (writeCloser, error) {
	level := c.Level
	switch c.Algorithm {
	case Gzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(buf, level)
	case Zlib:
		if level == 0 {
			level = zlib.DefaultCompression
		}
		return zlib.NewWriterLevel(buf, level)
	case LZ4:
		return lz4.NewWriter(buf), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", c.Algorithm)
	}
}

func (c Compression) compressZstd(data []byte) ([]byte, error) {
	level := zstd.SpeedDefault
	if c.Level > 0 {
		level = zstd.EncoderLevelFromZstd(c.Level)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("zstd compress: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}
