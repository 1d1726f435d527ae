// Package wire implements the ingest wire surface: Content-Encoding
// decompression with a hard size cap and the newline-delimited envelope
// format used by modern SDKs.
package wire

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// ErrTooLarge is returned when the decompressed body exceeds the cap.
// The caller maps it to a 413 response.
var ErrTooLarge = errors.New("wire: decompressed body exceeds size limit")

// cappedReader fails the stream as soon as more than limit bytes have been
// produced, so decompression bombs never buffer past the cap.
type cappedReader struct {
	r     io.Reader
	limit int64
	read  int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.read > c.limit {
		return 0, ErrTooLarge
	}
	// At exactly limit bytes, reading one extra byte distinguishes EOF
	// from overflow.
	if int64(len(p)) > c.limit-c.read+1 {
		p = p[:c.limit-c.read+1]
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.limit {
		return n, ErrTooLarge
	}
	return n, err
}

// BodyReader wraps an HTTP request body with streaming decompression for the
// declared Content-Encoding and enforces the decompressed size cap. The
// identity encoding is capped too.
func BodyReader(body io.Reader, contentEncoding string, limit int64) (io.Reader, error) {
	switch contentEncoding {
	case "", "identity":
		return &cappedReader{r: body, limit: limit}, nil
	case "gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return &cappedReader{r: zr, limit: limit}, nil
	case "deflate":
		return &cappedReader{r: deflateReader(body), limit: limit}, nil
	case "br":
		return &cappedReader{r: brotli.NewReader(body), limit: limit}, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
}

// deflateReader handles both zlib-wrapped deflate (what SDKs send) and the
// raw stream some proxies re-encode. The zlib magic is sniffed from the
// first byte without consuming it.
func deflateReader(body io.Reader) io.Reader {
	br := bufio.NewReader(body)
	head, err := br.Peek(1)
	if err == nil && len(head) == 1 && head[0] == 0x78 {
		zr, zerr := zlib.NewReader(br)
		if zerr == nil {
			return zr
		}
	}
	return flate.NewReader(br)
}
