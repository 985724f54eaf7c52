// Package base64stream decodes base64 payloads incrementally, writing the
// binary output to a sink as each fixed-size chunk is decoded. Peak memory is
// bounded by the chunk size regardless of the total payload length, which is
// what makes very large payloads safe to decode on constrained hosts.
//
// The decoder accepts the relaxed input commonly seen in the wild: embedded
// whitespace and line breaks are skipped, a leading data URI header
// ("data:application/pdf;base64,") is stripped, and the final quantum may be
// unpadded.
package base64stream

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultChunkSize is the number of encoded bytes decoded per chunk.
	DefaultChunkSize = 8192

	// DefaultProgressInterval is the number of chunks between progress
	// callbacks.
	DefaultProgressInterval = 10

	// maxHeaderLen bounds the scan for a data URI header. Real headers are
	// a few dozen bytes; anything longer is treated as malformed input.
	maxHeaderLen = 512
)

// InvalidByteError reports malformed base64 input. Offset is the position of
// the first invalid unit, counted in bytes consumed from the input stream.
type InvalidByteError struct {
	Offset int64
	reason string
}

func (e *InvalidByteError) Error() string {
	return fmt.Sprintf("invalid base64 input at offset %d: %s", e.Offset, e.reason)
}

// WriteError reports a failure writing decoded output to the destination,
// as distinct from failures reading or parsing the encoded input.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing decoded output: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Options configures a streaming decode.
type Options struct {
	// ChunkSize is the number of encoded bytes consumed per chunk. Values
	// are rounded down to a multiple of four (the base64 quantum size).
	// Zero selects DefaultChunkSize.
	ChunkSize int

	// ProgressInterval is the number of chunks between Progress callbacks.
	// Zero selects DefaultProgressInterval.
	ProgressInterval int

	// Progress, if non-nil, is invoked periodically with the number of
	// encoded bytes consumed so far. It is always invoked once more after
	// the final chunk.
	Progress func(encodedProcessed int64)
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	o.ChunkSize -= o.ChunkSize % 4
	if o.ChunkSize < 4 {
		o.ChunkSize = 4
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
}

// Decode reads base64 text from src and writes the decoded bytes to dst,
// one chunk at a time. It returns the number of decoded bytes written.
//
// Cancellation is checked between chunks; if ctx is cancelled the decode
// stops and returns the context error. Callers own cleanup of any partial
// output already written to dst.
func Decode(ctx context.Context, dst io.Writer, src io.Reader, opts Options) (int64, error) {
	opts.setDefaults()

	cr := &cleanReader{r: src}
	if err := cr.stripDataURIHeader(); err != nil {
		return 0, err
	}

	encBuf := make([]byte, opts.ChunkSize)
	decBuf := make([]byte, base64.StdEncoding.DecodedLen(opts.ChunkSize))

	var (
		written    int64
		chunks     int
		sawPadding bool
	)

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := cr.fill(encBuf)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return written, fmt.Errorf("reading encoded input: %w", readErr)
		}
		final := errors.Is(readErr, io.EOF)

		if n > 0 {
			if sawPadding {
				// Padding terminates a base64 stream; trailing data
				// after it is malformed.
				return written, &InvalidByteError{
					Offset: cr.offset - int64(n),
					reason: "data after padding",
				}
			}

			chunk := encBuf[:n]
			if !final {
				// Interior chunks are a whole number of quanta by
				// construction, but may still carry padding if the
				// payload ends mid-chunk.
				sawPadding = bytes.IndexByte(chunk, '=') >= 0
			}

			dn, err := decodeChunk(decBuf, chunk, final)
			if err != nil {
				var corrupt base64.CorruptInputError
				reason := "invalid character"
				var rel int64
				if errors.As(err, &corrupt) {
					rel = int64(corrupt)
				} else {
					reason = err.Error()
				}
				return written, &InvalidByteError{
					Offset: cr.offset - int64(n) + rel,
					reason: reason,
				}
			}

			if _, err := dst.Write(decBuf[:dn]); err != nil {
				return written, &WriteError{Err: err}
			}
			written += int64(dn)
			chunks++

			if opts.Progress != nil && chunks%opts.ProgressInterval == 0 {
				opts.Progress(cr.offset)
			}
		}

		if final {
			break
		}
	}

	if opts.Progress != nil {
		opts.Progress(cr.offset)
	}

	return written, nil
}

// decodeChunk decodes a single chunk of cleaned base64 text. Interior chunks
// are always a multiple of four bytes; the final chunk may be shorter when
// the payload is unpadded.
func decodeChunk(dst, chunk []byte, final bool) (int, error) {
	rem := len(chunk) % 4

	if !final || rem == 0 {
		if bytes.IndexByte(chunk, '=') >= 0 {
			return base64.StdEncoding.Decode(dst, chunk)
		}
		return base64.RawStdEncoding.Decode(dst, chunk)
	}

	// Unpadded tail. A single leftover character can never encode a byte.
	if rem == 1 {
		return 0, base64.CorruptInputError(len(chunk) - 1)
	}
	if bytes.IndexByte(chunk, '=') >= 0 {
		// Padded input must be a whole number of quanta.
		return 0, base64.CorruptInputError(len(chunk) - rem)
	}
	return base64.RawStdEncoding.Decode(dst, chunk)
}

// EstimateDecodedSize returns the approximate decoded size for a base64
// payload of the given encoded length. Base64 inflates data by one third, so
// the decoded size is roughly three quarters of the encoded length.
func EstimateDecodedSize(encodedLen int64) int64 {
	return encodedLen / 4 * 3
}

// cleanReader reads from an underlying reader, skipping ASCII whitespace and
// tracking the number of raw bytes consumed for error reporting.
type cleanReader struct {
	r       io.Reader
	buf     [4096]byte
	pos, n  int
	offset  int64
	pending []byte
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\r' || b == '\t' || b == '\f' || b == '\v'
}

// next returns the next non-whitespace byte, or io.EOF.
func (cr *cleanReader) next() (byte, error) {
	if len(cr.pending) > 0 {
		b := cr.pending[0]
		cr.pending = cr.pending[1:]
		return b, nil
	}
	for {
		for cr.pos < cr.n {
			b := cr.buf[cr.pos]
			cr.pos++
			cr.offset++
			if !isSpace(b) {
				return b, nil
			}
		}
		n, err := cr.r.Read(cr.buf[:])
		if n == 0 {
			if err == nil {
				continue
			}
			return 0, err
		}
		cr.pos, cr.n = 0, n
	}
}

// fill copies up to len(dst) non-whitespace bytes into dst. It returns io.EOF
// together with the final short count once the input is exhausted.
func (cr *cleanReader) fill(dst []byte) (int, error) {
	var i int
	for i < len(dst) {
		b, err := cr.next()
		if err != nil {
			return i, err
		}
		dst[i] = b
		i++
	}
	return i, nil
}

// unread pushes bytes back so that subsequent reads see them first.
func (cr *cleanReader) unread(p []byte) {
	cr.pending = append(p, cr.pending...)
}

// stripDataURIHeader consumes a leading "data:...;base64," header when
// present. Input that does not start with "data:" is left untouched.
func (cr *cleanReader) stripDataURIHeader() error {
	const prefix = "data:"

	head := make([]byte, 0, len(prefix))
	for len(head) < len(prefix) {
		b, err := cr.next()
		if errors.Is(err, io.EOF) {
			cr.unread(head)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading encoded input: %w", err)
		}
		head = append(head, b)
	}
	if string(head) != prefix {
		cr.unread(head)
		return nil
	}

	header := append([]byte{}, head...)
	for len(header) < maxHeaderLen {
		b, err := cr.next()
		if errors.Is(err, io.EOF) {
			return &InvalidByteError{Offset: cr.offset, reason: "unterminated data URI header"}
		}
		if err != nil {
			return fmt.Errorf("reading encoded input: %w", err)
		}
		if b == ',' {
			if !bytes.Contains(header, []byte("base64")) {
				return &InvalidByteError{Offset: cr.offset, reason: "data URI is not base64 encoded"}
			}
			return nil
		}
		header = append(header, b)
	}
	return &InvalidByteError{Offset: cr.offset, reason: "data URI header too long"}
}
