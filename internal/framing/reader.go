// Package framing turns a raw connection byte stream into bounded,
// newline-free text lines.
//
// The Reader buffers across reads: a line split over several transport reads
// is reassembled, and several lines arriving in one read are returned one at a
// time. A line ends at '\n'; a preceding '\r' is dropped.
package framing

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// DefaultMaxLineLength is the largest line accepted when no limit is given.
const DefaultMaxLineLength = 1024

var (
	// ErrLineTooLong is returned when a line exceeds the configured maximum.
	ErrLineTooLong = errors.New("framing: line exceeds maximum length")
	// ErrInvalidEncoding is returned when a line is not valid UTF-8.
	ErrInvalidEncoding = errors.New("framing: line is not valid UTF-8")
)

// Reader reads lines of at most maxLen bytes from an underlying stream.
type Reader struct {
	br     *bufio.Reader
	maxLen int
}

// NewReader wraps r. A non-positive maxLen selects DefaultMaxLineLength.
func NewReader(r io.Reader, maxLen int) *Reader {
	if maxLen <= 0 {
		maxLen = DefaultMaxLineLength
	}
	// Room for the terminator and an optional carriage return.
	return &Reader{
		br:     bufio.NewReaderSize(r, maxLen+2),
		maxLen: maxLen,
	}
}

// ReadLine returns the next line without its terminator.
//
// io.EOF is returned once the stream ends with no buffered bytes. If the stream
// ends in the middle of a line, that partial line is returned first and io.EOF
// on the following call. ErrLineTooLong and ErrInvalidEncoding leave the reader
// in an undefined position; callers must treat them as fatal.
func (r *Reader) ReadLine() (string, error) {
	data, err := r.br.ReadSlice('\n')
	switch {
	case err == nil:
		data = data[:len(data)-1]
	case errors.Is(err, bufio.ErrBufferFull):
		return "", ErrLineTooLong
	case errors.Is(err, io.EOF):
		if len(data) == 0 {
			return "", io.EOF
		}
	default:
		return "", fmt.Errorf("framing: read: %w", err)
	}

	if n := len(data); n > 0 && data[n-1] == '\r' {
		data = data[:n-1]
	}
	if len(data) > r.maxLen {
		return "", ErrLineTooLong
	}
	if !utf8.Valid(data) {
		return "", ErrInvalidEncoding
	}
	return string(data), nil
}

// IsDisconnect reports whether err means the peer went away rather than sent
// something malformed.
func IsDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
