package message

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var ErrBadChunk = errors.New("malformed chunk size line")

// IsChunked reports whether m uses chunked transfer encoding.
func (m *Message) IsChunked() bool {
	return m.Headers.Contains("Transfer-Encoding", "chunked")
}

// CopyBody forwards the body of the current message from src to dst. Chunked
// bodies are relayed unchanged chunk by chunk, including the trailer. For
// UntilClose bodies EOF on src is the normal end.
func CopyBody(dst io.Writer, src *bufio.Reader, length BodyLength, chunked bool) (int64, error) {
	if chunked {
		return copyChunked(dst, src)
	}
	switch length.Kind {
	case ExactLength:
		return io.CopyN(dst, src, length.Length)
	case UntilClose:
		return io.Copy(dst, src)
	default:
		return 0, nil
	}
}

func copyChunked(dst io.Writer, src *bufio.Reader) (int64, error) {
	var written int64
	for {
		line, err := src.ReadString('\n')
		if err != nil {
			return written, err
		}
		n, err := io.WriteString(dst, line)
		written += int64(n)
		if err != nil {
			return written, err
		}
		size, err := chunkSize(line)
		if err != nil {
			return written, err
		}
		if size == 0 {
			break
		}
		// chunk data plus its CRLF
		c, err := io.CopyN(dst, src, size+2)
		written += c
		if err != nil {
			return written, err
		}
	}
	// trailer headers up to the empty line
	for {
		line, err := src.ReadString('\n')
		if err != nil {
			return written, err
		}
		n, err := io.WriteString(dst, line)
		written += int64(n)
		if err != nil {
			return written, err
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return written, nil
		}
	}
}

func chunkSize(line string) (int64, error) {
	line = strings.TrimRight(line, "\r\n")
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadChunk, line)
	}
	return size, nil
}

// DrainBody reads and discards the body of the current message.
func DrainBody(src *bufio.Reader, length BodyLength, chunked bool) error {
	_, err := CopyBody(io.Discard, src, length, chunked)
	return err
}
