package message

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxHeaderBytes limits the size of a request or response header block.
const MaxHeaderBytes = 1 << 20 // 1Mb

var (
	ErrHeaderTooLarge   = errors.New("header block too large")
	ErrMalformedLine    = errors.New("malformed request or status line")
	ErrMalformedHeader  = errors.New("malformed header line")
	ErrNoProtocolLine   = errors.New("message has no request or status line")
	ErrUnsupportedProto = errors.New("unsupported protocol version")
	ErrBadContentLength = errors.New("invalid Content-Length")
)

// ReceiveHeaders reads a request or status line and the following header
// block from r into m. The kind of the first line decides whether m becomes a
// request or a response.
func ReceiveHeaders(r *bufio.Reader, m *Message) error {
	total := 0
	readLine := func() (string, error) {
		line, err := r.ReadString('\n')
		total += len(line)
		if total > MaxHeaderBytes {
			return "", ErrHeaderTooLarge
		}
		if err != nil {
			if err == io.EOF && line != "" {
				err = io.ErrUnexpectedEOF
			}
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	first, err := readLine()
	// Tolerate empty lines between pipelined messages.
	for err == nil && first == "" {
		first, err = readLine()
	}
	if err != nil {
		return err
	}
	if err = parseProtocolLine(first, m); err != nil {
		return err
	}

	m.Headers = m.Headers[:0]
	for {
		line, err := readLine()
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Obsolete line folding continues the previous value.
			if len(m.Headers) == 0 {
				return fmt.Errorf("%w: %q", ErrMalformedHeader, line)
			}
			last := &m.Headers[len(m.Headers)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		m.Headers = append(m.Headers, Header{
			Name:  strings.TrimSpace(line[:colon]),
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}
}

func parseProtocolLine(line string, m *Message) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	if strings.HasPrefix(parts[0], "HTTP/") {
		proto := strings.TrimPrefix(parts[0], "HTTP/")
		if !validProto(proto) {
			return fmt.Errorf("%w: %q", ErrUnsupportedProto, parts[0])
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil || code < 100 || code > 999 {
			return fmt.Errorf("%w: %q", ErrMalformedLine, line)
		}
		m.Method = ""
		m.URL = ""
		m.Proto = proto
		m.Code = code
		m.Reason = ""
		if len(parts) == 3 {
			m.Reason = parts[2]
		}
		return nil
	}
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	proto := strings.TrimPrefix(parts[2], "HTTP/")
	if !validProto(proto) {
		return fmt.Errorf("%w: %q", ErrUnsupportedProto, parts[2])
	}
	m.Method = parts[0]
	m.URL = parts[1]
	m.Proto = proto
	m.Code = 0
	m.Reason = ""
	return nil
}

func validProto(proto string) bool {
	return proto == "1.0" || proto == "1.1"
}

// ProtocolLine returns the request or status line of m without CRLF.
func (m *Message) ProtocolLine() string {
	if m.IsRequest() {
		return fmt.Sprintf("%s %s HTTP/%s", m.Method, m.URL, m.Proto)
	}
	reason := m.Reason
	if reason == "" {
		reason = StatusText(m.Code)
	}
	return fmt.Sprintf("HTTP/%s %03d %s", m.Proto, m.Code, reason)
}

// SendHeaders writes the request or status line followed by the header block
// of m in one write. The protocol line is left out when SkipProtocolLine is
// set.
func SendHeaders(w io.Writer, m *Message) error {
	if !m.HasProtocolLine() {
		return ErrNoProtocolLine
	}
	var buf bytes.Buffer
	if !m.SkipProtocolLine {
		buf.WriteString(m.ProtocolLine())
		buf.WriteString("\r\n")
	}
	for _, h := range m.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	return err
}

// StatusText returns a reason phrase for the codes the proxy generates itself.
func StatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 407:
		return "Proxy Authentication Required"
	case 500:
		return "Internal Server Error"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return "Unknown"
	}
}
