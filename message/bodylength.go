package message

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type BodyKind int

const (
	NoBody BodyKind = iota
	ExactLength
	UntilClose
)

// BodyLength is the framing decision for one message body.
type BodyLength struct {
	Kind   BodyKind
	Length int64
}

func (b BodyLength) String() string {
	switch b.Kind {
	case ExactLength:
		return fmt.Sprintf("exact(%d)", b.Length)
	case UntilClose:
		return "until-close"
	default:
		return "none"
	}
}

// DetermineBodyLength decides whether the current message of an exchange
// carries a body. When resp has no status line yet the request is judged,
// otherwise the response.
//
// There must not be any body from the server if the request was HEAD or the
// reply is 1xx, 204 or 304, and no body in a GET or HEAD request. Otherwise a
// Content-Length is forwarded exactly; without one, Content-Type,
// Transfer-Encoding or a 200 status mean the body ends when the connection
// closes.
func DetermineBodyLength(req *Message, resp *Message) BodyLength {
	var current *Message
	var nobody bool
	var code int

	if resp.HasProtocolLine() {
		current = resp
		code = resp.Code
		nobody = req.IsMethod("HEAD") ||
			(code >= 100 && code < 200) ||
			code == 204 ||
			code == 304
	} else {
		current = req
		if resp != nil {
			code = resp.Code
		}
		nobody = req.IsMethod("GET") || req.IsMethod("HEAD")
	}

	hasLength := current.Headers.Has("Content-Length")
	if !nobody && !hasLength && (current.Headers.Has("Content-Type") ||
		current.Headers.Has("Transfer-Encoding") ||
		code == 200) {
		return BodyLength{Kind: UntilClose}
	}
	if nobody || !hasLength {
		return BodyLength{Kind: NoBody}
	}
	n := ParseLeadingInt(current.Headers.Get("Content-Length"))
	if n <= 0 {
		return BodyLength{Kind: NoBody}
	}
	return BodyLength{Kind: ExactLength, Length: n}
}

// ParseLeadingInt parses the decimal number at the start of s, skipping
// leading blanks and stopping at the first non digit. It returns 0 when s does
// not start with a number. Values out of range saturate at math.MaxInt64.
func ParseLeadingInt(s string) int64 {
	s = strings.TrimLeft(s, " \t\r\n")
	neg := false
	if len(s) > 0 && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}
	var n int64
	for i := 0; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		d := int64(s[i] - '0')
		if n > (math.MaxInt64-d)/10 {
			n = math.MaxInt64
			break
		}
		n = n*10 + d
	}
	if neg {
		return -n
	}
	return n
}

// BadContentLength reports a Content-Length which is not a plain
// non-negative decimal number, or several that disagree. The body of such a
// message cannot be delimited and its connection must not be reused.
func (m *Message) BadContentLength() bool {
	values := m.Headers.Values("Content-Length")
	for i, value := range values {
		value = strings.TrimSpace(value)
		if value == "" || value[0] < '0' || value[0] > '9' {
			return true
		}
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return true
		}
		if i > 0 && value != strings.TrimSpace(values[0]) {
			return true
		}
	}
	return false
}
