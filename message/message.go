// Package message holds the in-memory form of an HTTP request or response as
// it travels through the proxy: request/status line, an ordered header list
// and the flag telling whether the protocol line still has to be written.
package message

import (
	"strings"
)

// Header is a single header line. Order and duplicates are preserved.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Names compare case-insensitively.
type Headers []Header

// Get returns the value of the first header called name.
func (h Headers) Get(name string) string {
	for _, v := range h {
		if strings.EqualFold(v.Name, name) {
			return v.Value
		}
	}
	return ""
}

// Has reports whether a header called name is present.
func (h Headers) Has(name string) bool {
	for _, v := range h {
		if strings.EqualFold(v.Name, name) {
			return true
		}
	}
	return false
}

// Values returns all values of name in order.
func (h Headers) Values(name string) []string {
	var values []string
	for _, v := range h {
		if strings.EqualFold(v.Name, name) {
			values = append(values, v.Value)
		}
	}
	return values
}

// Contains reports whether header name exists and its value contains substr,
// ignoring case.
func (h Headers) Contains(name string, substr string) bool {
	substr = strings.ToLower(substr)
	for _, v := range h {
		if strings.EqualFold(v.Name, name) && strings.Contains(strings.ToLower(v.Value), substr) {
			return true
		}
	}
	return false
}

// Set replaces the value of the first header called name, or appends it.
func (h *Headers) Set(name string, value string) {
	for i, v := range *h {
		if strings.EqualFold(v.Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Add appends a header, keeping existing ones.
func (h *Headers) Add(name string, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Del removes every header called name.
func (h *Headers) Del(name string) {
	kept := (*h)[:0]
	for _, v := range *h {
		if !strings.EqualFold(v.Name, name) {
			kept = append(kept, v)
		}
	}
	*h = kept
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	c := make(Headers, len(h))
	copy(c, h)
	return c
}

// Message is a request (Method set) or a response (Code set).
type Message struct {
	// Request method, empty for responses.
	Method string

	// Request target as sent on the request line.
	URL string

	// Protocol version without the "HTTP/" prefix, e.g. "1.1".
	// Empty means the status/request line has not been received yet.
	Proto string

	// Response status code and reason phrase.
	Code   int
	Reason string

	Headers Headers

	// SkipProtocolLine is set once the status line was already written to
	// the client, so SendHeaders must only emit the header block.
	SkipProtocolLine bool
}

// New returns an empty message.
func New() *Message {
	return &Message{}
}

// NewRequest returns a request message.
func NewRequest(method string, url string, proto string) *Message {
	return &Message{Method: method, URL: url, Proto: proto}
}

// NewResponse returns a response message.
func NewResponse(proto string, code int, reason string) *Message {
	return &Message{Proto: proto, Code: code, Reason: reason}
}

// Dup returns an independent copy which is safe to mutate.
func (m *Message) Dup() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Headers = m.Headers.Clone()
	return &c
}

// IsRequest reports whether m carries a request line.
func (m *Message) IsRequest() bool {
	return m.Method != ""
}

// HasProtocolLine reports whether the request or status line is known.
func (m *Message) HasProtocolLine() bool {
	return m != nil && m.Proto != ""
}

// IsMethod compares the request method case-insensitively.
func (m *Message) IsMethod(method string) bool {
	return m != nil && strings.EqualFold(m.Method, method)
}

// WantsClose reports whether either Connection or Proxy-Connection asks for
// the connection to be closed after this message.
func (m *Message) WantsClose() bool {
	if m.Headers.Contains("Connection", "close") || m.Headers.Contains("Proxy-Connection", "close") {
		return true
	}
	if m.Proto == "1.0" {
		return !m.Headers.Contains("Connection", "keep-alive") && !m.Headers.Contains("Proxy-Connection", "keep-alive")
	}
	return false
}
