package message

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func response(code int, headers ...Header) *Message {
	resp := NewResponse("1.1", code, "")
	resp.Headers = headers
	return resp
}

func TestDetermineBodyLength(t *testing.T) {
	testCases := []struct {
		name   string
		method string
		resp   *Message
		req    Headers
		want   BodyLength
	}{
		{"head request any status", "HEAD", response(200, Header{"Content-Length", "10"}), nil, BodyLength{Kind: NoBody}},
		{"head request until close candidate", "HEAD", response(200), nil, BodyLength{Kind: NoBody}},
		{"informational", "GET", response(101, Header{"Content-Type", "text/html"}), nil, BodyLength{Kind: NoBody}},
		{"no content", "GET", response(204, Header{"Content-Length", "5"}), nil, BodyLength{Kind: NoBody}},
		{"not modified", "GET", response(304, Header{"Content-Type", "text/html"}), nil, BodyLength{Kind: NoBody}},
		{"exact length", "GET", response(200, Header{"Content-Length", "1234"}), nil, BodyLength{Kind: ExactLength, Length: 1234}},
		{"zero length", "GET", response(200, Header{"Content-Length", "0"}), nil, BodyLength{Kind: NoBody}},
		{"length with junk", "GET", response(200, Header{"content-length", " 42abc"}), nil, BodyLength{Kind: ExactLength, Length: 42}},
		{"negative length", "GET", response(200, Header{"Content-Length", "-5"}), nil, BodyLength{Kind: NoBody}},
		{"length beyond int64", "GET", response(200, Header{"Content-Length", "9223372036854775808"}), nil, BodyLength{Kind: ExactLength, Length: math.MaxInt64}},
		{"length beyond uint64", "GET", response(200, Header{"Content-Length", "18446744073709551616"}), nil, BodyLength{Kind: ExactLength, Length: math.MaxInt64}},
		{"bare 200", "GET", response(200), nil, BodyLength{Kind: UntilClose}},
		{"bare 201", "POST", response(201), nil, BodyLength{Kind: NoBody}},
		{"content type", "GET", response(404, Header{"Content-Type", "text/html"}), nil, BodyLength{Kind: UntilClose}},
		{"transfer encoding", "GET", response(500, Header{"Transfer-Encoding", "chunked"}), nil, BodyLength{Kind: UntilClose}},
		{"length wins over type", "GET", response(200, Header{"Content-Type", "text/html"}, Header{"Content-Length", "7"}), nil, BodyLength{Kind: ExactLength, Length: 7}},
		{"get request", "GET", New(), Headers{{"Content-Length", "9"}}, BodyLength{Kind: NoBody}},
		{"head request side", "HEAD", New(), Headers{{"Content-Type", "text/plain"}}, BodyLength{Kind: NoBody}},
		{"post with length", "POST", New(), Headers{{"Content-Length", "9"}}, BodyLength{Kind: ExactLength, Length: 9}},
		{"post with type only", "post", New(), Headers{{"Content-Type", "text/plain"}}, BodyLength{Kind: UntilClose}},
		{"post without headers", "POST", New(), nil, BodyLength{Kind: NoBody}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			req := NewRequest(testCase.method, "http://example.com/", "1.1")
			req.Headers = testCase.req
			require.Equal(t, testCase.want, DetermineBodyLength(req, testCase.resp))
		})
	}
}

func TestDetermineBodyLengthIdempotent(t *testing.T) {
	req := NewRequest("GET", "http://example.com/file.zip", "1.1")
	resp := response(200, Header{"Proxy-Connection", "close"})
	before := resp.Dup()

	first := DetermineBodyLength(req, resp)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, DetermineBodyLength(req, resp))
	}
	require.Equal(t, before, resp)
	require.Equal(t, UntilClose, first.Kind)
}

func TestParseLeadingInt(t *testing.T) {
	require.Equal(t, int64(0), ParseLeadingInt(""))
	require.Equal(t, int64(0), ParseLeadingInt("abc"))
	require.Equal(t, int64(12), ParseLeadingInt("  12,5"))
	require.Equal(t, int64(-3), ParseLeadingInt("-3"))
	require.Equal(t, int64(2048), ParseLeadingInt("2048);"))
	require.Equal(t, int64(math.MaxInt64), ParseLeadingInt("9223372036854775807"))
	require.Equal(t, int64(math.MaxInt64), ParseLeadingInt("99999999999999999999"))
	require.Equal(t, int64(-math.MaxInt64), ParseLeadingInt("-18446744073709551616"))
}

func TestBadContentLength(t *testing.T) {
	testCases := []struct {
		name    string
		headers Headers
		bad     bool
	}{
		{"absent", nil, false},
		{"plain", Headers{{"Content-Length", "42"}}, false},
		{"blanks", Headers{{"Content-Length", " 42 "}}, false},
		{"zero", Headers{{"Content-Length", "0"}}, false},
		{"repeated", Headers{{"Content-Length", "42"}, {"content-length", "42"}}, false},
		{"negative", Headers{{"Content-Length", "-5"}}, true},
		{"signed", Headers{{"Content-Length", "+5"}}, true},
		{"empty", Headers{{"Content-Length", ""}}, true},
		{"junk", Headers{{"Content-Length", "42abc"}}, true},
		{"overflow", Headers{{"Content-Length", "9223372036854775808"}}, true},
		{"disagree", Headers{{"Content-Length", "42"}, {"Content-Length", "43"}}, true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			resp := response(200, testCase.headers...)
			require.Equal(t, testCase.bad, resp.BadContentLength())
		})
	}
}
