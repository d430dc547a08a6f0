package httpproxy

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"scanproxy/connpool"
	"scanproxy/message"
	"scanproxy/scanner"
	"scanproxy/upstream"
	"scanproxy/upstream/authenticate"

	"github.com/stretchr/testify/require"
)

// parentFunc answers one request on the fake parent. closeConn drops the
// connection after the reply.
type parentFunc func(req *message.Message, body []byte) (reply string, closeConn bool)

type fakeParent struct {
	addr     string
	accepted atomic.Int32
	seen     chan *message.Message
}

func startParent(t *testing.T, handle parentFunc) *fakeParent {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	p := &fakeParent{addr: ln.Addr().String(), seen: make(chan *message.Message, 16)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			p.accepted.Add(1)
			go p.serve(conn, handle)
		}
	}()
	return p
}

func (p *fakeParent) serve(conn net.Conn, handle parentFunc) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		req := message.New()
		if err := message.ReceiveHeaders(r, req); err != nil {
			return
		}
		n, _ := strconv.Atoi(req.Headers.Get("Content-Length"))
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}
		p.seen <- req
		reply, closeConn := handle(req, body)
		if _, err := io.WriteString(conn, reply); err != nil {
			return
		}
		if req.IsMethod("CONNECT") && strings.HasPrefix(reply, "HTTP/1.1 200") {
			io.Copy(conn, r)
			return
		}
		if closeConn {
			return
		}
	}
}

func startProxy(t *testing.T, parents ...string) (*Proxy, string) {
	return serveProxy(t, &upstream.Gateway{Parents: parents, Timeout: time.Second})
}

func serveProxy(t *testing.T, gateway *upstream.Gateway) (*Proxy, string) {
	prx := NewProxy(gateway, connpool.New())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		ln.Close()
		prx.Pool.Close()
	})
	go prx.Serve(ln)
	return prx, ln.Addr().String()
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialProxy(t *testing.T, addr string) *client {
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	return &client{t: t, conn: conn, r: bufio.NewReader(conn)}
}

// do sends raw and reads one response with its body.
func (c *client) do(raw string) (*message.Message, string) {
	_, err := io.WriteString(c.conn, raw)
	require.NoError(c.t, err)
	resp := message.New()
	require.NoError(c.t, message.ReceiveHeaders(c.r, resp))
	length := message.DetermineBodyLength(message.NewRequest("GET", "http://x/", "1.1"), resp)
	var body bytes.Buffer
	_, err = message.CopyBody(&body, c.r, length, resp.IsChunked())
	require.NoError(c.t, err)
	return resp, body.String()
}

func TestForwardReusesParentConnection(t *testing.T) {
	parent := startParent(t, func(req *message.Message, body []byte) (string, bool) {
		return "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", false
	})
	prx, addr := startProxy(t, parent.addr)
	c := dialProxy(t, addr)

	resp, body := c.do("GET http://www.example.com/a HTTP/1.1\r\nHost: www.example.com\r\nProxy-Authorization: Basic Zm9vOmJhcg==\r\n\r\n")
	require.Equal(t, 200, resp.Code)
	require.Equal(t, "hello", body)

	seen := <-parent.seen
	require.Equal(t, "GET", seen.Method)
	require.Equal(t, "http://www.example.com/a", seen.URL)
	require.Equal(t, "keep-alive", seen.Headers.Get("Proxy-Connection"))
	require.False(t, seen.Headers.Has("Proxy-Authorization"))

	require.Eventually(t, func() bool { return prx.Pool.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	resp, body = c.do("GET http://www.example.com/b HTTP/1.1\r\nHost: www.example.com\r\n\r\n")
	require.Equal(t, 200, resp.Code)
	require.Equal(t, "hello", body)
	require.Equal(t, int32(1), parent.accepted.Load())
}

func TestRetryOnStalePooledConnection(t *testing.T) {
	parent := startParent(t, func(req *message.Message, body []byte) (string, bool) {
		return "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", true
	})
	prx, addr := startProxy(t, parent.addr)
	c := dialProxy(t, addr)

	_, body := c.do("GET http://www.example.com/a HTTP/1.1\r\n\r\n")
	require.Equal(t, "ok", body)
	require.Eventually(t, func() bool { return prx.Pool.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	resp, body := c.do("GET http://www.example.com/b HTTP/1.1\r\n\r\n")
	require.Equal(t, 200, resp.Code)
	require.Equal(t, "ok", body)
	require.Equal(t, int32(2), parent.accepted.Load())
}

// scanningPage is the head of a scanning page padded to the sample size.
func scanningPage() string {
	head := "<html><head><title>Downloading status</title></head>\n" +
		"<script>var ISAServerUniqueID=\"XYZ\";</script>\n"
	return head + strings.Repeat(" ", scanner.SampleSize-2-len(head)) + "\n"
}

func TestScanningPageRefetch(t *testing.T) {
	file := strings.Repeat("f", 100)
	posted := make(chan string, 1)
	parent := startParent(t, func(req *message.Message, body []byte) (string, bool) {
		if req.IsMethod("POST") {
			posted <- string(body)
			return "HTTP/1.1 200 OK\r\nContent-Type: application/zip\r\n\r\n" + file, false
		}
		return "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nProxy-Connection: close\r\n\r\n" +
			scanningPage() +
			" UpdatePage(0, \"To be downloaded 100\");\n" +
			"DownloadFinished(\"done\",\"/dl/file.zip\");\n", true
	})
	prx, addr := startProxy(t, parent.addr)
	prx.Policy = func() (scanner.Policy, bool) { return scanner.Policy{}, true }
	c := dialProxy(t, addr)

	resp, body := c.do("GET http://downloads.example.com/file.zip HTTP/1.1\r\nHost: downloads.example.com\r\nUser-Agent: Mozilla/5.0\r\n\r\n")
	require.Equal(t, 200, resp.Code)
	require.Equal(t, "0 of 100", resp.Headers.Get("ISA-Scanner"))
	require.Equal(t, "application/zip", resp.Headers.Get("Content-Type"))
	require.Equal(t, "100", resp.Headers.Get("Content-Length"))
	require.Equal(t, file, body)
	require.Equal(t, "XYZurl=%2Fdl%2Ffile.zip&XYZSaveToDisk=YES&XYZOrig=http%3A%2F%2Fdownloads.example.com%2Ffile.zip", <-posted)
}

func TestRefetchLengthMismatchNotPooled(t *testing.T) {
	parent := startParent(t, func(req *message.Message, body []byte) (string, bool) {
		switch {
		case req.IsMethod("POST"):
			return "HTTP/1.1 200 OK\r\nContent-Length: 150\r\n\r\n" + strings.Repeat("f", 150), false
		case req.URL == "http://www.example.com/next":
			return "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello", false
		}
		return "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nProxy-Connection: close\r\n\r\n" +
			scanningPage() +
			" UpdatePage(0, \"To be downloaded 100\");\n" +
			"DownloadFinished(\"done\",\"/dl/file.zip\");\n", true
	})
	prx, addr := startProxy(t, parent.addr)
	prx.Policy = func() (scanner.Policy, bool) { return scanner.Policy{}, true }
	c := dialProxy(t, addr)

	resp, body := c.do("GET http://downloads.example.com/file.zip HTTP/1.1\r\nHost: downloads.example.com\r\n\r\n")
	require.Equal(t, "100", resp.Headers.Get("Content-Length"))
	require.Equal(t, strings.Repeat("f", 100), body)
	require.Never(t, func() bool { return prx.Pool.Len() != 0 }, 100*time.Millisecond, 10*time.Millisecond)

	// the next request must not read the rest of the file
	resp, body = c.do("GET http://www.example.com/next HTTP/1.1\r\n\r\n")
	require.Equal(t, 200, resp.Code)
	require.Equal(t, "hello", body)
	require.Equal(t, int32(3), parent.accepted.Load())
}

func TestInvalidResponseLengthClosesConnection(t *testing.T) {
	testCases := []struct {
		name  string
		reply string
		body  string
	}{
		{"negative", "HTTP/1.1 200 OK\r\nContent-Length: -5\r\n\r\n", ""},
		{"overflow", "HTTP/1.1 200 OK\r\nContent-Length: 18446744073709551616\r\n\r\nhello", "hello"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			parent := startParent(t, func(req *message.Message, body []byte) (string, bool) {
				return testCase.reply, testCase.body != ""
			})
			prx, addr := startProxy(t, parent.addr)
			c := dialProxy(t, addr)

			_, err := io.WriteString(c.conn, "GET http://www.example.com/ HTTP/1.1\r\n\r\n")
			require.NoError(t, err)
			resp := message.New()
			require.NoError(t, message.ReceiveHeaders(c.r, resp))
			require.Equal(t, 200, resp.Code)
			body, err := io.ReadAll(c.r)
			require.NoError(t, err)
			require.Equal(t, testCase.body, string(body))
			require.Zero(t, prx.Pool.Len())
		})
	}
}

func TestInvalidRequestLength(t *testing.T) {
	parent := startParent(t, func(req *message.Message, body []byte) (string, bool) {
		return "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", false
	})
	_, addr := startProxy(t, parent.addr)
	c := dialProxy(t, addr)

	resp, _ := c.do("POST http://www.example.com/ HTTP/1.1\r\nContent-Length: -1\r\n\r\n")
	require.Equal(t, 400, resp.Code)
	require.Zero(t, parent.accepted.Load())
}

func TestPooledConnectionKeepsBasicCredentials(t *testing.T) {
	credentials := "Basic " + base64.StdEncoding.EncodeToString([]byte("bob:pw"))
	parent := startParent(t, func(req *message.Message, body []byte) (string, bool) {
		if req.Headers.Get("Proxy-Authorization") != credentials {
			return "HTTP/1.1 407 Proxy Authentication Required\r\nContent-Length: 0\r\n\r\n", false
		}
		return "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + string(body), false
	})
	prx, addr := serveProxy(t, &upstream.Gateway{
		Parents: []string{parent.addr},
		Timeout: time.Second,
		Auth:    authenticate.New(authenticate.Credentials{Methods: []string{"basic"}, BasicUser: "bob", BasicPass: "pw"}),
	})
	c := dialProxy(t, addr)

	resp, _ := c.do("GET http://www.example.com/ HTTP/1.1\r\n\r\n")
	require.Equal(t, 200, resp.Code)
	require.Eventually(t, func() bool { return prx.Pool.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// too large to replay, so it only succeeds on the pooled connection
	upload := strings.Repeat("u", 70<<10)
	resp, body := c.do("POST http://www.example.com/upload HTTP/1.1\r\nContent-Length: " + strconv.Itoa(len(upload)) + "\r\n\r\n" + upload)
	require.Equal(t, 200, resp.Code)
	require.Equal(t, upload, body)
	require.Equal(t, int32(1), parent.accepted.Load())
}

func TestScanningDisabledPassesPage(t *testing.T) {
	page := scanningPage() + " UpdatePage(0, \"To be downloaded 100\");\n"
	parent := startParent(t, func(req *message.Message, body []byte) (string, bool) {
		return "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nProxy-Connection: close\r\n\r\n" + page, true
	})
	prx, addr := startProxy(t, parent.addr)
	prx.Policy = func() (scanner.Policy, bool) { return scanner.Policy{}, false }
	c := dialProxy(t, addr)

	_, err := io.WriteString(c.conn, "GET http://downloads.example.com/file.zip HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	resp := message.New()
	require.NoError(t, message.ReceiveHeaders(c.r, resp))
	require.False(t, resp.Headers.Has("ISA-Scanner"))
	body, err := io.ReadAll(c.r)
	require.NoError(t, err)
	require.Equal(t, page, string(body))
}

func TestLocalAuthentication(t *testing.T) {
	parent := startParent(t, func(req *message.Message, body []byte) (string, bool) {
		return "HTTP/1.1 204 No Content\r\n\r\n", false
	})
	prx, addr := startProxy(t, parent.addr)
	prx.OnAuth = func(ctx *Context, authType string, user string, pass string) bool {
		return authType == "Basic" && user == "alice" && pass == "secret"
	}
	c := dialProxy(t, addr)

	resp, body := c.do("GET http://www.example.com/ HTTP/1.1\r\n\r\n")
	require.Equal(t, 407, resp.Code)
	require.Equal(t, `Basic realm="scanproxy"`, resp.Headers.Get("Proxy-Authenticate"))
	require.Equal(t, "Proxy Authentication Required", body)

	wrong := base64.StdEncoding.EncodeToString([]byte("alice:wrong"))
	resp, body = c.do("GET http://www.example.com/ HTTP/1.1\r\nProxy-Authorization: Basic " + wrong + "\r\n\r\n")
	require.Equal(t, 407, resp.Code)
	require.Equal(t, "Proxy Authentication Required [Unauthorized]", body)

	right := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	resp, _ = c.do("GET http://www.example.com/ HTTP/1.1\r\nProxy-Authorization: Basic " + right + "\r\n\r\n")
	require.Equal(t, 204, resp.Code)
	require.False(t, (<-parent.seen).Headers.Has("Proxy-Authorization"))
}

func TestConnectTunnel(t *testing.T) {
	parent := startParent(t, func(req *message.Message, body []byte) (string, bool) {
		return "HTTP/1.1 200 Connection established\r\n\r\n", false
	})
	_, addr := startProxy(t, parent.addr)
	c := dialProxy(t, addr)

	_, err := io.WriteString(c.conn, "CONNECT secure.example.com:8443 HTTP/1.1\r\nHost: secure.example.com:8443\r\nUser-Agent: curl\r\n\r\n")
	require.NoError(t, err)
	resp := message.New()
	require.NoError(t, message.ReceiveHeaders(c.r, resp))
	require.Equal(t, 200, resp.Code)

	seen := <-parent.seen
	require.Equal(t, "secure.example.com:8443", seen.URL)
	require.Equal(t, "curl", seen.Headers.Get("User-Agent"))

	_, err = io.WriteString(c.conn, "ping")
	require.NoError(t, err)
	echo := make([]byte, 4)
	_, err = io.ReadFull(c.r, echo)
	require.NoError(t, err)
	require.Equal(t, "ping", string(echo))
}

func TestConnectRefused(t *testing.T) {
	parent := startParent(t, func(req *message.Message, body []byte) (string, bool) {
		return "HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n", true
	})
	_, addr := startProxy(t, parent.addr)
	c := dialProxy(t, addr)

	resp, body := c.do("CONNECT blocked.example.com:443 HTTP/1.1\r\n\r\n")
	require.Equal(t, 403, resp.Code)
	require.Equal(t, "CONNECT tunnel failed", body)
}

func TestNoParentReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	_, addr := startProxy(t, dead)
	c := dialProxy(t, addr)

	resp, body := c.do("GET http://www.example.com/ HTTP/1.1\r\n\r\n")
	require.Equal(t, 502, resp.Code)
	require.Equal(t, "Bad Gateway", body)
}

func TestNonProxyRequest(t *testing.T) {
	_, addr := startProxy(t)
	c := dialProxy(t, addr)

	resp, _ := c.do("GET /index.html HTTP/1.1\r\nHost: localhost\r\n\r\n")
	require.Equal(t, 500, resp.Code)
	require.Equal(t, "close", resp.Headers.Get("Proxy-Connection"))
}

func TestBadRequest(t *testing.T) {
	_, addr := startProxy(t)
	c := dialProxy(t, addr)

	resp, _ := c.do("HTTP/1.1 200 OK\r\n\r\n")
	require.Equal(t, 400, resp.Code)
}
