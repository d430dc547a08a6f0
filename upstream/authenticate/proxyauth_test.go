//go:build !windows

package authenticate

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"net"
	"strings"
	"testing"

	"scanproxy/message"
	"scanproxy/socket"

	"github.com/stretchr/testify/require"
)

// challengeMessage builds a minimal NTLM type 2 message without target info.
func challengeMessage() []byte {
	msg := make([]byte, 48)
	copy(msg, "NTLMSSP\x00")
	binary.LittleEndian.PutUint32(msg[8:], 2)
	// empty target name at offset 48
	binary.LittleEndian.PutUint32(msg[16:], 48)
	// NEGOTIATE_UNICODE | NEGOTIATE_NTLM
	binary.LittleEndian.PutUint32(msg[20:], 0x00000201)
	copy(msg[24:32], "12345678")
	binary.LittleEndian.PutUint32(msg[44:], 48)
	return msg
}

type parentReply func(req *message.Message) string

// fakeParent answers one handshake request on a pipe and records it.
func fakeParent(t *testing.T, reply parentReply) (*socket.Conn, chan *message.Message) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	seen := make(chan *message.Message, 1)
	go func() {
		req := message.New()
		if err := message.ReceiveHeaders(bufio.NewReader(server), req); err != nil {
			close(seen)
			return
		}
		seen <- req
		server.Write([]byte(reply(req)))
	}()
	conn := socket.New(client)
	conn.Peer = "proxy.example.com:8080"
	return conn, seen
}

func request() *message.Message {
	req := message.NewRequest("POST", "http://example.com/upload", "1.1")
	req.Headers.Add("Host", "example.com")
	req.Headers.Add("Content-Length", "11")
	req.Headers.Add("Proxy-Authorization", "stale")
	return req
}

func TestNTLMHandshake(t *testing.T) {
	challenge := base64.StdEncoding.EncodeToString(challengeMessage())
	conn, seen := fakeParent(t, func(req *message.Message) string {
		return "HTTP/1.1 407 Proxy Authentication Required\r\n" +
			"Proxy-Authenticate: Basic realm=\"x\"\r\n" +
			"Proxy-Authenticate: NTLM " + challenge + "\r\n" +
			"Content-Length: 4\r\n" +
			"\r\n" +
			"deny"
	})

	auth := New(Credentials{Methods: []string{"ntlm"}, NtlmDomain: "CORP", NtlmUser: "alice", NtlmPass: "secret"})
	req := request()
	status, err := auth.Authenticate(1, conn, req)
	require.NoError(t, err)
	require.Equal(t, 407, status)

	template := <-seen
	require.NotNil(t, template)
	require.Equal(t, "POST", template.Method)
	require.Equal(t, "0", template.Headers.Get("Content-Length"))
	require.Equal(t, "keep-alive", template.Headers.Get("Proxy-Connection"))
	require.True(t, strings.HasPrefix(template.Headers.Get("Proxy-Authorization"), "NTLM "))

	final := req.Headers.Get("Proxy-Authorization")
	require.True(t, strings.HasPrefix(final, "NTLM "))
	require.NotEqual(t, template.Headers.Get("Proxy-Authorization"), final)
	require.Len(t, req.Headers.Values("Proxy-Authorization"), 1)
	require.Equal(t, "11", req.Headers.Get("Content-Length"))
	require.Zero(t, conn.Buffered())
	require.Equal(t, "ntlm", conn.Scheme)

	// the connection stays authenticated, later requests carry no header
	next := request()
	require.NoError(t, auth.Prepare(1, conn, next))
	require.False(t, next.Headers.Has("Proxy-Authorization"))
}

func TestNTLMHandshakeWithoutChallenge(t *testing.T) {
	conn, _ := fakeParent(t, func(req *message.Message) string {
		return "HTTP/1.1 407 Proxy Authentication Required\r\n" +
			"Proxy-Authenticate: Basic realm=\"x\"\r\n" +
			"Content-Length: 0\r\n" +
			"\r\n"
	})
	auth := New(Credentials{Methods: []string{"ntlm"}, NtlmUser: "alice", NtlmPass: "secret"})
	status, err := auth.Authenticate(2, conn, request())
	require.ErrorIs(t, err, ErrNoChallenge)
	require.Equal(t, 500, status)
}

func TestNTLMHandshakeNoAuthNeeded(t *testing.T) {
	conn, _ := fakeParent(t, func(req *message.Message) string {
		return "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	})
	auth := New(Credentials{Methods: []string{"ntlm"}, NtlmUser: "alice", NtlmPass: "secret"})
	status, err := auth.Authenticate(3, conn, request())
	require.NoError(t, err)
	require.Equal(t, 200, status)
}

func TestNTLMHandshakeParentGone(t *testing.T) {
	client, server := net.Pipe()
	server.Close()
	defer client.Close()

	auth := New(Credentials{Methods: []string{"ntlm"}, NtlmUser: "alice", NtlmPass: "secret"})
	status, err := auth.Authenticate(4, socket.New(client), request())
	require.Error(t, err)
	require.Zero(t, status)
}

func TestBasicAndFallthrough(t *testing.T) {
	auth := New(Credentials{Methods: []string{"ntlm", "negotiate", "basic"}, BasicUser: "bob", BasicPass: "pw"})
	req := request()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := socket.New(client)
	status, err := auth.Authenticate(5, conn, req)
	require.NoError(t, err)
	require.Equal(t, 200, status)
	require.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("bob:pw")), req.Headers.Get("Proxy-Authorization"))
	require.Equal(t, "basic", conn.Scheme)
}

func TestPrepareBasicOnReusedConnection(t *testing.T) {
	auth := New(Credentials{Methods: []string{"basic"}, BasicUser: "bob", BasicPass: "pw"})
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	conn := socket.New(client)

	_, err := auth.Authenticate(7, conn, request())
	require.NoError(t, err)

	next := request()
	next.Headers.Del("Proxy-Authorization")
	require.NoError(t, auth.Prepare(7, conn, next))
	require.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("bob:pw")), next.Headers.Get("Proxy-Authorization"))
	require.Len(t, next.Headers.Values("Proxy-Authorization"), 1)
}

func TestNoMethods(t *testing.T) {
	auth := New(Credentials{})
	req := request()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := socket.New(client)
	status, err := auth.Authenticate(6, conn, req)
	require.NoError(t, err)
	require.Equal(t, 200, status)
	require.False(t, req.Headers.Has("Proxy-Authorization"))
	require.Empty(t, conn.Scheme)

	next := request()
	require.NoError(t, auth.Prepare(6, conn, next))
	require.False(t, next.Headers.Has("Proxy-Authorization"))
}
