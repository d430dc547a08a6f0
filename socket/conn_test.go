package socket

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnMixedReads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		server.Write([]byte("first line\r\nsecond"))
		server.Close()
	}()

	c := New(client)
	line, err := c.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "first line\r\n", line)

	rest, err := io.ReadAll(c)
	require.NoError(t, err)
	require.Equal(t, "second", string(rest))
}

func TestConnPartialLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		server.Write([]byte("no newline"))
		server.Close()
	}()

	line, err := New(client).ReadLine()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, "no newline", line)
}

func TestDial(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("hello\n"))
		conn.Close()
	}()

	c, err := Dial(listener.Addr().String(), time.Second, time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, listener.Addr().String(), c.Peer)
	require.Contains(t, c.String(), "->")

	line, err := c.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "hello\n", line)
}
