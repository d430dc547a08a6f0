// Package socket wraps a TCP connection with the line-buffered reader the
// proxy uses for header parsing and for the line oriented body inspection.
package socket

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

const readBufferSize = 4096

// Conn is a net.Conn whose reads all go through one bufio.Reader, so line
// reads, header reads and raw reads can be mixed without losing bytes.
type Conn struct {
	net.Conn
	r *bufio.Reader

	// Peer is the address the connection was dialed to, empty for
	// accepted connections.
	Peer string
	// Scheme is the parent authentication method the connection was set up
	// with, empty when none was used.
	Scheme string
}

func New(conn net.Conn) *Conn {
	return &Conn{Conn: conn, r: bufio.NewReaderSize(conn, readBufferSize)}
}

// Dial opens a TCP connection to addr.
func Dial(addr string, timeout time.Duration, keepAlive time.Duration) (*Conn, error) {
	dialer := net.Dialer{
		Timeout:   timeout,
		KeepAlive: keepAlive,
	}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := New(conn)
	c.Peer = addr
	return c, nil
}

// Read reads raw bytes, draining buffered data first.
func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Reader exposes the buffered reader for header and body helpers.
func (c *Conn) Reader() *bufio.Reader {
	return c.r
}

// ReadLine returns the next line including its terminator. On error the
// partial line read so far is returned together with the error.
func (c *Conn) ReadLine() (string, error) {
	return c.r.ReadString('\n')
}

// Buffered returns the number of bytes already read from the network but not
// yet consumed.
func (c *Conn) Buffered() int {
	return c.r.Buffered()
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s->%s", c.LocalAddr(), c.RemoteAddr())
}
