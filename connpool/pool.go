// Package connpool keeps upstream connections which already completed proxy
// authentication so later requests can skip the handshake.
package connpool

import (
	"sync"

	"scanproxy/socket"
)

// Pool is safe for concurrent use. A connection handed out by Take belongs to
// the caller until it is offered back.
type Pool struct {
	mu    sync.Mutex
	conns []*socket.Conn
}

func New() *Pool {
	return &Pool{}
}

// Take removes and returns the most recently offered connection, or nil when
// the pool is empty.
func (p *Pool) Take() *socket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.conns)
	if n == 0 {
		return nil
	}
	conn := p.conns[n-1]
	p.conns[n-1] = nil
	p.conns = p.conns[:n-1]
	return conn
}

// Offer stores an authenticated, idle connection for reuse.
func (p *Pool) Offer(conn *socket.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		if c == conn {
			return
		}
	}
	p.conns = append(p.conns, conn)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes and forgets every pooled connection.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
