package connpool

import (
	"net"
	"runtime"
	"sync"
	"testing"

	"scanproxy/socket"

	"github.com/stretchr/testify/require"
)

func newConn(t *testing.T) *socket.Conn {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return socket.New(a)
}

func TestPoolTakeOffer(t *testing.T) {
	p := New()
	require.Nil(t, p.Take())

	c1 := newConn(t)
	c2 := newConn(t)
	p.Offer(c1)
	p.Offer(c2)
	p.Offer(c2)
	p.Offer(nil)
	require.Equal(t, 2, p.Len())

	require.Same(t, c2, p.Take())
	require.Same(t, c1, p.Take())
	require.Nil(t, p.Take())
	require.Zero(t, p.Len())
}

func TestPoolClose(t *testing.T) {
	p := New()
	a, b := net.Pipe()
	defer b.Close()
	p.Offer(socket.New(a))
	p.Close()
	require.Zero(t, p.Len())

	_, err := a.Write([]byte("x"))
	require.Error(t, err)
}

func TestPoolConcurrentHandout(t *testing.T) {
	const workers = 16
	const rounds = 200

	p := New()
	conns := make([]*socket.Conn, workers/2)
	for i := range conns {
		conns[i] = newConn(t)
		p.Offer(conns[i])
	}

	var mu sync.Mutex
	inUse := make(map[*socket.Conn]bool)
	var wg sync.WaitGroup
	var failures int

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				c := p.Take()
				if c == nil {
					continue
				}
				mu.Lock()
				if inUse[c] {
					failures++
				}
				inUse[c] = true
				mu.Unlock()

				// hold the connection so a second handout would overlap
				for j := 0; j < 10; j++ {
					runtime.Gosched()
				}

				mu.Lock()
				inUse[c] = false
				mu.Unlock()
				p.Offer(c)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, failures)
	require.Equal(t, len(conns), p.Len())
}
