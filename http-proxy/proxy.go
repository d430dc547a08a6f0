package httpproxy

import (
	"errors"
	"net"
	"scanproxy/connpool"
	"scanproxy/logging"
	"scanproxy/scanner"
	"scanproxy/socket"
	"scanproxy/viruscheck"
	"sync/atomic"
	"time"
)

// Proxy defines parameters for running the forwarding proxy. Set the fields
// before calling Serve.
type Proxy struct {
	// Session number of last proxy request.
	SessionNo int64

	// Parent proxy connections.
	Gateway scanner.Dialer

	// Authenticated idle parent connections.
	Pool *connpool.Pool

	// ISA scanning page handler, nil disables it.
	Scanner *scanner.Engine

	// Policy returns the current scanner policy and whether the scanner is
	// enabled. It is read once per request.
	Policy func() (scanner.Policy, bool)

	// Optional clamd scanner for length delimited response bodies.
	Clamd *viruscheck.ClamdStruct

	// Idle time allowed between two requests of a client.
	ReadTimeout time.Duration

	// Error callback.
	OnError func(ctx *Context, where string, err *Error, opErr error)

	// Auth callback. If you need authentication, set this callback.
	// If it returns true, authentication succeeded.
	OnAuth func(ctx *Context, authType string, user string, pass string) bool

	// HTTP Authentication type. If it's not specified (""), uses "Basic".
	AuthType string
}

// NewProxy returns a Proxy forwarding through gateway with the scanning page
// handler enabled.
func NewProxy(gateway scanner.Dialer, pool *connpool.Pool) *Proxy {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), 0)
	return &Proxy{
		Gateway: gateway,
		Pool:    pool,
		Scanner: scanner.New(pool, gateway),
	}
}

// Serve accepts client connections until the listener is closed.
func (prx *Proxy) Serve(ln net.Listener) error {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), 0)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.Printf("ERROR", "Serve: SessionID:%d Accept error: %v\n", 0, err)
			return err
		}
		go prx.handleConn(conn)
	}
}

// handleConn serves the requests of one client connection in order.
func (prx *Proxy) handleConn(conn net.Conn) {
	client := socket.New(conn)
	defer client.Close()
	for {
		ctx := &Context{Prx: prx, SessionNo: atomic.AddInt64(&prx.SessionNo, 1), Client: client}
		if !ctx.serve() {
			return
		}
	}
}

// policy returns the scanner policy for one request.
func (prx *Proxy) policy() (scanner.Policy, bool) {
	if prx.Scanner == nil || prx.Policy == nil {
		return scanner.Policy{}, false
	}
	return prx.Policy()
}
