//go:build windows

package httpproxy

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	opErr, ok := err.(*net.OpError)
	if ok {
		switch {
		case
			errors.Is(opErr, syscall.ECONNRESET),
			errors.Is(opErr, syscall.EPROTOTYPE),
			errors.Is(opErr, syscall.EPIPE),
			errors.Is(opErr, syscall.WSAECONNABORTED):
			return true
		default:
			return false
		}
	}
	return false
}
