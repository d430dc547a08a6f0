package proxydial

import (
	"errors"
	"fmt"
	"net"
	"scanproxy/logging"
	"scanproxy/message"
	"scanproxy/socket"
	"strings"
)

var ErrTunnelFailed = errors.New("CONNECT tunnel failed")

// Gateway opens and authenticates parent connections.
type Gateway interface {
	Connect(sessionNo int64, rawURL string) (*socket.Conn, error)
	Authenticate(sessionNo int64, conn *socket.Conn, req *message.Message) (int, error)
}

// PrxDial opens a CONNECT tunnel to the target of req through a parent. The
// parent's reply is returned also on failure so its status can be reported.
func PrxDial(sessionNo int64, gateway Gateway, req *message.Message) (*socket.Conn, *message.Message, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	address := req.URL
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, "443")
	}

	connectReq := message.NewRequest("CONNECT", address, "1.1")
	for _, h := range req.Headers {
		switch {
		case strings.EqualFold(h.Name, "Host"),
			strings.EqualFold(h.Name, "Proxy-Connection"),
			strings.EqualFold(h.Name, "Proxy-Authorization"):
			continue
		}
		connectReq.Headers.Add(h.Name, h.Value)
		logging.Printf("DEBUG", "PrxDial: SessionID:%d Add original header to proxy connection: %s=%s\n", sessionNo, h.Name, h.Value)
	}
	connectReq.Headers.Set("Host", address)
	connectReq.Headers.Set("Proxy-Connection", "keep-alive")

	conn, err := gateway.Connect(sessionNo, "https://"+address+"/")
	if err != nil {
		logging.Printf("ERROR", "PrxDial: SessionID:%d Error dialing to proxy: %v\n", sessionNo, err)
		return nil, nil, err
	}
	logging.Printf("DEBUG", "PrxDial: SessionID:%d Connect to %s via proxy %s\n", sessionNo, address, conn.Peer)

	status, err := gateway.Authenticate(sessionNo, conn, connectReq)
	if status <= 0 || status == 500 {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("%w: authentication status %d", ErrTunnelFailed, status)
		}
		logging.Printf("ERROR", "PrxDial: SessionID:%d Authentication with %s failed: %v\n", sessionNo, conn.Peer, err)
		return nil, nil, err
	}

	err = message.SendHeaders(conn, connectReq)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	resp := message.New()
	err = message.ReceiveHeaders(conn.Reader(), resp)
	if err != nil {
		logging.Printf("ERROR", "PrxDial: SessionID:%d Error reading response from proxy: %v\n", sessionNo, err)
		conn.Close()
		return nil, nil, err
	}
	if resp.Code != 200 {
		logging.Printf("ERROR", "PrxDial: SessionID:%d Failed to connect to %s via proxy %s. Response status: %d %s\n", sessionNo, address, conn.Peer, resp.Code, resp.Reason)
		conn.Close()
		return nil, resp, fmt.Errorf("%w, response %d", ErrTunnelFailed, resp.Code)
	}
	return conn, resp, nil
}
