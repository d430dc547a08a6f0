package httpproxy

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"scanproxy/logging"
	"scanproxy/message"
	"scanproxy/scanner"
	"scanproxy/socket"
	"scanproxy/upstream/proxydial"
	"strconv"
	"strings"
	"sync"
	"time"
)

// request bodies up to this size are kept for a retry after a 407 on a
// pooled parent connection
const maxReplayBody = 64 << 10

// Context keeps context of each proxy request.
type Context struct {
	// Pointer of Proxy struct handled this context.
	Prx *Proxy

	// Session number of this context obtained from Proxy struct.
	SessionNo int64

	// Client connection, shared by the requests of a keep-alive session.
	Client *socket.Conn

	// Client request.
	Req *message.Message

	// Parent response and the connection it arrives on.
	Resp   *message.Message
	Server *socket.Conn

	AccessLog logging.AccessLogRecord
}

// countingWriter counts the bytes passed to w.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (ctx *Context) onAuth(authType string, user string, pass string) (ok bool) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	defer func() {
		if err, isErr := recover().(error); isErr {
			ctx.doError("Auth", ErrPanic, err)
			ok = false
		}
	}()
	return ctx.Prx.OnAuth(ctx, authType, user, pass)
}

func (ctx *Context) doError(where string, err *Error, opErr error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	if ctx.Prx.OnError == nil {
		return
	}
	ctx.Prx.OnError(ctx, where, err, opErr)
}

// serve handles one request of the client connection and reports whether
// the connection can carry another one.
func (ctx *Context) serve() (keepAlive bool) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	defer func() {
		if err, ok := recover().(error); ok {
			ctx.doError("Serve", ErrPanic, err)
			keepAlive = false
		}
	}()

	if ctx.Prx.ReadTimeout > 0 {
		ctx.Client.SetReadDeadline(time.Now().Add(ctx.Prx.ReadTimeout))
	}
	req := message.New()
	err := message.ReceiveHeaders(ctx.Client.Reader(), req)
	if ctx.Prx.ReadTimeout > 0 {
		ctx.Client.SetReadDeadline(time.Time{})
	}
	if err != nil {
		if !isConnectionClosed(err) && !errors.Is(err, io.ErrUnexpectedEOF) {
			ctx.doError("Request", ErrRequestRead, err)
			ctx.serveInMemory(ctx.Client, 400, nil, "Bad Request", false)
		}
		return false
	}
	if !req.IsRequest() {
		ctx.doError("Request", ErrRequestRead, message.ErrNoProtocolLine)
		ctx.serveInMemory(ctx.Client, 400, nil, "Bad Request", false)
		return false
	}
	ctx.Req = req
	ctx.initAccessLog()
	clientClose := req.WantsClose()
	if !req.IsChunked() && req.BadContentLength() {
		ctx.doError("Request", ErrRequestRead, message.ErrBadContentLength)
		ctx.AccessLog.Status = "400 invalid Content-Length"
		ctx.serveInMemory(ctx.Client, 400, nil, "Bad Request", false)
		ctx.finishAccessLog()
		return false
	}

	if ctx.doAuth() {
		ctx.finishAccessLog()
		return !clientClose
	}
	req.Headers.Del("Proxy-Authorization")
	req.Headers.Del("Proxy-Authenticate")

	if req.IsMethod("CONNECT") {
		ctx.doConnect()
		return false
	}
	if !strings.Contains(req.URL, "://") {
		ctx.doError("Request", ErrNotProxyRequest, nil)
		ctx.AccessLog.Status = "500 not a proxy request"
		ctx.serveInMemory(ctx.Client, 500, nil, "This is a proxy server. Does not respond to non-proxy requests.", false)
		ctx.finishAccessLog()
		return false
	}
	logging.Printf("INFO", "serve: SessionID:%d Process URL: %s\n", ctx.SessionNo, req.URL)
	return ctx.doRequest() && !clientClose
}

func (ctx *Context) initAccessLog() {
	ctx.AccessLog.Proxy, _ = os.Hostname()
	ctx.AccessLog.ProxyIP = ctx.Client.LocalAddr().String()
	ctx.AccessLog.SessionID = ctx.SessionNo
	ctx.AccessLog.SourceIP = ctx.Client.RemoteAddr().String()
	ctx.AccessLog.UserAgent = ctx.Req.Headers.Get("User-Agent")
	ctx.AccessLog.ForwardedIP = ""
	if forwardedValues := ctx.Req.Headers.Values("X-Forwarded-For"); len(forwardedValues) > 0 {
		ctx.AccessLog.ForwardedIP = strings.Join(forwardedValues, ",")
	} else if forwardedValues := ctx.Req.Headers.Values("Forwarded"); len(forwardedValues) > 0 {
		ctx.AccessLog.ForwardedIP = strings.Join(forwardedValues, ",")
	}
	ctx.AccessLog.Method = ctx.Req.Method
	ctx.AccessLog.Url = ctx.Req.URL
	ctx.AccessLog.Version = "HTTP/" + ctx.Req.Proto
	ctx.AccessLog.Starttime = time.Now()
	ctx.AccessLog.Endtime = ctx.AccessLog.Starttime
}

func (ctx *Context) finishAccessLog() {
	ctx.AccessLog.Endtime = time.Now()
	ctx.AccessLog.Duration = ctx.AccessLog.Endtime.Sub(ctx.AccessLog.Starttime)
	logging.AccesslogWrite(ctx.AccessLog)
}

// serveInMemory writes a complete plain text response.
func (ctx *Context) serveInMemory(w io.Writer, code int, headers message.Headers, body string, keepAlive bool) error {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	resp := message.NewResponse("1.1", code, message.StatusText(code))
	resp.Headers = headers.Clone()
	resp.Headers.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Headers.Set("Content-Length", strconv.Itoa(len(body)))
	if keepAlive {
		resp.Headers.Set("Proxy-Connection", "keep-alive")
	} else {
		resp.Headers.Set("Proxy-Connection", "close")
	}
	err := message.SendHeaders(w, resp)
	if err == nil {
		_, err = io.WriteString(w, body)
	}
	if err != nil && !isConnectionClosed(err) {
		ctx.doError("Response", ErrResponseWrite, err)
	}
	return err
}

// requestBody returns the framing of the client request body. A request
// body is never delimited by the connection close.
func requestBody(req *message.Message) (message.BodyLength, bool) {
	chunked := req.IsChunked()
	length := message.DetermineBodyLength(req, message.New())
	if length.Kind == message.UntilClose && !chunked {
		length = message.BodyLength{Kind: message.NoBody}
	}
	return length, chunked
}

func (ctx *Context) doAuth() bool {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	if ctx.Prx.OnAuth == nil {
		return false
	}
	prxAuthType := ctx.Prx.AuthType
	if prxAuthType == "" {
		prxAuthType = "Basic"
	}
	unauthorized := false
	authParts := strings.SplitN(ctx.Req.Headers.Get("Proxy-Authorization"), " ", 2)
	if len(authParts) >= 2 && strings.EqualFold(authParts[0], prxAuthType) {
		unauthorized = true
		userpassraw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(authParts[1]))
		if err == nil {
			userpass := strings.SplitN(string(userpassraw), ":", 2)
			if len(userpass) >= 2 && ctx.onAuth(prxAuthType, userpass[0], userpass[1]) {
				return false
			}
		}
	}

	length, chunked := requestBody(ctx.Req)
	err := message.DrainBody(ctx.Client.Reader(), length, chunked)
	if err != nil {
		ctx.doError("Auth", ErrRequestRead, err)
	}
	respBody := "Proxy Authentication Required"
	if unauthorized {
		respBody += " [Unauthorized]"
	}
	ctx.AccessLog.Status = "407 " + respBody
	ctx.serveInMemory(ctx.Client, 407, message.Headers{{Name: "Proxy-Authenticate", Value: prxAuthType + ` realm="scanproxy"`}}, respBody, err == nil && !ctx.Req.WantsClose())
	return true
}

func (ctx *Context) doConnect() {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	defer ctx.finishAccessLog()

	remoteConn, resp, err := proxydial.PrxDial(ctx.SessionNo, ctx.Prx.Gateway, ctx.Req)
	if err != nil {
		ctx.doError("Connect", ErrRemoteConnect, err)
		code := 502
		if resp != nil {
			code = resp.Code
		}
		ctx.AccessLog.Status = fmt.Sprintf("%d %s", code, err.Error())
		ctx.serveInMemory(ctx.Client, code, nil, "CONNECT tunnel failed", false)
		return
	}
	defer remoteConn.Close()
	ctx.AccessLog.UpstreamProxyIP = remoteConn.Peer

	if _, err := io.WriteString(ctx.Client, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		if !isConnectionClosed(err) {
			ctx.doError("Connect", ErrResponseWrite, err)
		}
		ctx.AccessLog.Status = "500 " + err.Error()
		return
	}
	ctx.AccessLog.Status = "200 OK"
	logging.Printf("DEBUG", "doConnect: SessionID:%d New Connection to %s\n", ctx.SessionNo, ctx.Req.URL)

	var wg sync.WaitGroup
	var bytesOut, bytesIn int64
	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := io.Copy(remoteConn, ctx.Client)
		bytesOut = n
		if err != nil && !isConnectionClosed(err) {
			ctx.doError("Connect", ErrRequestRead, err)
		}
		closeWrite(remoteConn)
	}()
	go func() {
		defer wg.Done()
		n, err := io.Copy(ctx.Client, remoteConn)
		bytesIn = n
		if err != nil && !isConnectionClosed(err) {
			ctx.doError("Connect", ErrResponseWrite, err)
		}
		closeWrite(ctx.Client)
	}()
	wg.Wait()
	ctx.AccessLog.BytesOUT += bytesOut
	ctx.AccessLog.BytesIN += bytesIn
	logging.Printf("DEBUG", "doConnect: SessionID:%d Connection closed\n", ctx.SessionNo)
}

// closeWrite half-closes TCP connections and fully closes anything else.
func closeWrite(conn *socket.Conn) {
	if c, ok := conn.Conn.(*net.TCPConn); ok {
		c.CloseWrite()
		return
	}
	conn.Close()
}

// parentConn returns a pooled parent connection, or a new authenticated one.
// fresh reports whether the handshake ran on it.
func (ctx *Context) parentConn(req *message.Message) (conn *socket.Conn, fresh bool, err error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	if ctx.Prx.Pool != nil {
		if conn := ctx.Prx.Pool.Take(); conn != nil {
			logging.Printf("DEBUG", "parentConn: SessionID:%d Use pooled connection %s\n", ctx.SessionNo, conn)
			err = ctx.Prx.Gateway.Prepare(ctx.SessionNo, conn, req)
			if err == nil {
				return conn, false, nil
			}
			logging.Printf("ERROR", "parentConn: SessionID:%d Could not prepare pooled connection: %v\n", ctx.SessionNo, err)
			conn.Close()
		}
	}
	conn, err = ctx.newParent(req)
	return conn, true, err
}

func (ctx *Context) newParent(req *message.Message) (*socket.Conn, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	conn, err := ctx.Prx.Gateway.Connect(ctx.SessionNo, req.URL)
	if err != nil {
		return nil, err
	}
	status, err := ctx.Prx.Gateway.Authenticate(ctx.SessionNo, conn, req)
	if status <= 0 || status == 500 {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("%w: status %d", scanner.ErrAuthFailed, status)
		}
		return nil, err
	}
	return conn, nil
}

// exchange sends req with its body on server and returns the final response
// headers. Interim 1xx responses are passed on to the client.
func (ctx *Context) exchange(server *socket.Conn, req *message.Message, body []byte, length message.BodyLength, chunked bool) (*message.Message, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	out := &countingWriter{w: server}
	err := message.SendHeaders(out, req)
	if err == nil {
		switch {
		case body != nil:
			_, err = out.Write(body)
		case chunked || length.Kind != message.NoBody:
			_, err = message.CopyBody(out, ctx.Client.Reader(), length, chunked)
		}
	}
	ctx.AccessLog.BytesOUT += out.n
	if err != nil {
		return nil, err
	}
	for {
		resp := message.New()
		err = message.ReceiveHeaders(server.Reader(), resp)
		if err != nil {
			return nil, err
		}
		if resp.Code < 100 || resp.Code >= 200 || resp.Code == 101 {
			return resp, nil
		}
		logging.Printf("DEBUG", "exchange: SessionID:%d Interim response %d\n", ctx.SessionNo, resp.Code)
		err = message.SendHeaders(ctx.Client, resp)
		if err != nil {
			return nil, err
		}
	}
}

func (ctx *Context) doRequest() bool {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	req := ctx.Req
	length, chunked := requestBody(req)
	retryable := !chunked && (length.Kind == message.NoBody || length.Length <= maxReplayBody)
	var body []byte
	if retryable && length.Kind == message.ExactLength {
		body = make([]byte, length.Length)
		if _, err := io.ReadFull(ctx.Client.Reader(), body); err != nil {
			ctx.doError("Request", ErrRequestRead, err)
			return false
		}
	}
	req.Headers.Set("Proxy-Connection", "keep-alive")

	server, fresh, err := ctx.parentConn(req)
	var resp *message.Message
	if err == nil {
		resp, err = ctx.exchange(server, req, body, length, chunked)
	}
	if !fresh && retryable && (err != nil || resp.Code == 407) {
		// a pooled connection may have been closed or lost its authentication
		logging.Printf("DEBUG", "doRequest: SessionID:%d Pooled connection failed, retry on a new one: %v\n", ctx.SessionNo, err)
		server.Close()
		server, err = ctx.newParent(req)
		if err == nil {
			resp, err = ctx.exchange(server, req, body, length, chunked)
		}
	}
	if err != nil {
		if server != nil {
			server.Close()
		}
		ctx.doError("Request", ErrRoundTrip, err)
		ctx.AccessLog.Status = "502 " + err.Error()
		ctx.serveInMemory(ctx.Client, 502, nil, "Bad Gateway", false)
		ctx.finishAccessLog()
		return false
	}
	ctx.AccessLog.UpstreamProxyIP = server.Peer
	ctx.Server = server
	ctx.Resp = resp
	return ctx.doResponse()
}

func (ctx *Context) doResponse() bool {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	defer ctx.finishAccessLog()
	client := &countingWriter{w: ctx.Client}
	defer func() {
		ctx.AccessLog.BytesIN += client.n
	}()

	result := scanner.Pass
	closeServer := false
	ctx.AccessLog.Scanner = scanner.ActionPass
	if policy, enabled := ctx.Prx.policy(); enabled {
		outcome := ctx.Prx.Scanner.Inspect(ctx.SessionNo, ctx.Req, ctx.Resp, client, ctx.Server, policy)
		ctx.AccessLog.Scanner = outcome.Action
		ctx.Resp, ctx.Server = outcome.Response, outcome.Server
		result = outcome.Result
		closeServer = outcome.CloseServer
	}
	req, resp, server := ctx.Req, ctx.Resp, ctx.Server
	ctx.AccessLog.Status = fmt.Sprintf("%d %s", resp.Code, resp.Reason)
	if result.Fatal {
		server.Close()
		ctx.AccessLog.Status = "500 client write failed"
		return false
	}

	length := message.DetermineBodyLength(req, resp)
	chunked := resp.IsChunked()
	var err error
	if result.SendHeaders && !resp.SkipProtocolLine && !chunked && length.Kind == message.ExactLength && !resp.BadContentLength() && ctx.Prx.Clamd.Accepts(length.Length) {
		err = ctx.doVirusCheck(client, server, resp, length)
		result = scanner.Result{}
	}
	if err == nil && result.SendHeaders {
		err = message.SendHeaders(client, resp)
	}
	if err == nil && result.SendBody {
		_, err = message.CopyBody(client, server.Reader(), length, chunked)
	}
	if err != nil {
		server.Close()
		if !isConnectionClosed(err) {
			ctx.doError("Response", ErrResponseWrite, err)
		}
		ctx.AccessLog.Status = "500 " + err.Error()
		return false
	}

	keepAlive := (chunked || length.Kind != message.UntilClose) && !resp.WantsClose()
	if !chunked && resp.BadContentLength() {
		logging.Printf("DEBUG", "doResponse: SessionID:%d Invalid Content-Length %q, closing\n", ctx.SessionNo, resp.Headers.Get("Content-Length"))
		keepAlive = false
	}
	// a length the parent did not frame the body with may leave bytes behind
	if keepAlive && !closeServer && ctx.Prx.Pool != nil {
		ctx.Prx.Pool.Offer(server)
	} else {
		server.Close()
	}
	return keepAlive
}

// doVirusCheck reads the body into memory and forwards it unless clamd
// finds a virus, in which case a 403 page replaces the response.
func (ctx *Context) doVirusCheck(client io.Writer, server *socket.Conn, resp *message.Message, length message.BodyLength) error {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	data := make([]byte, length.Length)
	_, err := io.ReadFull(server.Reader(), data)
	if err != nil {
		ctx.doError("Response", ErrVirusCheck, err)
		return err
	}
	if virus, found := ctx.Prx.Clamd.HasVirus(ctx.SessionNo, data); found {
		logging.Printf("INFO", "doVirusCheck: SessionID:%d Blocked %s: %s\n", ctx.SessionNo, ctx.Req.URL, virus)
		ctx.AccessLog.VirusList = virus
		resp.Code = 403
		resp.Reason = message.StatusText(403)
		return ctx.serveInMemory(client, 403, nil, "Virus found: "+virus, !ctx.Req.WantsClose())
	}
	err = message.SendHeaders(client, resp)
	if err == nil {
		_, err = client.Write(data)
	}
	return err
}
