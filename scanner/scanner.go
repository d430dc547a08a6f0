// Package scanner handles the ISA server virus scanning page. When the parent
// answers a download with its "Downloading status" page, the engine follows
// the page's progress, keeps the client alive with progress header lines and
// finally fetches the scanned file on behalf of the client.
package scanner

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"scanproxy/connpool"
	"scanproxy/logging"
	"scanproxy/message"
	"scanproxy/socket"
)

const (
	ActionPass    = "pass"
	ActionFlush   = "flush"
	ActionRefetch = "refetch"
	ActionError   = "error"
)

var ErrAuthFailed = errors.New("parent authentication failed")

// Dialer opens and authenticates parent connections. Prepare adds the per
// request credentials to req before it is sent on a reused connection.
type Dialer interface {
	Connect(sessionNo int64, rawURL string) (*socket.Conn, error)
	Authenticate(sessionNo int64, conn *socket.Conn, req *message.Message) (int, error)
	Prepare(sessionNo int64, conn *socket.Conn, req *message.Message) error
}

// Result tells the proxy what is left to do with the response.
type Result struct {
	SendHeaders bool
	SendBody    bool
	Fatal       bool
}

var (
	// forward headers and body as usual
	Pass = Result{SendHeaders: true, SendBody: true}
	// headers and the start of the body were written already
	BodyOnly = Result{SendBody: true}
	// the client connection is broken
	Failed = Result{Fatal: true}
)

// Outcome is the result of Inspect. Response and Server replace the
// proxy's response and parent connection. CloseServer is set when the length
// of Response is not the parent's own framing, so Server must be closed after
// the body instead of being reused.
type Outcome struct {
	Result
	Response    *message.Message
	Server      *socket.Conn
	Action      string
	CloseServer bool
}

type Engine struct {
	Pool    *connpool.Pool
	Gateway Dialer
}

func New(pool *connpool.Pool, gateway Dialer) *Engine {
	return &Engine{Pool: pool, Gateway: gateway}
}

// session is the state of one scanning page.
type session struct {
	token       string
	fileSize    int64
	progress    int64
	headersSent bool
	finished    bool
	aborted     bool
	lastLine    string
}

// Applicable reports whether resp can be a scanning page: a response of
// unknown length, not chunked, which the parent closes after the body.
func Applicable(req *message.Message, resp *message.Message) bool {
	if req == nil || req.Method == "" || !resp.HasProtocolLine() {
		return false
	}
	if message.DetermineBodyLength(req, resp).Kind != message.UntilClose {
		return false
	}
	return !resp.IsChunked() && resp.Headers.Contains("Proxy-Connection", "close")
}

// Inspect examines the response body waiting on server. Bytes read and not
// replaced by a refetched download are written to client before Inspect
// returns.
func (e *Engine) Inspect(sessionNo int64, req *message.Message, resp *message.Message, client io.Writer, server *socket.Conn, policy Policy) Outcome {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	pass := Outcome{Result: Pass, Response: resp, Server: server, Action: ActionPass}
	if !Applicable(req, resp) {
		return pass
	}

	ceiling := policy.Ceiling(req.Headers.Get("User-Agent"))
	if ceiling != policy.MaxKilobytes {
		logging.Printf("DEBUG", "Inspect: SessionID:%d User-Agent %s matches, no size limit\n", sessionNo, req.Headers.Get("User-Agent"))
	}

	buf := newFlushBuffer()
	readSample(sessionNo, buf, server)

	token, ok := findSessionToken(buf.Bytes())
	if !ok {
		logging.Printf("DEBUG", "Inspect: SessionID:%d ISA id not found\n", sessionNo)
		return e.flush(sessionNo, resp, client, server, buf, false)
	}
	logging.Printf("DEBUG", "Inspect: SessionID:%d ISA id = %s\n", sessionNo, token)

	s := &session{token: token}
	err := e.poll(sessionNo, s, req, client, server, buf, ceiling)
	if err != nil {
		logging.Printf("ERROR", "Inspect: SessionID:%d Could not write to client: %v\n", sessionNo, err)
		return Outcome{Result: Failed, Response: resp, Server: server, Action: ActionError}
	}

	if s.finished && !s.aborted {
		if fragment, ok := completionFragment(s.lastLine); ok {
			newResp, newServer, framed, err := e.refetch(sessionNo, req, s, fragment)
			if err == nil {
				server.Close()
				buf.Reset()
				return Outcome{Result: Pass, Response: newResp, Server: newServer, Action: ActionRefetch, CloseServer: !framed}
			}
			logging.Printf("ERROR", "Inspect: SessionID:%d New request failed: %v\n", sessionNo, err)
		}
	}
	return e.flush(sessionNo, resp, client, server, buf, s.headersSent)
}

// readSample reads until the sample is full or the parent stops sending.
func readSample(sessionNo int64, buf *flushBuffer, server *socket.Conn) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	for buf.Len() < SampleSize-1 {
		n, err := buf.readFrom(server.Read, SampleSize-1)
		logging.Printf("DEBUG", "readSample: SessionID:%d read %d of %d\n", sessionNo, n, SampleSize-buf.Len()+n)
		if n <= 0 || err != nil {
			return
		}
	}
}

// poll follows the page line by line. It only returns an error when writing
// to the client failed.
func (e *Engine) poll(sessionNo int64, s *session, req *message.Message, client io.Writer, server *socket.Conn, buf *flushBuffer, ceiling int64) error {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	for {
		line, err := server.ReadLine()
		buf.Append([]byte(line))
		if err != nil {
			logging.Printf("DEBUG", "poll: SessionID:%d stream ended: %v\n", sessionNo, err)
			return nil
		}

		kind := classifyLine(line)
		if kind == otherLine {
			continue
		}
		if kind == finishedLine {
			s.finished = true
		}
		s.lastLine = line
		logging.Printf("DEBUG", "poll: SessionID:%d %s", sessionNo, line)

		if size, ok := announcedSize(line); ok {
			s.fileSize = size
			logging.Printf("DEBUG", "poll: SessionID:%d file size detected: %d KiBs (max: %d)\n", sessionNo, size/1024, ceiling)
			if ceiling != 0 && (ceiling == 1 || size/1024 > ceiling) {
				logging.Printf("INFO", "poll: SessionID:%d Giving up, download of %d bytes over limit\n", sessionNo, size)
				s.aborted = true
				return nil
			}
			if !s.headersSent {
				s.headersSent = true
				_, err = io.WriteString(client, fmt.Sprintf("HTTP/%s 200 OK\r\n", statusProto(req)))
				if err != nil {
					return err
				}
			}
		}

		if !s.headersSent {
			logging.Printf("DEBUG", "poll: SessionID:%d Giving up, \"%s\" line not found\n", sessionNo, sizeMarker)
			s.aborted = true
			return nil
		}

		if !s.finished {
			s.progress = clampProgress(progressValue(line), s.progress, s.fileSize)
			_, err = io.WriteString(client, fmt.Sprintf("ISA-Scanner: %d of %d\r\n", s.progress, s.fileSize))
			if err != nil {
				return err
			}
		}

		if s.fileSize == 0 && ceiling > 1 && s.progress/1024 > ceiling {
			logging.Printf("INFO", "poll: SessionID:%d Giving up, %d bytes scanned of unknown size\n", sessionNo, s.progress)
			s.aborted = true
			return nil
		}
		if s.finished {
			return nil
		}
	}
}

// clampProgress keeps progress non-decreasing and within the file size.
func clampProgress(value int64, last int64, fileSize int64) int64 {
	if value < last {
		value = last
	}
	if fileSize != 0 && value > fileSize {
		value = fileSize
	}
	return value
}

func statusProto(req *message.Message) string {
	if req.Proto == "" {
		return "1.1"
	}
	return req.Proto
}

// refetch requests the scanned file with the form the page would submit.
// framed reports whether the length sent to the client is the one the parent
// framed the body with.
func (e *Engine) refetch(sessionNo int64, req *message.Message, s *session, fragment string) (newResp *message.Message, conn *socket.Conn, framed bool, err error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	body := fmt.Sprintf("%surl=%s&%sSaveToDisk=YES&%sOrig=%s", s.token, url.QueryEscape(fragment), s.token, s.token, url.QueryEscape(req.URL))
	logging.Printf("DEBUG", "refetch: SessionID:%d Getting file with URL data = %s\n", sessionNo, req.URL)

	newReq := req.Dup()
	newReq.Method = "POST"
	newReq.SkipProtocolLine = false
	newReq.Headers.Del("Transfer-Encoding")
	newReq.Headers.Set("Referer", req.URL)
	newReq.Headers.Set("Content-Type", "application/x-www-form-urlencoded")
	newReq.Headers.Set("Content-Length", strconv.Itoa(len(body)))

	conn, err = e.parentConn(sessionNo, newReq)
	if err != nil {
		return nil, nil, false, err
	}

	err = message.SendHeaders(conn, newReq)
	if err == nil {
		_, err = io.WriteString(conn, body)
	}
	newResp = message.New()
	if err == nil {
		err = message.ReceiveHeaders(conn.Reader(), newResp)
	}
	if err != nil {
		conn.Close()
		return nil, nil, false, err
	}

	framed = !newResp.BadContentLength()
	if size := s.fileSize; size != 0 || s.progress != 0 {
		if size == 0 {
			size = s.progress
		}
		own := message.DetermineBodyLength(newReq, newResp)
		if !newResp.IsChunked() && (own.Kind != message.ExactLength || own.Length != size) {
			logging.Printf("DEBUG", "refetch: SessionID:%d parent framed the file as %s, sending %d bytes\n", sessionNo, own, size)
			framed = false
		}
		newResp.Headers.Set("Content-Length", strconv.FormatInt(size, 10))
	}
	newResp.SkipProtocolLine = s.headersSent
	logging.Printf("DEBUG", "refetch: SessionID:%d parent answered %d %s\n", sessionNo, newResp.Code, newResp.Reason)
	return newResp, conn, framed, nil
}

// parentConn takes a pooled connection or opens and authenticates a new one.
func (e *Engine) parentConn(sessionNo int64, req *message.Message) (*socket.Conn, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	if e.Gateway == nil {
		return nil, fmt.Errorf("no parent gateway configured")
	}
	if e.Pool != nil {
		if conn := e.Pool.Take(); conn != nil {
			logging.Printf("DEBUG", "parentConn: SessionID:%d Found authenticated connection %s\n", sessionNo, conn)
			err := e.Gateway.Prepare(sessionNo, conn, req)
			if err == nil {
				return conn, nil
			}
			logging.Printf("ERROR", "parentConn: SessionID:%d Could not prepare pooled connection: %v\n", sessionNo, err)
			conn.Close()
		}
	}
	conn, err := e.Gateway.Connect(sessionNo, req.URL)
	if err != nil {
		return nil, err
	}
	status, err := e.Gateway.Authenticate(sessionNo, conn, req)
	if status <= 0 || status == 500 {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("%w: status %d", ErrAuthFailed, status)
		} else {
			err = fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		return nil, err
	}
	logging.Printf("DEBUG", "parentConn: SessionID:%d Authentication OK, getting the file...\n", sessionNo)
	return conn, nil
}

// flush writes the response headers and the buffered body bytes to client.
// headersSent suppresses the status line already written by poll.
func (e *Engine) flush(sessionNo int64, resp *message.Message, client io.Writer, server *socket.Conn, buf *flushBuffer, headersSent bool) Outcome {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	if buf.Len() == 0 {
		return Outcome{Result: Pass, Response: resp, Server: server, Action: ActionPass}
	}
	logging.Printf("DEBUG", "flush: SessionID:%d flushing %d original bytes\n", sessionNo, buf.Len())

	head := resp.Dup()
	head.SkipProtocolLine = head.SkipProtocolLine || headersSent
	err := message.SendHeaders(client, head)
	if err != nil {
		logging.Printf("ERROR", "flush: SessionID:%d failed to send headers: %v\n", sessionNo, err)
		return Outcome{Result: Failed, Response: resp, Server: server, Action: ActionError}
	}
	_, err = client.Write(buf.Bytes())
	if err != nil {
		logging.Printf("ERROR", "flush: SessionID:%d failed to send buffered data: %v\n", sessionNo, err)
		return Outcome{Result: Failed, Response: resp, Server: server, Action: ActionError}
	}
	return Outcome{Result: BodyOnly, Response: resp, Server: server, Action: ActionFlush}
}
