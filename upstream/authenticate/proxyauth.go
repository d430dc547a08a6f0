package authenticate

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"scanproxy/logging"
	"scanproxy/message"
	"scanproxy/readconfig"
	"scanproxy/socket"
	"strings"
	"sync"
)

var (
	ErrNoChallenge   = errors.New("no NTLM challenge received")
	ErrUnframedReply = errors.New("parent sent an unframed body during the handshake")
	ErrParentClosed  = errors.New("parent closed the connection during the handshake")
)

// Credentials for the parent proxy, in the preferred method order.
type Credentials struct {
	Methods        []string
	NtlmDomain     string
	NtlmUser       string
	NtlmPass       string
	KerberosConfig string
	KerberosDomain string
	KerberosUser   string
	KerberosCache  string
	KerberosPass   string
	BasicUser      string
	BasicPass      string
}

func CredentialsFromConfig(proxy readconfig.Proxy) Credentials {
	return Credentials{
		Methods:        proxy.Authentication,
		NtlmDomain:     proxy.NtlmDomain,
		NtlmUser:       proxy.NtlmUser,
		NtlmPass:       proxy.NtlmPass,
		KerberosConfig: proxy.KerberosConfig,
		KerberosDomain: proxy.KerberosDomain,
		KerberosUser:   proxy.KerberosUser,
		KerberosCache:  proxy.KerberosCache,
		KerberosPass:   proxy.KerberosPass,
		BasicUser:      proxy.BasicUser,
		BasicPass:      proxy.BasicPass,
	}
}

// Authenticator prepares requests for an authenticating parent proxy.
type Authenticator struct {
	Creds Credentials

	mu        sync.Mutex
	krbClient any
}

func New(creds Credentials) *Authenticator {
	return &Authenticator{Creds: creds}
}

// Authenticate makes conn ready to carry req. For NTLM the negotiate message
// is exchanged on conn and the final authorization is stored in req, which
// must be sent next on the same connection. Negotiate and Basic only set the
// header. The returned status is the parent's reply to the handshake, or 200
// when no round trip was needed; a status of 0 or 500 means failure. The
// selected method is recorded in conn.Scheme for Prepare.
func (a *Authenticator) Authenticate(sessionNo int64, conn *socket.Conn, req *message.Message) (int, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	req.Headers.Del("Proxy-Authorization")
	conn.Scheme = ""

	for _, method := range a.Creds.Methods {
		switch strings.ToLower(method) {
		case "ntlm":
			if !a.hasNTLM() {
				continue
			}
			logging.Printf("DEBUG", "Authenticate: SessionID:%d selected authentication method: ntlm\n", sessionNo)
			conn.Scheme = "ntlm"
			return a.ntlmHandshake(sessionNo, conn, req, "NTLM")
		case "negotiate":
			logging.Printf("DEBUG", "Authenticate: SessionID:%d selected authentication method: negotiate\n", sessionNo)
			status, err := a.negotiate(sessionNo, conn, req)
			if err == nil {
				conn.Scheme = "negotiate"
				return status, nil
			}
			logging.Printf("ERROR", "Authenticate: SessionID:%d Negotiate failed: %v\n", sessionNo, err)
			if a.hasNTLM() {
				logging.Printf("DEBUG", "Authenticate: SessionID:%d Try Negotiate / NTLM fallback\n", sessionNo)
				conn.Scheme = "ntlm"
				return a.ntlmHandshake(sessionNo, conn, req, "Negotiate")
			}
			continue
		case "basic":
			if a.Creds.BasicUser == "" {
				continue
			}
			logging.Printf("DEBUG", "Authenticate: SessionID:%d selected authentication method: basic\n", sessionNo)
			SetBasic(req, a.Creds.BasicUser, a.Creds.BasicPass)
			conn.Scheme = "basic"
			return 200, nil
		default:
			logging.Printf("DEBUG", "Authenticate: SessionID:%d unknown authentication method: %s\n", sessionNo, method)
		}
	}
	logging.Printf("DEBUG", "Authenticate: SessionID:%d no usable authentication method, sending request unauthenticated\n", sessionNo)
	return 200, nil
}

// Prepare stores the credentials for req before it is sent on conn, a
// connection Authenticate already ran on. NTLM authenticates the connection
// once, Negotiate and Basic have to send their header with every request.
func (a *Authenticator) Prepare(sessionNo int64, conn *socket.Conn, req *message.Message) error {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	req.Headers.Del("Proxy-Authorization")
	switch conn.Scheme {
	case "negotiate":
		_, err := a.negotiate(sessionNo, conn, req)
		return err
	case "basic":
		SetBasic(req, a.Creds.BasicUser, a.Creds.BasicPass)
	}
	return nil
}

// SetBasic stores Basic credentials in req.
func SetBasic(req *message.Message, user string, pass string) {
	proxyAuth := user + ":" + pass
	req.Headers.Set("Proxy-Authorization", fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString([]byte(proxyAuth))))
}

// handshakeTemplate is the bodyless copy of req which carries the first
// authentication message.
func handshakeTemplate(req *message.Message, authorization string) *message.Message {
	template := req.Dup()
	template.SkipProtocolLine = false
	template.Headers.Del("Transfer-Encoding")
	template.Headers.Del("Connection")
	template.Headers.Set("Content-Length", "0")
	template.Headers.Set("Proxy-Connection", "keep-alive")
	template.Headers.Set("Proxy-Authorization", authorization)
	return template
}

// exchange sends template on conn and reads the reply headers, draining a
// length delimited reply body.
func exchange(sessionNo int64, conn *socket.Conn, template *message.Message) (*message.Message, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	err := message.SendHeaders(conn, template)
	if err != nil {
		return nil, err
	}
	resp := message.New()
	err = message.ReceiveHeaders(conn.Reader(), resp)
	if err != nil {
		return nil, err
	}
	length := message.DetermineBodyLength(template, resp)
	if length.Kind == message.UntilClose && !resp.IsChunked() {
		return resp, ErrUnframedReply
	}
	err = message.DrainBody(conn.Reader(), length, resp.IsChunked())
	if err != nil {
		return resp, err
	}
	if resp.WantsClose() {
		return resp, ErrParentClosed
	}
	return resp, nil
}

// challengeFor returns the decoded challenge of scheme from resp.
func challengeFor(resp *message.Message, scheme string) ([]byte, error) {
	for _, value := range resp.Headers.Values("Proxy-Authenticate") {
		parts := strings.SplitN(strings.TrimSpace(value), " ", 2)
		if len(parts) < 2 || !strings.EqualFold(parts[0], scheme) {
			continue
		}
		challenge, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("could not base64 decode the %s challenge: %w", scheme, err)
		}
		return challenge, nil
	}
	return nil, ErrNoChallenge
}

func (a *Authenticator) ntlmHandshake(sessionNo int64, conn *socket.Conn, req *message.Message, scheme string) (int, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)

	// NTLM Step 1: Send Negotiate Message
	session, err := a.newNTLMSession()
	if err != nil {
		logging.Printf("ERROR", "ntlmHandshake: SessionID:%d Could not start NTLM session: %v\n", sessionNo, err)
		return 500, err
	}
	defer session.release()
	negotiateMessage, err := session.negotiate()
	if err != nil {
		logging.Printf("ERROR", "ntlmHandshake: SessionID:%d Could not create negotiate message: %v\n", sessionNo, err)
		return 500, err
	}
	logging.Printf("DEBUG", "ntlmHandshake: SessionID:%d negotiateMessage %s\n", sessionNo, base64.StdEncoding.EncodeToString(negotiateMessage))

	template := handshakeTemplate(req, fmt.Sprintf("%s %s", scheme, base64.StdEncoding.EncodeToString(negotiateMessage)))
	resp, err := exchange(sessionNo, conn, template)
	if err != nil {
		logging.Printf("ERROR", "ntlmHandshake: SessionID:%d Handshake with %s failed: %v\n", sessionNo, conn.Peer, err)
		if resp != nil && resp.Code != 407 {
			return resp.Code, err
		}
		return 0, err
	}
	if resp.Code != 407 {
		logging.Printf("DEBUG", "ntlmHandshake: SessionID:%d Parent answered %d without challenge\n", sessionNo, resp.Code)
		return resp.Code, nil
	}

	challengeMessage, err := challengeFor(resp, scheme)
	if err != nil {
		logging.Printf("ERROR", "ntlmHandshake: SessionID:%d The proxy did not return an NTLM challenge, got: '%s'\n", sessionNo, strings.Join(resp.Headers.Values("Proxy-Authenticate"), ","))
		return 500, err
	}

	// NTLM Step 3: Send Authorization Message
	authenticateMessage, err := session.authenticate(challengeMessage)
	if err != nil {
		logging.Printf("ERROR", "ntlmHandshake: SessionID:%d Could not process the NTLM challenge: %v\n", sessionNo, err)
		return 500, err
	}
	req.Headers.Set("Proxy-Authorization", fmt.Sprintf("%s %s", scheme, base64.StdEncoding.EncodeToString(authenticateMessage)))
	logging.Printf("DEBUG", "ntlmHandshake: SessionID:%d Auth done\n", sessionNo)
	return resp.Code, nil
}

// proxyHost returns the host part of the parent address for service
// principal names.
func proxyHost(conn *socket.Conn) string {
	peer := conn.Peer
	if peer == "" {
		peer = conn.RemoteAddr().String()
	}
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		return peer
	}
	return host
}

type ntlmSession interface {
	negotiate() ([]byte, error)
	authenticate(challenge []byte) ([]byte, error)
	release()
}
