//go:build windows

package authenticate

import (
	"encoding/base64"
	"fmt"
	"scanproxy/logging"
	"scanproxy/message"
	"scanproxy/socket"

	"github.com/alexbrainman/sspi"
	"github.com/alexbrainman/sspi/negotiate"
	"github.com/alexbrainman/sspi/ntlm"
)

// The current user is always available on windows.
func (a *Authenticator) hasNTLM() bool {
	return true
}

type sspiSession struct {
	cred *sspi.Credentials
	ctx  *ntlm.ClientContext
}

func (a *Authenticator) newNTLMSession() (ntlmSession, error) {
	sspiCred, err := ntlm.AcquireCurrentUserCredentials()
	if err != nil {
		return nil, err
	}
	return &sspiSession{cred: sspiCred}, nil
}

func (s *sspiSession) negotiate() ([]byte, error) {
	securityContext, ntlmToken, err := ntlm.NewClientContext(s.cred)
	if err != nil {
		return nil, err
	}
	s.ctx = securityContext
	return ntlmToken, nil
}

func (s *sspiSession) authenticate(challenge []byte) ([]byte, error) {
	if s.ctx == nil {
		return nil, fmt.Errorf("NTLM security context not initialized")
	}
	return s.ctx.Update(challenge)
}

func (s *sspiSession) release() {
	if s.ctx != nil {
		s.ctx.Release()
	}
	s.cred.Release()
}

func (a *Authenticator) negotiate(sessionNo int64, conn *socket.Conn, req *message.Message) (int, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	var servicePrincipalName string

	sspiCred, err := negotiate.AcquireCurrentUserCredentials()
	if err != nil {
		logging.Printf("ERROR", "negotiate: SessionID:%d could not acquire spnego client credential: %v\n", sessionNo, err)
		return 500, err
	}
	defer sspiCred.Release()

	proxyFQDN := proxyHost(conn)
	if a.Creds.KerberosDomain == "" {
		servicePrincipalName = "HTTP/" + proxyFQDN
	} else {
		servicePrincipalName = "HTTP/" + proxyFQDN + "@" + a.Creds.KerberosDomain
	}
	logging.Printf("DEBUG", "negotiate: SessionID:%d Use serviceprincipalname: %s\n", sessionNo, servicePrincipalName)
	securityContext, negoToken, err := negotiate.NewClientContext(sspiCred, servicePrincipalName)
	if err != nil {
		logging.Printf("ERROR", "negotiate: SessionID:%d Failed to initialize security context: %v\n", sessionNo, err)
		return 500, err
	}
	defer securityContext.Release()

	req.Headers.Set("Proxy-Authorization", fmt.Sprintf("Negotiate %s", base64.StdEncoding.EncodeToString(negoToken)))
	logging.Printf("DEBUG", "negotiate: SessionID:%d Auth done\n", sessionNo)
	return 200, nil
}
