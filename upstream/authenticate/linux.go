//go:build !windows

package authenticate

import (
	"encoding/base64"
	"fmt"
	"scanproxy/logging"
	"scanproxy/message"
	"scanproxy/socket"

	"github.com/Azure/go-ntlmssp"
	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/krberror"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

func (a *Authenticator) hasNTLM() bool {
	return a.Creds.NtlmUser != ""
}

type ntlmsspSession struct {
	domain   string
	user     string
	password string
}

func (a *Authenticator) newNTLMSession() (ntlmSession, error) {
	return &ntlmsspSession{
		domain:   a.Creds.NtlmDomain,
		user:     a.Creds.NtlmUser,
		password: a.Creds.NtlmPass,
	}, nil
}

func (s *ntlmsspSession) negotiate() ([]byte, error) {
	return ntlmssp.NewNegotiateMessage(s.domain, "")
}

func (s *ntlmsspSession) authenticate(challenge []byte) ([]byte, error) {
	return ntlmssp.ProcessChallenge(challenge, s.user, s.password, false)
}

func (s *ntlmsspSession) release() {}

// kerberosClient logs in once and keeps the client for later requests.
func (a *Authenticator) kerberosClient(sessionNo int64) (*client.Client, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	a.mu.Lock()
	defer a.mu.Unlock()
	if krbClient, ok := a.krbClient.(*client.Client); ok {
		return krbClient, nil
	}

	krbConfig, err := config.Load(a.Creds.KerberosConfig)
	if err != nil {
		logging.Printf("ERROR", "kerberosClient: SessionID:%d Kerberos config error: %v\n", sessionNo, err)
		return nil, err
	}
	var krbClient *client.Client
	if a.Creds.KerberosCache != "" {
		var krbCCache *credentials.CCache
		krbCCache, err = credentials.LoadCCache(a.Creds.KerberosCache)
		if err != nil {
			logging.Printf("ERROR", "kerberosClient: SessionID:%d Could not load cache: %v\n", sessionNo, err)
			return nil, err
		}
		krbClient, err = client.NewFromCCache(krbCCache, krbConfig, client.DisablePAFXFAST(true))
	} else {
		krbClient = client.NewWithPassword(a.Creds.KerberosUser, a.Creds.KerberosDomain, a.Creds.KerberosPass, krbConfig, client.DisablePAFXFAST(true))
		err = krbClient.Login()
	}
	if err != nil {
		logging.Printf("ERROR", "kerberosClient: SessionID:%d Kerberos client error: %v\n", sessionNo, err)
		return nil, err
	}
	a.krbClient = krbClient
	return krbClient, nil
}

func (a *Authenticator) negotiate(sessionNo int64, conn *socket.Conn, req *message.Message) (int, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	if a.Creds.KerberosConfig == "" {
		return 500, fmt.Errorf("no Kerberos configuration")
	}
	krbClient, err := a.kerberosClient(sessionNo)
	if err != nil {
		return 500, err
	}

	krbSPN := "HTTP/" + proxyHost(conn)
	logging.Printf("DEBUG", "negotiate: SessionID:%d Use serviceprincipalname: %s\n", sessionNo, krbSPN)
	spnegoClient := spnego.SPNEGOClient(krbClient, krbSPN)
	err = spnegoClient.AcquireCred()
	if err != nil {
		logging.Printf("ERROR", "negotiate: SessionID:%d Could not acquire spnego client credential: %v\n", sessionNo, err)
		return 500, err
	}
	securityContext, err := spnegoClient.InitSecContext()
	if err != nil {
		logging.Printf("ERROR", "negotiate: SessionID:%d Could not initialize security context: %v\n", sessionNo, err)
		return 500, err
	}
	negoAuth, err := securityContext.Marshal()
	if err != nil {
		err = krberror.Errorf(err, krberror.EncodingError, "could not marshal SPNEGO")
		logging.Printf("ERROR", "negotiate: SessionID:%d %v\n", sessionNo, err)
		return 500, err
	}
	req.Headers.Set("Proxy-Authorization", fmt.Sprintf("Negotiate %s", base64.StdEncoding.EncodeToString(negoAuth)))
	logging.Printf("DEBUG", "negotiate: SessionID:%d Auth done\n", sessionNo)
	return 200, nil
}
