package upstream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"scanproxy/logging"
	"scanproxy/message"
	"scanproxy/readconfig"
	"scanproxy/socket"
	"scanproxy/upstream/authenticate"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/darren/gpac"
)

// reread pac file wait
const READ_WAIT time.Duration = 600 * time.Second

const defaultProxyPort = "3128"

var ErrNoParent = errors.New("no parent proxy reachable")

// Gateway opens connections to the parent proxies and authenticates them.
type Gateway struct {
	// Parent proxies as host:port, tried in order after PAC results.
	Parents []string

	// Optional PAC source.
	PAC readconfig.PAC

	Timeout   time.Duration
	KeepAlive time.Duration

	// nil sends requests without proxy authentication
	Auth *authenticate.Authenticator

	mu       sync.Mutex
	pac      *gpac.Parser
	timeNext time.Time
}

func NewGateway(conf *readconfig.Schema) *Gateway {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), 0)
	return &Gateway{
		Parents:   conf.Proxy.Parents,
		PAC:       conf.PAC,
		Timeout:   time.Duration(conf.Connection.Timeout) * time.Second,
		KeepAlive: time.Duration(conf.Connection.Keepalive) * time.Second,
		Auth:      authenticate.New(authenticate.CredentialsFromConfig(conf.Proxy)),
	}
}

// Connect opens a connection to the first reachable parent for rawURL.
func (g *Gateway) Connect(sessionNo int64, rawURL string) (*socket.Conn, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	candidates := g.Candidates(sessionNo, rawURL)
	for _, address := range candidates {
		logging.Printf("DEBUG", "Connect: SessionID:%d Dial %s\n", sessionNo, address)
		conn, err := socket.Dial(address, g.Timeout, g.KeepAlive)
		if err != nil {
			logging.Printf("ERROR", "Connect: SessionID:%d Dial error: %v\n", sessionNo, err)
			continue
		}
		logging.Printf("DEBUG", "Connect: SessionID:%d Connection details after Dial: %s\n", sessionNo, conn)
		return conn, nil
	}
	return nil, fmt.Errorf("%w: tried %s", ErrNoParent, strings.Join(candidates, ","))
}

// Authenticate runs the proxy authentication handshake for req on conn.
func (g *Gateway) Authenticate(sessionNo int64, conn *socket.Conn, req *message.Message) (int, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	if g.Auth == nil {
		return 200, nil
	}
	return g.Auth.Authenticate(sessionNo, conn, req)
}

// Prepare adds the per request credentials to req before it is sent on conn,
// a pooled connection which was authenticated before.
func (g *Gateway) Prepare(sessionNo int64, conn *socket.Conn, req *message.Message) error {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	if g.Auth == nil {
		return nil
	}
	return g.Auth.Prepare(sessionNo, conn, req)
}

// Candidates lists parent addresses for rawURL: PROXY entries returned by the
// PAC script first, then the configured parents. DIRECT entries are skipped,
// every request goes through a parent.
func (g *Gateway) Candidates(sessionNo int64, rawURL string) []string {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	var list []string
	seen := map[string]bool{}
	add := func(address string) {
		address = withPort(address)
		if address != "" && !seen[address] {
			seen[address] = true
			list = append(list, address)
		}
	}

	if g.PAC.Type != "" {
		fromPAC, err := g.findProxy(sessionNo, rawURL)
		if err != nil {
			logging.Printf("ERROR", "Candidates: SessionID:%d could not find proxy from PAC data: %v\n", sessionNo, err)
		}
		for i, v := range fromPAC {
			logging.Printf("DEBUG", "Candidates: SessionID:%d Index: %d, Type: %s Address: %s\n", sessionNo, i+1, v.Type, v.Address)
			if strings.ToUpper(v.Type) != "PROXY" {
				logging.Printf("DEBUG", "Candidates: SessionID:%d Unsupported Proxy type: %s\n", sessionNo, v.Type)
				continue
			}
			add(v.Address)
		}
	}
	for _, parent := range g.Parents {
		add(parent)
	}
	return list
}

func withPort(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	if strings.LastIndex(address, ":") > strings.LastIndex(address, "]") {
		return address
	}
	return address + ":" + defaultProxyPort
}

type pacEntry struct {
	Type    string
	Address string
}

func (g *Gateway) findProxy(sessionNo int64, rawURL string) ([]pacEntry, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pac == nil || time.Now().Sub(g.timeNext) >= 0 {
		err := g.loadPAC(sessionNo)
		if err != nil && g.pac == nil {
			return nil, err
		}
		if err != nil {
			logging.Printf("ERROR", "findProxy: SessionID:%d keeping previous PAC data: %v\n", sessionNo, err)
		}
	}

	logging.Printf("DEBUG", "findProxy: SessionID:%d PAC FindProxyForURL\n", sessionNo)
	proxyFromPAC, err := g.pac.FindProxyForURL(rawURL)
	if err != nil {
		return nil, err
	}
	var entries []pacEntry
	for _, v := range gpac.ParseProxy(proxyFromPAC) {
		entries = append(entries, pacEntry{Type: v.Type, Address: v.Address})
	}
	return entries, nil
}

// loadPAC fetches and compiles the PAC script. Called with g.mu held.
func (g *Gateway) loadPAC(sessionNo int64) error {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	var buf []byte
	var err error

	cacheTime := READ_WAIT
	switch g.PAC.Type {
	case "URL":
		logging.Printf("DEBUG", "loadPAC: SessionID:%d use PAC URL: %s\n", sessionNo, g.PAC.URL)
		var maxAge time.Duration
		buf, maxAge, err = fetchPAC(sessionNo, g.PAC)
		if err != nil {
			g.timeNext = time.Now().Add(cacheTime)
			return err
		}
		if maxAge > 0 {
			cacheTime = maxAge
		}
	case "FILE":
		logging.Printf("DEBUG", "loadPAC: SessionID:%d use PAC file: %s\n", sessionNo, g.PAC.File)
		buf, err = os.ReadFile(g.PAC.File)
		if err != nil {
			g.timeNext = time.Now().Add(cacheTime)
			return err
		}
	default:
		return fmt.Errorf("unsupported PAC type %q", g.PAC.Type)
	}
	if g.PAC.CacheTime != 0 {
		cacheTime = time.Duration(g.PAC.CacheTime) * time.Second
	}
	g.timeNext = time.Now().Add(cacheTime)

	pac, err := gpac.New(string(buf))
	if err != nil {
		logging.Printf("ERROR", "loadPAC: SessionID:%d could not load PAC data: %v\n", sessionNo, err)
		return err
	}
	g.pac = pac
	logging.Printf("DEBUG", "loadPAC: SessionID:%d Next check for PAC data: %s\n", sessionNo, g.timeNext.Format(time.RFC850))
	return nil
}

// fetchPAC downloads the PAC script, optionally through PAC.Proxy, and
// returns the max-age announced by the server.
func fetchPAC(sessionNo int64, conf readconfig.PAC) ([]byte, time.Duration, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	transport := &http.Transport{}
	if conf.Proxy != "" {
		logging.Printf("DEBUG", "fetchPAC: SessionID:%d use PAC URL via proxy: %s\n", sessionNo, conf.Proxy)
		proxyURL, err := url.Parse(conf.Proxy)
		if err != nil {
			return nil, 0, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	hclient := http.Client{Transport: transport, Timeout: 30 * time.Second}
	pResp, err := hclient.Get(conf.URL)
	if err != nil {
		return nil, 0, err
	}
	defer pResp.Body.Close()
	if pResp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("PAC URL returned %s", pResp.Status)
	}
	buf, err := io.ReadAll(pResp.Body)
	if err != nil {
		return nil, 0, err
	}
	return buf, maxAge(pResp.Header.Get("Cache-Control")), nil
}

// maxAge returns the max-age directive of a Cache-Control value.
func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if !strings.HasPrefix(strings.ToLower(directive), "max-age=") {
			continue
		}
		seconds, err := strconv.Atoi(directive[len("max-age="):])
		if err != nil || seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}
