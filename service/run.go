package service

import (
	"crypto/sha256"
	"fmt"
	"net"
	"scanproxy/connpool"
	"scanproxy/http-proxy"
	"scanproxy/logging"
	"scanproxy/readconfig"
	"scanproxy/scanner"
	"scanproxy/upstream"
	"scanproxy/viruscheck"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Version is overwritten at build time with -ldflags "-X scanproxy/service.Version=...".
var Version = "0.1.0"

func OnError(ctx *httpproxy.Context, where string,
	err *httpproxy.Error, opErr error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	logging.Printf("ERROR", "OnError: SessionID:%d %s: %s [%v]\n", ctx.SessionNo, where, err, opErr)
}

// PasswordHash returns the hex encoded sha256 sum stored as LocalBasicHash.
func PasswordHash(pass string) string {
	hash := sha256.New()
	hash.Write([]byte(pass))
	return fmt.Sprintf("%x", hash.Sum(nil))
}

func OnAuth(ctx *httpproxy.Context, authType string, user string, pass string) bool {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), ctx.SessionNo)
	if pass == "" {
		return false
	}
	hexSum := PasswordHash(pass)
	logging.Printf("DEBUG", "OnAuth: SessionID:%d User: %s Password hash: %s\n", ctx.SessionNo, user, hexSum)
	return user == readconfig.Config.Proxy.LocalBasicUser && hexSum == readconfig.Config.Proxy.LocalBasicHash
}

// scannerPolicy reads the scanner section on every call so reloads apply to
// the next request.
func scannerPolicy() (scanner.Policy, bool) {
	settings := readconfig.Config.ScannerSettings()
	return scanner.PolicyFromConfig(settings), settings.Enable
}

func logSettings(conf *readconfig.Schema) {
	logging.Printf("INFO", "Run: Logging.Level: %s\n", conf.Logging.Level)
	logging.Printf("INFO", "Run: Logging.Trace: %t\n", conf.Logging.Trace)
	logging.Printf("INFO", "Run: Logging.File: %s\n", conf.Logging.File)
	logging.Printf("INFO", "Run: Logging.AccessLog: %s\n", conf.Logging.AccessLog)
	logging.Printf("INFO", "Run: PAC.Type: %s\n", conf.PAC.Type)
	logging.Printf("INFO", "Run: PAC.URL: %s\n", conf.PAC.URL)
	logging.Printf("INFO", "Run: PAC.File: %s\n", conf.PAC.File)
	logging.Printf("INFO", "Run: PAC.Proxy: %s\n", conf.PAC.Proxy)
	logging.Printf("INFO", "Run: Proxy.Parents: %v\n", conf.Proxy.Parents)
	logging.Printf("INFO", "Run: Proxy.Authentication: %v\n", conf.Proxy.Authentication)
	logging.Printf("INFO", "Run: Proxy.KRBDomain: %s\n", conf.Proxy.KerberosDomain)
	logging.Printf("INFO", "Run: Proxy.KRBConfig: %s\n", conf.Proxy.KerberosConfig)
	logging.Printf("INFO", "Run: Proxy.KRBCache: %s\n", conf.Proxy.KerberosCache)
	logging.Printf("INFO", "Run: Proxy.KRBUser: %s\n", conf.Proxy.KerberosUser)
	if conf.Proxy.KerberosPass != "" {
		logging.Printf("INFO", "Run: Proxy.KRBPassword: ***\n")
	}
	logging.Printf("INFO", "Run: Proxy.NTLMDomain: %s\n", conf.Proxy.NtlmDomain)
	logging.Printf("INFO", "Run: Proxy.NTLMUser: %s\n", conf.Proxy.NtlmUser)
	if conf.Proxy.NtlmPass != "" {
		logging.Printf("INFO", "Run: Proxy.NTLMPassword: ***\n")
	}
	logging.Printf("INFO", "Run: Proxy.BasicUser: %s\n", conf.Proxy.BasicUser)
	if conf.Proxy.BasicPass != "" {
		logging.Printf("INFO", "Run: Proxy.BasicPassword: ***\n")
	}
	logging.Printf("INFO", "Run: Proxy.LocalBasicUser: %s\n", conf.Proxy.LocalBasicUser)
	logging.Printf("INFO", "Run: Scanner.Enable: %t\n", conf.Scanner.Enable)
	logging.Printf("INFO", "Run: Scanner.MaxSize: %d\n", conf.Scanner.MaxSize)
	logging.Printf("INFO", "Run: Scanner.Agents: %v\n", conf.Scanner.Agents)
}

// Run reads configFilename and serves proxy clients until stop is closed or
// the listener fails.
func Run(configFilename string, stop <-chan struct{}) error {
	// Setup File watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		timeStamp := time.Now().Format(time.RFC1123)
		fmt.Printf("%s ERROR: Run: setting up file watcher, %v\n", timeStamp, err)
	} else {
		defer watcher.Close()
	}

	// Read Yaml config file
	conf, err := readconfig.ReadConfig(configFilename, watcher)
	if err != nil {
		return fmt.Errorf("configuration read error: %w", err)
	}
	readconfig.Config = conf
	logSettings(conf)

	pool := connpool.New()
	defer pool.Close()
	prx := httpproxy.NewProxy(upstream.NewGateway(conf), pool)
	prx.Policy = scannerPolicy
	prx.OnError = OnError
	if conf.Proxy.LocalBasicUser != "" {
		prx.OnAuth = OnAuth
	}
	prx.ReadTimeout = time.Duration(conf.Connection.ReadTimeout) * time.Second

	// Clamd connection
	prx.Clamd, err = viruscheck.SetupClamd(conf.Clamd)
	if err != nil {
		return fmt.Errorf("clamd setup error: %w", err)
	}
	if prx.Clamd != nil {
		logging.Printf("INFO", "Run: Clamd connection initalised to %s\n", conf.Clamd.Connection)
	} else {
		logging.Printf("INFO", "Run: Clamd inspection not enabled\n")
	}

	listen := net.JoinHostPort(conf.Listen.IP, conf.Listen.Port)
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen error: %w", err)
	}
	if stop != nil {
		go func() {
			<-stop
			logging.Printf("INFO", "Run: Stop listening on %s\n", listen)
			ln.Close()
		}()
	}

	logging.Printf("INFO", "Run: Started version: %s\n", Version)
	logging.Printf("INFO", "Run: Listening on %s\n", listen)
	err = prx.Serve(ln)
	if err != nil {
		logging.Printf("ERROR", "Run: Serve error: %v\n", err)
	}
	return err
}
