package readconfig

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var Config *Schema

// readPassword is replaced in tests.
var readPassword = func() ([]byte, error) {
	return term.ReadPassword(int(syscall.Stdin))
}

// use `yaml:""` struct tag to parse fields name with
// kebabcase, snakecase, and camelcase fields
type Listen struct {
	IP   string `yaml:"ip"`
	Port string `yaml:"port"`
}
type Connection struct {
	// seconds
	Timeout     int `yaml:"timeout"`
	Keepalive   int `yaml:"keepalive"`
	ReadTimeout int `yaml:"readtimeout"`
}
type Logging struct {
	Level      string `yaml:"level"`
	Trace      bool   `yaml:"trace"`
	File       string `yaml:"file"`
	AccessLog  string `yaml:"accesslog"`
	MaxSize    int    `yaml:"maxsize"`
	MaxBackups int    `yaml:"maxbackups"`
	MaxAge     int    `yaml:"maxage"`
}
type PAC struct {
	Type      string `yaml:"type"`
	File      string `yaml:"file"`
	URL       string `yaml:"url"`
	Proxy     string `yaml:"proxy"`
	CacheTime int    `yaml:"cachetime"`
}
type Proxy struct {
	Parents        []string `yaml:"parents"`
	Authentication []string `yaml:"authentication"`
	NtlmDomain     string   `yaml:"NTLMDomain"`
	NtlmUser       string   `yaml:"NTLMUser"`
	NtlmPass       string   `yaml:"NTLMPass"`
	KerberosConfig string   `yaml:"KRBConfig"`
	KerberosDomain string   `yaml:"KRBDomain"`
	KerberosUser   string   `yaml:"KRBUser"`
	KerberosCache  string   `yaml:"KRBCache"`
	KerberosPass   string   `yaml:"KRBPass"`
	BasicUser      string   `yaml:"BasicUser"`
	BasicPass      string   `yaml:"BasicPass"`
	LocalBasicUser string   `yaml:"LocalBasicUser"`
	LocalBasicHash string   `yaml:"LocalBasicHash"`
}
type Scanner struct {
	Enable bool `yaml:"enable"`
	// KiB, 0 disables the ceiling, 1 never fetches a scanned file
	MaxSize int64    `yaml:"maxsize"`
	Agents  []string `yaml:"agents"`
}
type Clamd struct {
	Enable       bool   `yaml:"enable"`
	Connection   string `yaml:"connection"`
	MaxSize      int64  `yaml:"maxsize"`
	BlockOnError bool   `yaml:"blockonerror"`
}
type Schema struct {
	Listen     Listen     `yaml:"listen"`
	Connection Connection `yaml:"connection"`
	Logging    Logging    `yaml:"logging"`
	PAC        PAC        `yaml:"pac"`
	Proxy      Proxy      `yaml:"proxy"`
	Scanner    Scanner    `yaml:"scanner"`
	Clamd      Clamd      `yaml:"clamd"`

	// Mu guards the sections swapped by a reload: Logging and Scanner.
	Mu sync.Mutex `yaml:"-"`
}

// ScannerSettings returns a copy of the scanner section.
func (s *Schema) ScannerSettings() Scanner {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	settings := s.Scanner
	settings.Agents = append([]string(nil), s.Scanner.Agents...)
	return settings
}

func decodeFile(configFilename string) (*Schema, error) {
	file, err := os.OpenFile(configFilename, os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("error reading config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	var configOut = &Schema{}
	err = decoder.Decode(configOut)
	if err != nil {
		return nil, fmt.Errorf("error decoding file: %w", err)
	}
	return configOut, nil
}

func validate(configOut *Schema) error {
	if configOut.PAC.Type != "" && configOut.PAC.Type != "FILE" && configOut.PAC.Type != "URL" {
		return fmt.Errorf("reading PAC type field: %s: only FILE and URL supported", configOut.PAC.Type)
	}
	if configOut.PAC.Type == "FILE" && configOut.PAC.File == "" {
		return errors.New("PAC type FILE needs a filename")
	}
	if configOut.PAC.Type == "URL" && configOut.PAC.URL == "" {
		return errors.New("PAC type URL needs a url")
	}
	if configOut.PAC.Type == "" && len(configOut.Proxy.Parents) == 0 {
		return errors.New("neither parent proxies nor a PAC source configured")
	}
	for i, v := range configOut.Proxy.Authentication {
		if v != "ntlm" && v != "negotiate" && v != "basic" {
			return fmt.Errorf("reading authentication field: %d:%s: only ntlm,negotiate and basic supported", i+1, v)
		}
	}
	if configOut.Listen.Port == "" {
		configOut.Listen.Port = "3128"
	}
	if port, err := strconv.Atoi(configOut.Listen.Port); err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid listen port: %s", configOut.Listen.Port)
	}
	if configOut.Scanner.MaxSize < 0 {
		return fmt.Errorf("invalid scanner maxsize: %d", configOut.Scanner.MaxSize)
	}
	if configOut.Clamd.Enable && configOut.Clamd.Connection == "" {
		return errors.New("clamd enabled without a connection")
	}
	return nil
}

func askPassword(kind string, user string) (string, error) {
	fmt.Printf("Enter %s Password for %s: ", kind, user)
	bytePassword, err := readPassword()
	fmt.Printf("\n")
	if err != nil {
		return "", fmt.Errorf("%s password read error: %w", kind, err)
	}
	return string(bytePassword), nil
}

// ReadConfig loads and validates configFilename, asks for passwords which are
// not stored in the file and, if watcher is set, reloads the reloadable
// sections whenever the file is written.
func ReadConfig(configFilename string, watcher *fsnotify.Watcher) (*Schema, error) {
	configOut, err := decodeFile(configFilename)
	if err != nil {
		return nil, err
	}
	if err = validate(configOut); err != nil {
		return nil, err
	}

	if configOut.Proxy.NtlmUser != "" && configOut.Proxy.NtlmPass == "" {
		configOut.Proxy.NtlmPass, err = askPassword("NTLM", configOut.Proxy.NtlmUser)
		if err != nil {
			return nil, err
		}
	}

	if configOut.Proxy.KerberosConfig != "" {
		_, err := os.Stat(configOut.Proxy.KerberosConfig)
		if err != nil {
			log.Printf("ERROR: ReadConfig: Can not read Kerberos config file %s", configOut.Proxy.KerberosConfig)
		}
	}

	if configOut.Proxy.KerberosUser != "" && configOut.Proxy.KerberosPass == "" && configOut.Proxy.KerberosCache == "" {
		configOut.Proxy.KerberosPass, err = askPassword("Kerberos", configOut.Proxy.KerberosUser)
		if err != nil {
			return nil, err
		}
	}

	if configOut.Proxy.BasicUser != "" && configOut.Proxy.BasicPass == "" {
		configOut.Proxy.BasicPass, err = askPassword("Basic", configOut.Proxy.BasicUser)
		if err != nil {
			return nil, err
		}
	}

	if watcher != nil {
		err = watcher.Add(configFilename)
		if err != nil {
			log.Printf("ERROR: ReadConfig: Can not watch config file %s: %v", configFilename, err)
		} else {
			go watch(configFilename, watcher, configOut)
		}
	}
	return configOut, nil
}

func watch(configFilename string, watcher *fsnotify.Watcher, target *Schema) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := Reload(configFilename, target); err != nil {
				log.Printf("ERROR: watch: Reload of %s failed: %v", configFilename, err)
			} else {
				log.Printf("INFO: watch: Reloaded %s", configFilename)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("ERROR: watch: %v", err)
		}
	}
}

// Reload rereads configFilename and swaps the logging level, trace flag and
// scanner section of target. Listeners, parents and credentials stay.
func Reload(configFilename string, target *Schema) error {
	configOut, err := decodeFile(configFilename)
	if err != nil {
		return err
	}
	if err = validate(configOut); err != nil {
		return err
	}
	target.Mu.Lock()
	defer target.Mu.Unlock()
	target.Logging.Level = strings.ToUpper(configOut.Logging.Level)
	target.Logging.Trace = configOut.Logging.Trace
	target.Scanner = configOut.Scanner
	return nil
}
