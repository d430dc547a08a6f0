package viruscheck

import (
	"errors"
	"io"
	"scanproxy/logging"
	"scanproxy/readconfig"

	"github.com/dutchcoders/go-clamd"
)

var ErrNoConnection = errors.New("no clamd connection configured")

type streamScanner interface {
	ScanStream(r io.Reader, abort chan bool) (chan *clamd.ScanResult, error)
}

type ClamdStruct struct {
	clamd        streamScanner
	MaxSize      int64
	BlockOnError bool
}

// SetupClamd returns nil when scanning is disabled.
func SetupClamd(conf readconfig.Clamd) (*ClamdStruct, error) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), 0)
	if !conf.Enable {
		return nil, nil
	}
	if conf.Connection == "" {
		return nil, ErrNoConnection
	}
	logging.Printf("DEBUG", "SetupClamd: SessionID:%d Use clamd at %s\n", 0, conf.Connection)
	return &ClamdStruct{
		clamd:        clamd.NewClamd(conf.Connection),
		MaxSize:      conf.MaxSize,
		BlockOnError: conf.BlockOnError,
	}, nil
}

// Accepts reports whether a body of length bytes is scanned.
func (c *ClamdStruct) Accepts(length int64) bool {
	return c != nil && length > 0 && (c.MaxSize == 0 || length <= c.MaxSize)
}

// HasVirus scans data and returns the virus name when one was found. Scanner
// failures block the data only with BlockOnError.
func (c *ClamdStruct) HasVirus(sessionNo int64, data []byte) (string, bool) {
	logging.Printf("TRACE", "%s: SessionID:%d called\n", logging.GetFunctionName(), sessionNo)
	if c == nil {
		return "", false
	}

	logging.Printf("DEBUG", "HasVirus: SessionID:%d Write response to clamd: %d bytes\n", sessionNo, len(data))
	readPipe, writePipe := io.Pipe()
	defer readPipe.Close()

	go func() {
		defer writePipe.Close()
		_, err := writePipe.Write(data)
		if err != nil {
			logging.Printf("ERROR", "HasVirus: SessionID:%d Could not write to clamd scanner: %v\n", sessionNo, err)
		}
	}()

	resultChan, err := c.clamd.ScanStream(readPipe, make(chan bool))
	if err != nil {
		logging.Printf("ERROR", "HasVirus: SessionID:%d Could not open clamd scanner: %v\n", sessionNo, err)
		return c.onError()
	}

	logging.Printf("DEBUG", "HasVirus: SessionID:%d Get results from clamd\n", sessionNo)
	failed := false
	for result := range resultChan {
		logging.Printf("DEBUG", "HasVirus: SessionID:%d Clamd scan result: Status:%s Raw: %s\n", sessionNo, result.Status, result.Raw)
		switch result.Status {
		case clamd.RES_FOUND:
			return result.Description, true
		case clamd.RES_ERROR, clamd.RES_PARSE_ERROR:
			failed = true
		}
	}
	if failed {
		return c.onError()
	}
	return "", false
}

func (c *ClamdStruct) onError() (string, bool) {
	if c.BlockOnError {
		return "internal error", true
	}
	return "", false
}
