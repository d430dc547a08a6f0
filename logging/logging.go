package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"scanproxy/readconfig"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var levelRank = map[string]int{
	"DEBUG":   0,
	"INFO":    1,
	"WARNING": 2,
	"ERROR":   3,
}

var (
	writersMu sync.Mutex
	writers   = map[string]*lumberjack.Logger{}
)

func GetFunctionName() string {
	pc, _, _, _ := runtime.Caller(1)
	fn := runtime.FuncForPC(pc)
	return fn.Name()
}

// settings returns the configured level and trace flag. Without a loaded
// configuration everything down to DEBUG goes to stdout.
func settings() (string, bool, readconfig.Logging) {
	if readconfig.Config == nil {
		return "DEBUG", false, readconfig.Logging{}
	}
	readconfig.Config.Mu.Lock()
	defer readconfig.Config.Mu.Unlock()
	conf := readconfig.Config.Logging
	return strings.ToUpper(conf.Level), conf.Trace, conf
}

// enabled reports whether a message of level passes the configured level.
// ERROR and ACCESS always pass, TRACE only when tracing is on.
func enabled(level string, logLevel string, logTrace bool) bool {
	switch level {
	case "TRACE":
		return logTrace
	case "ERROR", "ACCESS":
		return true
	}
	rank, ok := levelRank[level]
	if !ok {
		return true
	}
	configured, ok := levelRank[logLevel]
	if !ok {
		configured = levelRank["DEBUG"]
	}
	return rank >= configured
}

func fileWriter(filename string, conf readconfig.Logging) io.Writer {
	writersMu.Lock()
	defer writersMu.Unlock()
	w, ok := writers[filename]
	if !ok {
		w = &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    conf.MaxSize,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAge,
		}
		writers[filename] = w
	}
	return w
}

// CloseFiles flushes and closes all open log files.
func CloseFiles() {
	writersMu.Lock()
	defer writersMu.Unlock()
	for name, w := range writers {
		w.Close()
		delete(writers, name)
	}
}

func osPrintf(logFilename string, level string, format string, a ...any) (int, error) {
	logLevel, logTrace, conf := settings()
	if !enabled(level, logLevel, logTrace) {
		return 0, nil
	}
	if _, known := levelRank[level]; !known && level != "TRACE" && level != "ACCESS" {
		level = "UNKNOWN"
	}

	var out io.Writer = os.Stdout
	if strings.ToUpper(logFilename) != "STDOUT" && logFilename != "" {
		// Log to rotated local file
		out = fileWriter(logFilename, conf)
	}
	timeStamp := time.Now().Format(time.RFC1123)
	return fmt.Fprintf(out, "%s %s: %s", timeStamp, level, fmt.Sprintf(format, a...))
}

func logFile() string {
	if readconfig.Config == nil {
		return "STDOUT"
	}
	readconfig.Config.Mu.Lock()
	defer readconfig.Config.Mu.Unlock()
	return readconfig.Config.Logging.File
}
