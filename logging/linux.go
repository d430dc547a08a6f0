//go:build !windows

package logging

import (
	"fmt"
	"log/syslog"
	"strings"
)

func Printf(level string, format string, a ...any) (int, error) {
	var length int = 0
	var err error = nil

	file := strings.ToUpper(logFile())
	if file != "SYSLOG" && file != "EVENTLOG" {
		return osPrintf(logFile(), level, format, a...)
	}

	logLevel, logTrace, _ := settings()
	if !enabled(level, logLevel, logTrace) {
		return 0, nil
	}
	message := fmt.Sprintf(format, a...)

	var sysLog *syslog.Writer
	// Log to local Unix syslog socket
	sysLog, err = syslog.Dial("", "/dev/log",
		syslog.LOG_WARNING|syslog.LOG_DAEMON, "scanproxy")
	if err != nil {
		return 0, err
	}
	defer sysLog.Close()
	switch level {
	case "INFO":
		err = sysLog.Info("INFO: " + message)
	case "DEBUG", "TRACE":
		err = sysLog.Debug(level + ": " + message)
	case "WARNING":
		err = sysLog.Warning("WARNING: " + message)
	case "ERROR":
		err = sysLog.Err("ERROR: " + message)
	default:
		level = "UNKNOWN"
		err = sysLog.Info("UNKNOWN: " + message)
	}
	length = len(level + ": " + message)
	return length, err
}
