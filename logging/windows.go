//go:build windows

package logging

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/sys/windows/svc/eventlog"
)

var alreadyExists bool = false

func Printf(level string, format string, a ...any) (int, error) {
	var err error
	var loggerName string = "scanproxy"
	var wlog *eventlog.Log

	if strings.ToUpper(logFile()) != "EVENTLOG" {
		return osPrintf(logFile(), level, format, a...)
	}

	logLevel, logTrace, _ := settings()
	if !enabled(level, logLevel, logTrace) {
		return 0, nil
	}

	// Log to local windows eventlog
	if !alreadyExists {
		err = eventlog.InstallAsEventCreate(loggerName, eventlog.Info|eventlog.Warning|eventlog.Error)
		if err != nil {
			alreadyExists, _ = regexp.MatchString(" registry key already exists", err.Error())
			if !alreadyExists {
				return 0, err
			}
		}
		alreadyExists = true
	}

	wlog, err = eventlog.Open(loggerName)
	if err != nil {
		return 0, err
	}
	defer wlog.Close()

	message := fmt.Sprintf(format, a...)
	switch level {
	case "INFO":
		err = wlog.Info(100, message)
	case "DEBUG", "TRACE":
		err = wlog.Info(700, message)
	case "WARNING":
		err = wlog.Warning(200, message)
	case "ERROR":
		err = wlog.Error(300, message)
	default:
		err = wlog.Info(500, message)
	}
	if err != nil {
		return 0, err
	}
	return len(message), nil
}
