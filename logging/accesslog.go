package logging

import (
	"fmt"
	"scanproxy/readconfig"
	"time"
)

type AccessLogRecord struct {
	// proxy hostname
	Proxy string
	// proxy listen address
	ProxyIP string
	// session ID
	SessionID int64
	// source IP
	SourceIP string
	// User Agent
	UserAgent string
	// forwarded IP from header
	ForwardedIP string
	// upstream proxy IP
	UpstreamProxyIP string
	// HTTP method used
	Method string
	// HTTP URL requested
	Url string
	// HTTP protocol version requested
	Version string
	// HTTP response code
	Status string
	// bytes in
	BytesIN int64
	// bytes out
	BytesOUT int64
	// interstitial scanner outcome
	Scanner string
	// connection start time
	Starttime time.Time
	// connection end time
	Endtime time.Time
	// connection duration
	Duration time.Duration
	// viruses reported by clamd
	VirusList string
}

func humanReadableBitrate(bps float64) string {
	const (
		Kbps = 1_000
		Mbps = 1_000_000
		Gbps = 1_000_000_000
		Tbps = 1_000_000_000_000
	)

	switch {
	case bps >= Tbps:
		return fmt.Sprintf("%.2fTbps", bps/Tbps)
	case bps >= Gbps:
		return fmt.Sprintf("%.2fGbps", bps/Gbps)
	case bps >= Mbps:
		return fmt.Sprintf("%.2fMbps", bps/Mbps)
	case bps >= Kbps:
		return fmt.Sprintf("%.2fKbps", bps/Kbps)
	default:
		return fmt.Sprintf("%.2fbps", bps)
	}
}

func bitrate(bytes int64, duration time.Duration) string {
	if duration <= 0 {
		return humanReadableBitrate(0)
	}
	return humanReadableBitrate(float64(bytes) / duration.Seconds())
}

// FormatAccessLog renders record as one pipe separated line.
func FormatAccessLog(record AccessLogRecord) string {
	return fmt.Sprintf("proxy=%s|proxyIP=%s|sessionID=%d|sourceIP=%s|user-agent=%s|forwardedIP=%s|upstreamProxyIP=%s|method=%s|url=%s|version=%s|status=%s|scanner=%s|virus=%s|bytesIN=%d|bytesOUT=%d|starttime=%s|endtime=%s|duration=%s|speedIN=%s|speedOUT=%s\n", record.Proxy, record.ProxyIP, record.SessionID, record.SourceIP, record.UserAgent, record.ForwardedIP, record.UpstreamProxyIP, record.Method, record.Url, record.Version, record.Status, record.Scanner, record.VirusList, record.BytesIN, record.BytesOUT, record.Starttime.Format(time.RFC1123), record.Endtime.Format(time.RFC1123), record.Duration.String(), bitrate(record.BytesIN, record.Duration), bitrate(record.BytesOUT, record.Duration))
}

func AccesslogWrite(record AccessLogRecord) (int, error) {
	var accesslogFilename string = "STDOUT"
	if readconfig.Config != nil {
		readconfig.Config.Mu.Lock()
		accesslogFilename = readconfig.Config.Logging.AccessLog
		readconfig.Config.Mu.Unlock()
	}
	return osPrintf(accesslogFilename, "ACCESS", "%s", FormatAccessLog(record))
}
