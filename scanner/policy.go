package scanner

import (
	"strings"

	"scanproxy/readconfig"

	"github.com/tidwall/match"
)

// Policy limits which interstitial downloads are waited for.
type Policy struct {
	// Size ceiling in KiB. 0 disables the check, 1 gives up on every
	// announced download.
	MaxKilobytes int64

	// Case-insensitive wildcard patterns for user agents which skip the
	// ceiling. Only * and ? are special, [...] classes match literally.
	Agents []string
}

func PolicyFromConfig(conf readconfig.Scanner) Policy {
	return Policy{MaxKilobytes: conf.MaxSize, Agents: append([]string(nil), conf.Agents...)}
}

// Ceiling returns the size ceiling for a request from userAgent.
func (p Policy) Ceiling(userAgent string) int64 {
	if userAgent == "" || p.MaxKilobytes == 0 {
		return p.MaxKilobytes
	}
	agent := strings.ToLower(userAgent)
	for _, pattern := range p.Agents {
		if match.Match(agent, strings.ToLower(pattern)) {
			return 0
		}
	}
	return p.MaxKilobytes
}
