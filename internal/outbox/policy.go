package outbox

import (
	"net"
	"net/url"
	"strings"
)

// EnvironmentDevelopment disables remote delivery regardless of the other switches.
const EnvironmentDevelopment = "development"

// Policy decides whether events may leave the process. Local development
// hosts are refused unless AllowLocal is set.
type Policy struct {
	Enabled     bool
	Environment string
	BaseURL     string
	AllowLocal  bool
}

// Allows reports whether delivery is permitted and, when it is not, why.
func (p Policy) Allows() (bool, string) {
	if !p.Enabled {
		return false, "disabled"
	}
	if strings.EqualFold(strings.TrimSpace(p.Environment), EnvironmentDevelopment) {
		return false, "development_environment"
	}
	parsed, err := url.Parse(strings.TrimSpace(p.BaseURL))
	if err != nil || parsed.Host == "" {
		return false, "invalid_base_url"
	}
	if !p.AllowLocal && isLocalHost(parsed.Hostname()) {
		return false, "local_host"
	}
	return true, ""
}

func isLocalHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	switch host {
	case "localhost", "0.0.0.0":
		return true
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}
