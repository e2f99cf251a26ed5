// Package firewall decides whether a backend URL may receive traffic.
package firewall

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Policy is the security section of a route table.
type Policy struct {
	DenyCloud bool     `json:"deny_cloud"`
	Allowlist []string `json:"allowlist,omitempty"`
	LANHosts  []string `json:"lan_hosts,omitempty"`
}

// Denial reasons.
const (
	ReasonInvalidURL     = "invalid_url"
	ReasonNotAllowlisted = "not_allowlisted"
	ReasonCloudDenied    = "cloud_denied"
)

// EgressDeniedError reports a target the policy refuses to contact.
type EgressDeniedError struct {
	URL    string
	Host   string
	Reason string
}

func (e *EgressDeniedError) Error() string {
	switch e.Reason {
	case ReasonInvalidURL:
		return fmt.Sprintf("egress denied: invalid target url %q", e.URL)
	case ReasonNotAllowlisted:
		return fmt.Sprintf("egress denied: host %q not in allowlist", e.Host)
	default:
		return fmt.Sprintf("egress denied: host %q is not local while deny_cloud is set", e.Host)
	}
}

// Egress enforces a Policy. The zero Policy allows any well-formed http(s)
// URL.
type Egress struct {
	denyCloud bool
	// allowlisted is set whenever an allowlist was configured, even one whose
	// entries are all blank; such a list admits nothing.
	allowlisted bool
	allow       map[string]struct{}
	lan         map[string]struct{}
}

// NewEgress compiles p.
func NewEgress(p Policy) *Egress {
	return &Egress{
		denyCloud:   p.DenyCloud,
		allowlisted: len(p.Allowlist) > 0,
		allow:       hostSet(p.Allowlist),
		lan:         hostSet(p.LANHosts),
	}
}

// Check returns the target host, or *EgressDeniedError.
func (e *Egress) Check(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return "", &EgressDeniedError{URL: rawURL, Reason: ReasonInvalidURL}
	}
	host := strings.ToLower(u.Hostname())

	if e.allowlisted {
		if _, ok := e.allow[host]; !ok {
			return host, &EgressDeniedError{URL: rawURL, Host: host, Reason: ReasonNotAllowlisted}
		}
	}
	if e.denyCloud && !e.isLocal(host) {
		return host, &EgressDeniedError{URL: rawURL, Host: host, Reason: ReasonCloudDenied}
	}
	return host, nil
}

// isLocal accepts loopback, reserved local-network labels and hosts the
// operator marked as LAN.
func (e *Egress) isLocal(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	if strings.HasSuffix(host, ".local") || strings.HasPrefix(host, "lan-") {
		return true
	}
	_, ok := e.lan[host]
	return ok
}

func hostSet(hosts []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			set[h] = struct{}{}
		}
	}
	return set
}
