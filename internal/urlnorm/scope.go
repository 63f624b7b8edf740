package urlnorm

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Scope modes
const (
	ScopeHost   = "host"
	ScopeDomain = "domain"
)

// Scope decides whether a URL belongs to the site being audited.
type Scope struct {
	mode   string
	host   string // host[:port] as hostKey renders it
	domain string // registrable domain, empty when not derivable
}

// NewScope builds a Scope anchored at seed.
func NewScope(seed, mode string) (*Scope, error) {
	u, err := url.Parse(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if u.Hostname() == "" {
		return nil, ErrMissingHost
	}

	switch mode {
	case "", ScopeHost:
		mode = ScopeHost
	case ScopeDomain:
	default:
		return nil, fmt.Errorf("unknown scope mode %q", mode)
	}

	return &Scope{
		mode:   mode,
		host:   hostKey(u),
		domain: registrableDomain(bareHostname(u)),
	}, nil
}

// InScope reports whether rawURL is internal to the audited site.
func (s *Scope) InScope(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}

	if hostKey(u) == s.host {
		return true
	}
	if s.mode != ScopeDomain || s.domain == "" {
		return false
	}
	return registrableDomain(bareHostname(u)) == s.domain
}

// bareHostname lowercases the hostname and drops trailing dots, matching
// what Normalize does.
func bareHostname(u *url.URL) string {
	return strings.ToLower(strings.TrimRight(u.Hostname(), "."))
}

// hostKey folds u to hostname[:port] without a leading "www." and without
// the scheme's default port.
func hostKey(u *url.URL) string {
	host := strings.TrimPrefix(bareHostname(u), "www.")
	if port := u.Port(); port != "" && port != defaultPorts[strings.ToLower(u.Scheme)] {
		host += ":" + port
	}
	return host
}

// registrableDomain returns eTLD+1, or "" for IPs, localhost and other
// hosts without a public suffix.
func registrableDomain(hostname string) string {
	if net.ParseIP(hostname) != nil {
		return ""
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(hostname))
	if err != nil {
		return ""
	}
	return d
}
