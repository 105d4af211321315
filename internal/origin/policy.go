// Package origin decides which browsing-context origins may talk to the import pipeline.
package origin

import (
	"net/http"
	"net/url"
	"strings"
)

// Policy is an immutable origin allow-list. It is safe for concurrent use.
type Policy struct {
	allowed map[string]struct{}
	devMode bool
}

// NewPolicy builds a policy from configured origins. In dev mode every origin is accepted.
func NewPolicy(origins []string, devMode bool) *Policy {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if n, ok := Normalize(o); ok {
			allowed[n] = struct{}{}
		}
	}
	return &Policy{allowed: allowed, devMode: devMode}
}

// Allows reports whether messages from origin may be processed
func (p *Policy) Allows(origin string) bool {
	if p.devMode {
		return true
	}
	n, ok := Normalize(origin)
	if !ok {
		return false
	}
	_, found := p.allowed[n]
	return found
}

// CheckRequest is a websocket origin check: requests without an Origin header
// or from the serving host pass, anything else must be allowed.
func (p *Policy) CheckRequest(r *http.Request) bool {
	o := r.Header.Get("Origin")
	if o == "" {
		return true
	}
	if u, err := url.Parse(o); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return p.Allows(o)
}

// DevMode reports whether enforcement is disabled
func (p *Policy) DevMode() bool {
	return p.devMode
}

// Origins returns the normalized allow-list
func (p *Policy) Origins() []string {
	out := make([]string, 0, len(p.allowed))
	for o := range p.allowed {
		out = append(out, o)
	}
	return out
}

// Normalize reduces an origin to lower-case scheme://host[:port], dropping default ports.
// Opaque origins ("null") and anything without scheme and host are rejected.
func Normalize(origin string) (string, bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" || origin == "null" {
		return "", false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	return scheme + "://" + host, true
}
