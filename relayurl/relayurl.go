// Package relayurl normalizes relay websocket URLs into the canonical form
// used as a map key everywhere else (trailing slash and default-port
// collapsing), and applies the gossip allow-list policy for onion, local
// and no-TLS URLs.
package relayurl

import (
	"net"
	"net/url"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrrelay/sdk/errs"
)

// Normalize validates raw as a websocket relay URL and returns its
// canonical form: lowercase scheme/host, default port stripped, no
// trailing slash. The result is stable and suitable as a map key.
func Normalize(raw string) (string, error) {
	if !nostr.IsValidRelayURL(raw) {
		return "", errs.ErrInvalidRelayURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errs.ErrInvalidRelayURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "wss" && port == "443") || (u.Scheme == "ws" && port == "80") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.Fragment = ""
	return u.String(), nil
}

// AllowedPolicy says which relay URL classes the gossip router may hand
// out: onion services, local/private addresses, and plain-ws endpoints.
type AllowedPolicy struct {
	Onion      bool
	Local      bool
	WithoutTLS bool
}

// IsAllowed reports whether normalized relay URL u satisfies policy p.
func IsAllowed(u string, p AllowedPolicy) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	host := parsed.Hostname()

	if strings.HasSuffix(host, ".onion") {
		return p.Onion
	}
	if parsed.Scheme == "ws" && !p.WithoutTLS {
		return false
	}
	if isLocalHost(host) && !p.Local {
		return false
	}
	return true
}

func isLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate() {
		return true
	}
	return false
}
