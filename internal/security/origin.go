package security

import (
	"net"
	"net/netip"
	"net/url"
	"strings"
)

const extensionScheme = "chrome-extension://"

// OriginPolicy decides which Origin headers count as the extension.
type OriginPolicy struct {
	extensionIDs map[string]struct{}
}

// NewOriginPolicy builds a policy. An empty id list accepts any extension origin.
func NewOriginPolicy(extensionIDs []string) *OriginPolicy {
	p := &OriginPolicy{extensionIDs: make(map[string]struct{}, len(extensionIDs))}
	for _, id := range extensionIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			p.extensionIDs[id] = struct{}{}
		}
	}
	return p
}

// IsExtensionOrigin reports whether origin is a permitted chrome-extension origin.
func (p *OriginPolicy) IsExtensionOrigin(origin string) bool {
	id, ok := strings.CutPrefix(origin, extensionScheme)
	if !ok {
		return false
	}
	id = strings.TrimSuffix(id, "/")
	if id == "" || strings.ContainsAny(id, "/?#") {
		return false
	}
	if len(p.extensionIDs) == 0 {
		return true
	}
	_, allowed := p.extensionIDs[id]
	return allowed
}

// IsLoopbackOrigin reports whether origin is an http(s) page served from a
// loopback host, such as a local dashboard on another port.
func IsLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.IsLoopback()
}

// IsLoopbackRemote reports whether a net/http RemoteAddr is 127.0.0.1 or ::1
// (including IPv4-mapped forms).
func IsLoopbackRemote(remoteAddr string) bool {
	addr, ok := RemoteIP(remoteAddr)
	return ok && addr.Unmap().IsLoopback()
}

// RemoteIP extracts the address part of a host:port remote.
func RemoteIP(remoteAddr string) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// ClientKey is the rate-limit key for a remote address.
func ClientKey(remoteAddr string) string {
	if addr, ok := RemoteIP(remoteAddr); ok {
		return addr.Unmap().String()
	}
	return remoteAddr
}
