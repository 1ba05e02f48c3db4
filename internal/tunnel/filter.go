package tunnel

import (
	"net/http"
	"net/textproto"
	"net/url"
	"path"
	"strings"
)

// ControlPathPrefix is the tunnel's own local management namespace. Requests
// for it must never ride in through the tunnel; the control API serves it on
// the loopback listener only.
const ControlPathPrefix = "/api/tunnel"

// MetadataPath is the reserved polling path answered locally from the cached
// metadata snapshot, never forwarded to the local service.
const MetadataPath = "/api/tower/metadata"

// CanonicalPath percent-decodes p and collapses "." and ".." segments. The
// blocked-prefix check runs on the canonical form so encoded separators
// ("/api%2Ftunnel/...") and traversal segments ("/api/tunnel/../tunnel/...")
// cannot slip past a naive prefix comparison.
func CanonicalPath(p string) string {
	if dec, err := url.PathUnescape(p); err == nil {
		p = dec
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// IsBlockedPath reports whether p resolves into the reserved control-plane
// namespace.
func IsBlockedPath(p string) bool {
	cp := CanonicalPath(p)
	return cp == ControlPathPrefix || strings.HasPrefix(cp, ControlPathPrefix+"/")
}

// Hop-by-hop headers are meaningful for a single connection leg only and are
// shed once per hop, in both directions.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// FilterHopByHopHeaders returns a copy of h with connection-scoped headers
// removed. Matching is case-insensitive; multi-valued headers pass through
// untouched; entries with no values are dropped.
func FilterHopByHopHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		if _, hop := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(name)]; hop {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
