package tunnel

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsBlockedPath(t *testing.T) {
	tests := []struct {
		path    string
		blocked bool
	}{
		{"/api/tunnel/connect", true},
		{"/api/tunnel/status", true},
		{"/api/tunnel", true},
		{"/api%2Ftunnel/status", true},
		{"/api/tunnel/../tunnel/status", true},
		{"/api/projects/../tunnel/disconnect", true},
		{"/api/projects", false},
		{"/api/tunnels", false},
		{"/api/tower/metadata", false},
		{"/", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.blocked, IsBlockedPath(tt.path), "path %q", tt.path)
	}
}

func TestCanonicalPath(t *testing.T) {
	assert.Equal(t, "/api/tunnel/status", CanonicalPath("/api%2Ftunnel/status"))
	assert.Equal(t, "/api/tunnel/status", CanonicalPath("/api/tunnel/../tunnel/status"))
	assert.Equal(t, "/api/tower/metadata", CanonicalPath("/api/tower/./metadata"))
	assert.Equal(t, "/x", CanonicalPath("x"))
}

func TestFilterHopByHopHeaders(t *testing.T) {
	in := http.Header{
		"Connection":   {"keep-alive"},
		"Content-Type": {"text/html"},
	}
	out := FilterHopByHopHeaders(in)
	assert.Equal(t, http.Header{"Content-Type": {"text/html"}}, out)

	// The input is left untouched.
	assert.Equal(t, "keep-alive", in.Get("Connection"))
}

func TestFilterHopByHopHeadersCaseInsensitive(t *testing.T) {
	in := http.Header{
		"connection":        {"close"},
		"KEEP-ALIVE":        {"timeout=5"},
		"transfer-encoding": {"chunked"},
		"x-custom":          {"kept"},
	}
	out := FilterHopByHopHeaders(in)
	assert.Equal(t, http.Header{"x-custom": {"kept"}}, out)
}

func TestFilterHopByHopHeadersMultiValued(t *testing.T) {
	in := http.Header{
		"Set-Cookie": {"a=1", "b=2"},
		"Te":         {"trailers"},
	}
	out := FilterHopByHopHeaders(in)
	assert.Equal(t, []string{"a=1", "b=2"}, out["Set-Cookie"])
	assert.NotContains(t, out, "Te")
}

func TestFilterHopByHopHeadersDropsEmptyEntries(t *testing.T) {
	in := http.Header{
		"X-Empty":      nil,
		"Content-Type": {"application/json"},
	}
	out := FilterHopByHopHeaders(in)
	assert.NotContains(t, out, "X-Empty")
	assert.Contains(t, out, "Content-Type")
}

func TestFilterHopByHopHeadersFullSet(t *testing.T) {
	in := http.Header{
		"Connection":          {"upgrade"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authenticate":  {"Basic"},
		"Proxy-Authorization": {"Basic Zm9v"},
		"Te":                  {"trailers"},
		"Trailers":            {"X-Checksum"},
		"Transfer-Encoding":   {"chunked"},
		"Upgrade":             {"websocket"},
	}
	assert.Empty(t, FilterHopByHopHeaders(in))
}
