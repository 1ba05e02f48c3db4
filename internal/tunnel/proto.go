package tunnel

import (
	"encoding/json"
	"strings"
)

// ProtocolVersion is offered as the websocket subprotocol so relays can
// reject agents speaking an incompatible framing.
const ProtocolVersion = "towerd-tunnel-v1"

const (
	authRequestType = "auth"
	pingRequestType = "ping"

	// ProxyChannelType is the SSH channel type the relay opens for each
	// proxied HTTP request or websocket upgrade.
	ProxyChannelType = "tower-proxy"
)

// AuthFrame is the first message sent after the transport connects, carried
// as the payload of a global "auth" request on the SSH session.
type AuthFrame struct {
	APIKey  string `json:"apiKey"`
	TowerID string `json:"towerId"`
}

// Error tags the relay may return for a rejected auth frame. Only
// invalid_api_key is terminal; the rest are retryable.
const (
	ErrTagInvalidAPIKey    = "invalid_api_key"
	ErrTagInvalidAuthFrame = "invalid_auth_frame"
	ErrTagRateLimited      = "rate_limited"
	ErrTagInternalError    = "internal_error"
)

// AuthError is a relay-side rejection of the auth frame (or of the SSH
// credentials themselves).
type AuthError struct {
	Tag string
}

func (e *AuthError) Error() string {
	return "relay rejected auth: " + e.Tag
}

// Terminal reports whether the rejection is permanent, requiring new
// credentials or an explicit circuit-breaker reset before the next attempt.
func (e *AuthError) Terminal() bool {
	return e.Tag == ErrTagInvalidAPIKey
}

// parseAuthReply interprets the reply payload of the auth request. An empty
// payload acknowledges the frame; otherwise the payload carries either a JSON
// {"error": tag} object or a bare tag string.
func parseAuthReply(payload []byte) *AuthError {
	if len(payload) == 0 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != "" {
		return &AuthError{Tag: body.Error}
	}
	return &AuthError{Tag: strings.TrimSpace(string(payload))}
}
