// Package register implements the device-registration flow that obtains
// tunnel credentials from the relay.
package register

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/towerhq/towerd/internal/creds"
)

// Grant is the relay's answer to a registration request: the operator visits
// VerificationURL and enters UserCode while the device polls with DeviceCode.
type Grant struct {
	DeviceCode      string `json:"deviceCode"`
	UserCode        string `json:"userCode"`
	VerificationURL string `json:"verificationUrl"`
	IntervalSeconds int    `json:"intervalSeconds"`
}

// Pending-side error codes on the token endpoint.
const (
	errAuthorizationPending = "authorization_pending"
	errSlowDown             = "slow_down"
	errAccessDenied         = "access_denied"
	errExpiredToken         = "expired_token"
)

// Client talks to the relay's public device-registration API.
type Client struct {
	server string
	httpc  *http.Client
	log    *zap.Logger
}

func New(serverURL string, log *zap.Logger) *Client {
	return &Client{
		server: strings.TrimRight(serverURL, "/"),
		httpc:  &http.Client{Timeout: 30 * time.Second},
		log:    log.With(zap.String("component", "register")),
	}
}

// Begin asks the relay for a device grant.
func (c *Client) Begin(ctx context.Context) (*Grant, error) {
	hostname, _ := os.Hostname()
	var g Grant
	if err := c.post(ctx, "/api/device/register", map[string]string{"hostname": hostname}, &g); err != nil {
		return nil, fmt.Errorf("begin device registration: %w", err)
	}
	if g.DeviceCode == "" {
		return nil, fmt.Errorf("begin device registration: relay returned no device code")
	}
	if g.IntervalSeconds <= 0 {
		g.IntervalSeconds = 5
	}
	return &g, nil
}

// tokenResponse is the polling answer: either a pending/denied error code or
// the issued credentials.
type tokenResponse struct {
	Error       string             `json:"error,omitempty"`
	Credentials *creds.Credentials `json:"credentials,omitempty"`
}

// Poll repeatedly asks the token endpoint whether the operator has approved
// the grant, backing off between attempts, until credentials are issued, the
// grant is denied or expires, or ctx is done.
func (c *Client) Poll(ctx context.Context, g *Grant) (*creds.Credentials, error) {
	b := &backoff.Backoff{
		Min:    time.Duration(g.IntervalSeconds) * time.Second,
		Max:    15 * time.Second,
		Factor: 1.5,
		Jitter: true,
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
		var tok tokenResponse
		if err := c.post(ctx, "/api/device/token", map[string]string{"deviceCode": g.DeviceCode}, &tok); err != nil {
			c.log.Warn("token poll failed", zap.Error(err))
			continue
		}
		switch tok.Error {
		case "":
			if tok.Credentials == nil {
				return nil, fmt.Errorf("token endpoint returned neither credentials nor an error")
			}
			if err := tok.Credentials.Validate(); err != nil {
				return nil, err
			}
			return tok.Credentials, nil
		case errAuthorizationPending:
			b.Reset()
		case errSlowDown:
			// keep the grown delay
		case errAccessDenied, errExpiredToken:
			return nil, fmt.Errorf("device registration rejected: %s", tok.Error)
		default:
			return nil, fmt.Errorf("device registration failed: %s", tok.Error)
		}
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: relay returned %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
