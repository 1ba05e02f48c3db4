package tunnel

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/towerhq/towerd/internal/obs"
)

// State is the connection lifecycle state of a Client. Exactly one state is
// active at a time; transitions are observable through OnStateChange.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	// StateAuthFailed is terminal: the relay rejected the credentials and no
	// reconnect is scheduled until ResetCircuitBreaker or new credentials.
	StateAuthFailed State = "auth_failed"
)

func stateOrdinal(s State) float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateAuthFailed:
		return 3
	default:
		return 0
	}
}

// Config carries the connection parameters for one Client. They are immutable
// after construction; rotating credentials means building a new Client.
type Config struct {
	ServerHost string
	TunnelPort int
	APIKey     string
	TowerID    string
	// LocalPort is where the local daemon serves the traffic that exits the
	// tunnel.
	LocalPort int
	// PlainText dials ws:// instead of wss://. Used by tests and plaintext
	// relays.
	PlainText bool

	PingInterval     time.Duration // default 25s
	PongTimeout      time.Duration // default 10s
	HandshakeTimeout time.Duration // default 45s

	Logger *zap.Logger
}

// Client is the tunnel client. It dials out to the relay over a single
// persistent websocket connection, runs a multiplexed SSH session on it, and
// serves the streams the relay pushes back.
//
// There is no internal event loop; one mutex guards the connection state, and
// every asynchronous completion (dial result, timer fire, transport close)
// re-checks the connection generation under that mutex before acting, so work
// armed against a torn-down connection becomes a no-op.
type Client struct {
	cfg   Config
	log   *zap.Logger
	local *http.Client
	meta  metadataCache

	mu          sync.Mutex
	state       State
	conn        ssh.Conn
	gen         uint64 // bumped whenever the live connection is replaced or torn down
	failures    int
	connectedAt time.Time
	reconnect   *time.Timer
	hbStop      chan struct{}
	listeners   []func(State)

	// Injection points for tests; CalculateBackoff and math/rand in production.
	backoffFn func(attempt int, rand func() float64) time.Duration
	randFn    func() float64
}

// NewClient creates a tunnel client. It performs no I/O; call Connect to
// start the connection attempt.
func NewClient(cfg Config) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 45 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		log: logger.With(zap.String("component", "tunnel"), zap.String("tower", cfg.TowerID)),
		local: &http.Client{
			Transport: &http.Transport{DisableCompression: true},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects belong to the public caller, not the proxy.
				return http.ErrUseLastResponse
			},
		},
		state:     StateDisconnected,
		backoffFn: CalculateBackoff,
		randFn:    rand.Float64,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Uptime returns the time elapsed since the client entered the connected
// state. ok is false in every other state.
func (c *Client) Uptime() (uptime time.Duration, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.connectedAt.IsZero() {
		return 0, false
	}
	return time.Since(c.connectedAt), true
}

// Failures returns the count of consecutive failed connection attempts.
func (c *Client) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// OnStateChange registers a listener invoked on every state transition. A
// panicking listener is recovered and logged; it never aborts the transition
// or affects other listeners.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// transitionLocked moves to s and returns the listener set to notify once the
// lock is released. Returns nil listeners when the state is unchanged.
func (c *Client) transitionLocked(s State) []func(State) {
	if c.state == s {
		return nil
	}
	c.state = s
	obs.TunnelState.Set(stateOrdinal(s))
	return append(([]func(State))(nil), c.listeners...)
}

func (c *Client) notify(s State, fns []func(State)) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Warn("state listener panicked", zap.Any("panic", r))
				}
			}()
			fn(s)
		}()
	}
}

// Connect starts a connection attempt and returns immediately; progress is
// observable through State and OnStateChange. It is a no-op while a handshake
// is in flight or a connection is live, and it is refused in auth_failed,
// which requires ResetCircuitBreaker or new credentials first.
func (c *Client) Connect() {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return
	case StateAuthFailed:
		c.mu.Unlock()
		c.log.Warn("connect refused: credentials were rejected; reset the circuit breaker or re-register")
		return
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	gen := c.gen
	fns := c.transitionLocked(StateConnecting)
	c.mu.Unlock()
	c.notify(StateConnecting, fns)
	go c.dial(gen)
}

// Disconnect tears everything down: it cancels any pending reconnect, stops
// the heartbeat, closes the transport, and aborts a handshake in flight. It
// is idempotent and safe before any Connect. In-flight proxied streams are
// not cancelled individually; they fail once the shared transport closes.
//
// Disconnect from auth_failed clears the handles but leaves the state
// auth_failed: only ResetCircuitBreaker (or new credentials) exits it.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.connectedAt = time.Time{}
	var fns []func(State)
	if c.state != StateAuthFailed {
		fns = c.transitionLocked(StateDisconnected)
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.notify(StateDisconnected, fns)
}

// ResetCircuitBreaker zeroes the consecutive-failure counter and, if the
// client is in auth_failed, moves it back to disconnected so a subsequent
// Connect is permitted. It does not touch an active connection.
func (c *Client) ResetCircuitBreaker() {
	c.mu.Lock()
	c.failures = 0
	var fns []func(State)
	if c.state == StateAuthFailed {
		fns = c.transitionLocked(StateDisconnected)
	}
	c.mu.Unlock()
	c.notify(StateDisconnected, fns)
}

// dial runs the full transport + auth handshake for the attempt identified by
// gen and installs the resulting connection, unless a Disconnect (or a
// competing teardown) invalidated the attempt in the meantime.
func (c *Client) dial(gen uint64) {
	sshConn, chans, reqs, err := c.handshake()
	if err != nil {
		c.connectFailed(gen, err)
		return
	}
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		// Disconnect raced the handshake; this attempt is void.
		c.mu.Unlock()
		_ = sshConn.Close()
		return
	}
	c.conn = sshConn
	c.failures = 0
	c.connectedAt = time.Now()
	c.startHeartbeatLocked(gen, sshConn)
	fns := c.transitionLocked(StateConnected)
	snap := c.meta.Snapshot()
	c.mu.Unlock()

	obs.TunnelConnects.Inc()
	c.log.Info("tunnel connected",
		zap.String("relay", c.relayAddr()),
		zap.Int("projects", len(snap.Projects)),
		zap.Int("terminals", len(snap.Terminals)))
	c.notify(StateConnected, fns)

	go ssh.DiscardRequests(reqs)
	go c.serveStreams(chans)
	go func() {
		err := sshConn.Wait()
		c.connectionLost(gen, "transport", err)
	}()
}

func (c *Client) relayAddr() string {
	return net.JoinHostPort(c.cfg.ServerHost, strconv.Itoa(c.cfg.TunnelPort))
}

// handshake dials the relay, runs the SSH handshake on the websocket, and
// sends the auth frame. A non-nil *AuthError in the return marks a relay
// rejection; any other error is a network-level failure.
func (c *Client) handshake() (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	scheme := "wss"
	if c.cfg.PlainText {
		scheme = "ws"
	}
	wsURL := fmt.Sprintf("%s://%s/tunnel", scheme, c.relayAddr())
	dialer := websocket.Dialer{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Subprotocols:     []string{ProtocolVersion},
	}
	ws, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial relay: %w", err)
	}

	conn := newWSConn(ws)
	sshCfg := &ssh.ClientConfig{
		User: c.cfg.TowerID,
		Auth: []ssh.AuthMethod{ssh.Password(c.cfg.APIKey)},
		// The relay is authenticated by its TLS certificate during the
		// websocket dial, not by an SSH host key.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		ClientVersion:   "SSH-2.0-towerd",
		Timeout:         c.cfg.HandshakeTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, c.relayAddr(), sshCfg)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, nil, nil, &AuthError{Tag: ErrTagInvalidAPIKey}
		}
		return nil, nil, nil, fmt.Errorf("ssh handshake: %w", err)
	}

	frame, err := json.Marshal(AuthFrame{APIKey: c.cfg.APIKey, TowerID: c.cfg.TowerID})
	if err != nil {
		_ = sshConn.Close()
		return nil, nil, nil, fmt.Errorf("marshal auth frame: %w", err)
	}
	ok, payload, err := sshConn.SendRequest(authRequestType, true, frame)
	if err != nil {
		_ = sshConn.Close()
		return nil, nil, nil, fmt.Errorf("send auth frame: %w", err)
	}
	if !ok {
		_ = sshConn.Close()
		return nil, nil, nil, &AuthError{Tag: ErrTagInternalError}
	}
	if aerr := parseAuthReply(payload); aerr != nil {
		_ = sshConn.Close()
		return nil, nil, nil, aerr
	}
	return sshConn, chans, reqs, nil
}

// connectFailed handles an unsuccessful attempt: terminal auth rejection
// parks the client in auth_failed; everything else counts a failure and
// schedules a backoff reconnect.
func (c *Client) connectFailed(gen uint64, err error) {
	var aerr *AuthError
	terminal := errors.As(err, &aerr) && aerr.Terminal()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.stopHeartbeatLocked()
	c.conn = nil
	c.connectedAt = time.Time{}

	if terminal {
		fns := c.transitionLocked(StateAuthFailed)
		c.mu.Unlock()
		obs.TunnelFailures.WithLabelValues("auth").Inc()
		c.log.Error("relay rejected credentials; waiting for reset or new credentials", zap.Error(err))
		c.notify(StateAuthFailed, fns)
		return
	}

	c.failures++
	attempt := c.failures
	delay := c.backoffFn(attempt, c.randFn)
	c.scheduleReconnectLocked(delay)
	fns := c.transitionLocked(StateDisconnected)
	c.mu.Unlock()

	obs.TunnelFailures.WithLabelValues("connect").Inc()
	c.log.Warn("connection attempt failed",
		zap.Error(err),
		zap.Int("consecutive_failures", attempt),
		zap.Duration("retry_in", delay))
	c.notify(StateDisconnected, fns)
}

// connectionLost handles the death of an established connection (transport
// closed, or pong timeout). Returns false without side effects when gen no
// longer identifies the live connection.
func (c *Client) connectionLost(gen uint64, reason string, cause error) bool {
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnected {
		c.mu.Unlock()
		return false
	}
	c.gen++
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	c.connectedAt = time.Time{}
	c.failures++
	attempt := c.failures
	delay := c.backoffFn(attempt, c.randFn)
	c.scheduleReconnectLocked(delay)
	fns := c.transitionLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	obs.TunnelFailures.WithLabelValues(reason).Inc()
	c.log.Warn("connection lost",
		zap.String("reason", reason),
		zap.Error(cause),
		zap.Int("consecutive_failures", attempt),
		zap.Duration("retry_in", delay))
	c.notify(StateDisconnected, fns)
	return true
}

// scheduleReconnectLocked arms the single reconnect timer, replacing any
// pending one. The timer captures the current generation; by fire time a
// Disconnect or competing reconnect will have moved it on, making the fire a
// no-op.
func (c *Client) scheduleReconnectLocked(delay time.Duration) {
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	gen := c.gen
	c.reconnect = time.AfterFunc(delay, func() {
		c.reconnectFire(gen)
	})
}

func (c *Client) reconnectFire(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	dialGen := c.gen
	fns := c.transitionLocked(StateConnecting)
	c.mu.Unlock()
	c.notify(StateConnecting, fns)
	go c.dial(dialGen)
}
