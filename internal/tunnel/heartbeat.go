package tunnel

import (
	"errors"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/towerhq/towerd/internal/obs"
)

// startHeartbeatLocked replaces any running heartbeat with a fresh one bound
// to the given connection and generation. Replacement is exact: the previous
// interval, pong timer, and ping sender are retired together, so duplicates
// can never accumulate.
func (c *Client) startHeartbeatLocked(gen uint64, conn ssh.Conn) {
	c.stopHeartbeatLocked()
	stop := make(chan struct{})
	c.hbStop = stop
	go c.heartbeatLoop(gen, conn, stop)
}

func (c *Client) stopHeartbeatLocked() {
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

// heartbeatLoop pings the relay on a fixed interval. A pong timeout is armed
// at the moment each ping is sent and carries the generation of the
// connection it was armed against; if the connection has been replaced by the
// time it fires, it is a no-op. SendRequest blocks until the relay replies or
// the transport dies, so a timely pong stops the timer with no observable
// side effect.
func (c *Client) heartbeatLoop(gen uint64, conn ssh.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			timeout := time.AfterFunc(c.cfg.PongTimeout, func() {
				c.pongTimeout(gen)
			})
			_, _, err := conn.SendRequest(pingRequestType, true, nil)
			if err == nil {
				timeout.Stop()
				continue
			}
			// A failed ping send is swallowed; the armed pong timeout (or the
			// transport's own close notification) drives recovery.
		}
	}
}

func (c *Client) pongTimeout(gen uint64) {
	if c.connectionLost(gen, "pong_timeout", errors.New("heartbeat pong timed out")) {
		obs.HeartbeatTimeouts.Inc()
	}
}
