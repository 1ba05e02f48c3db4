package tunnel

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/ssh"
)

// testRelay is an in-process stand-in for the relay: it upgrades websocket
// connections, runs the server side of the SSH handshake, acknowledges or
// rejects auth frames, answers (or deliberately ignores) pings, and can
// originate proxy channels the way the real relay does.
type testRelay struct {
	t      *testing.T
	srv    *httptest.Server
	apiKey string

	mu          sync.Mutex
	authTag     string
	answerPings bool

	conns chan *relayConn
}

type relayConn struct {
	ssh *ssh.ServerConn
}

func testSigner(t *testing.T) ssh.Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return signer
}

func newTestRelay(t *testing.T, apiKey string) *testRelay {
	t.Helper()
	r := &testRelay{
		t:           t,
		apiKey:      apiKey,
		answerPings: true,
		conns:       make(chan *relayConn, 64),
	}
	signer := testSigner(t)
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.serve(signer, ws)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) setAuthTag(tag string) {
	r.mu.Lock()
	r.authTag = tag
	r.mu.Unlock()
}

func (r *testRelay) setAnswerPings(v bool) {
	r.mu.Lock()
	r.answerPings = v
	r.mu.Unlock()
}

func (r *testRelay) port() int {
	return r.srv.Listener.Addr().(*net.TCPAddr).Port
}

// clientConfig builds a Config pointed at the relay. Heartbeat intervals are
// set far out so they never interfere; heartbeat tests override them.
func (r *testRelay) clientConfig(t *testing.T, apiKey string, localPort int) Config {
	return Config{
		ServerHost:   "127.0.0.1",
		TunnelPort:   r.port(),
		APIKey:       apiKey,
		TowerID:      "tower-test",
		LocalPort:    localPort,
		PlainText:    true,
		PingInterval: time.Hour,
		PongTimeout:  time.Hour,
		Logger:       zaptest.NewLogger(t),
	}
}

func (r *testRelay) serve(signer ssh.Signer, ws *websocket.Conn) {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) != r.apiKey {
				return nil, fmt.Errorf("invalid api key")
			}
			return nil, nil
		},
	}
	cfg.AddHostKey(signer)
	conn := newWSConn(ws)
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	go func() {
		for req := range reqs {
			switch req.Type {
			case authRequestType:
				r.mu.Lock()
				tag := r.authTag
				r.mu.Unlock()
				if tag != "" {
					_ = req.Reply(true, []byte(`{"error":"`+tag+`"}`))
				} else {
					_ = req.Reply(true, nil)
				}
			case pingRequestType:
				r.mu.Lock()
				answer := r.answerPings
				r.mu.Unlock()
				if answer {
					_ = req.Reply(true, nil)
				}
				// An unanswered ping leaves the client's pong timer to fire.
			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}
	}()
	go func() {
		for nc := range chans {
			_ = nc.Reject(ssh.Prohibited, "relay originates channels")
		}
	}()
	r.conns <- &relayConn{ssh: sshConn}
}

func (r *testRelay) waitConn(t *testing.T) *relayConn {
	t.Helper()
	select {
	case rc := <-r.conns:
		return rc
	case <-time.After(5 * time.Second):
		t.Fatal("relay saw no client connection")
		return nil
	}
}

func (rc *relayConn) close() {
	_ = rc.ssh.Close()
}

// roundTrip pushes one HTTP request at the client over a fresh proxy channel
// and reads back the response, the way the relay forwards public traffic.
func (rc *relayConn) roundTrip(t *testing.T, method, path string, hdr http.Header) *http.Response {
	t.Helper()
	ch, reqs, err := rc.ssh.OpenChannel(ProxyChannelType, nil)
	require.NoError(t, err)
	go ssh.DiscardRequests(reqs)
	defer ch.Close()

	req, err := http.NewRequest(method, "http://tower"+path, nil)
	require.NoError(t, err)
	for k, vv := range hdr {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	require.NoError(t, req.Write(ch))

	resp, err := http.ReadResponse(bufio.NewReader(ch), req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp
}
