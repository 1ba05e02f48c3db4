package tunnel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/towerhq/towerd/internal/obs"
)

// streamState tracks the lifecycle of one proxied stream. Every write to the
// relay is preceded by a Live check so a stream the relay already tore down
// is drained instead of written.
type streamState int32

const (
	streamOpen streamState = iota
	streamClosing
	streamDestroyed
)

// stream is one relay-originated proxied request or upgrade. It never
// outlives the handling of that single request.
type stream struct {
	rwc   io.ReadWriteCloser
	id    string
	state atomic.Int32
}

func newStream(rwc io.ReadWriteCloser) *stream {
	return &stream{rwc: rwc, id: uuid.NewString()[:8]}
}

// Live reports whether the stream is still open for writing.
func (s *stream) Live() bool {
	return streamState(s.state.Load()) == streamOpen
}

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.rwc.Read(p)
	if err != nil && err != io.EOF {
		s.state.Store(int32(streamDestroyed))
	}
	return n, err
}

func (s *stream) Write(p []byte) (int, error) {
	n, err := s.rwc.Write(p)
	if err != nil {
		s.state.Store(int32(streamDestroyed))
	}
	return n, err
}

func (s *stream) Close() error {
	s.state.CompareAndSwap(int32(streamOpen), int32(streamClosing))
	err := s.rwc.Close()
	s.state.Store(int32(streamDestroyed))
	return err
}

// serveStreams accepts relay-originated channels for the lifetime of one
// connection and handles each concurrently. Per-stream failures are contained
// and never touch connection state.
func (c *Client) serveStreams(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		if nc.ChannelType() != ProxyChannelType {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, reqs, err := nc.Accept()
		if err != nil {
			c.log.Debug("proxy channel accept failed", zap.Error(err))
			continue
		}
		go ssh.DiscardRequests(reqs)
		go c.handleStream(newStream(ch))
	}
}

// handleStream serves one stream carrying a single HTTP request or websocket
// upgrade.
func (c *Client) handleStream(s *stream) {
	defer s.Close()
	br := bufio.NewReader(s)
	req, err := http.ReadRequest(br)
	if err != nil {
		// Malformed request, or the relay closed the stream before sending one.
		c.log.Debug("stream carried no readable request", zap.String("stream", s.id), zap.Error(err))
		return
	}
	log := c.log.With(
		zap.String("stream", s.id),
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path))

	// Filter on the wire form of the path so percent-encoded separators are
	// judged by the canonicalizer, not by the URL parser's decoding.
	rawPath := req.URL.EscapedPath()
	if IsBlockedPath(rawPath) {
		obs.StreamErrors.WithLabelValues("blocked_path").Inc()
		log.Warn("blocked control-plane path")
		c.writeJSON(log, s, http.StatusForbidden, map[string]string{
			"error": "tunnel control endpoints are local-only",
		})
		return
	}
	if CanonicalPath(rawPath) == MetadataPath {
		obs.Streams.WithLabelValues("metadata").Inc()
		c.writeJSON(log, s, http.StatusOK, c.meta.Snapshot())
		return
	}
	if isUpgradeRequest(req) {
		obs.Streams.WithLabelValues("websocket").Inc()
		c.handleUpgrade(log, s, br, req)
		return
	}
	obs.Streams.WithLabelValues("http").Inc()
	c.handleHTTP(log, s, req)
}

// handleHTTP forwards one request to the local service and relays the
// response back on the stream, shedding hop-by-hop headers on each leg.
func (c *Client) handleHTTP(log *zap.Logger, s *stream, req *http.Request) {
	var body io.Reader = req.Body
	if req.ContentLength == 0 && len(req.TransferEncoding) == 0 {
		body = nil
	}
	out, err := http.NewRequest(req.Method, c.localURL(req.URL.RequestURI()), body)
	if err != nil {
		obs.StreamErrors.WithLabelValues("bad_request").Inc()
		log.Debug("could not build local request", zap.Error(err))
		c.writeJSON(log, s, http.StatusBadGateway, map[string]string{"error": "local service unavailable"})
		return
	}
	out.Header = FilterHopByHopHeaders(req.Header)
	out.Host = req.Host
	out.ContentLength = req.ContentLength

	resp, err := c.local.Do(out)
	if err != nil {
		obs.StreamErrors.WithLabelValues("local_unreachable").Inc()
		log.Warn("local service unreachable", zap.Error(err))
		c.writeJSON(log, s, http.StatusBadGateway, map[string]string{"error": "local service unavailable"})
		return
	}
	defer resp.Body.Close()
	resp.Header = FilterHopByHopHeaders(resp.Header)

	if !s.Live() {
		// The relay tore the stream down while the local call was in flight.
		// Drain the local response so its connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return
	}
	if err := resp.Write(s); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		log.Debug("relay stream closed mid-response", zap.Error(err))
	}
}

// handleUpgrade splices one websocket upgrade through to the local service.
// The upgrade leg is piped raw: hop-by-hop stripping would remove the
// Upgrade/Connection headers the handshake depends on.
func (c *Client) handleUpgrade(log *zap.Logger, s *stream, br *bufio.Reader, req *http.Request) {
	local, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", c.cfg.LocalPort))
	if err != nil {
		obs.StreamErrors.WithLabelValues("local_unreachable").Inc()
		log.Warn("local service unreachable for upgrade", zap.Error(err))
		c.writeJSON(log, s, http.StatusBadGateway, map[string]string{"error": "local service unavailable"})
		return
	}
	defer local.Close()
	if err := req.Write(local); err != nil {
		log.Debug("could not relay upgrade request", zap.Error(err))
		return
	}
	received, sent := pipeStreams(s, br, local)
	obs.StreamBytes.WithLabelValues("in").Add(float64(received))
	obs.StreamBytes.WithLabelValues("out").Add(float64(sent))
	log.Debug("websocket stream closed",
		zap.String("received", sizestr.ToString(received)),
		zap.String("sent", sizestr.ToString(sent)))
}

// pipeStreams copies concurrently in both directions until either side
// closes, returning byte counts. relayRd wraps the stream and carries any
// bytes the request parser buffered past the upgrade request.
func pipeStreams(relay *stream, relayRd io.Reader, local net.Conn) (received, sent int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		received, _ = io.Copy(local, relayRd)
		if tc, ok := local.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		} else {
			_ = local.Close()
		}
	}()
	go func() {
		defer wg.Done()
		sent, _ = io.Copy(relay, local)
		_ = relay.Close()
	}()
	wg.Wait()
	return received, sent
}

func (c *Client) localURL(requestURI string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", c.cfg.LocalPort, requestURI)
}

// writeJSON answers the stream directly with a JSON body, skipping the write
// entirely when the relay has already destroyed the stream.
func (c *Client) writeJSON(log *zap.Logger, s *stream, status int, body any) {
	if !s.Live() {
		return
	}
	b, err := json.Marshal(body)
	if err != nil {
		log.Debug("could not marshal response body", zap.Error(err))
		return
	}
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(b)),
		ContentLength: int64(len(b)),
	}
	if err := resp.Write(s); err != nil {
		log.Debug("relay stream closed before response", zap.Error(err))
	}
}

func isUpgradeRequest(req *http.Request) bool {
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range req.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}
