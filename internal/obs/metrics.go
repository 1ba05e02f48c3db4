package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TunnelState       = promauto.NewGauge(prometheus.GaugeOpts{Name: "towerd_tunnel_state", Help: "Tunnel connection state (0=disconnected 1=connecting 2=connected 3=auth_failed)"})
	TunnelConnects    = promauto.NewCounter(prometheus.CounterOpts{Name: "towerd_tunnel_connects_total", Help: "Successful tunnel connections"})
	TunnelFailures    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "towerd_tunnel_failures_total", Help: "Connection failures by reason"}, []string{"reason"})
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{Name: "towerd_heartbeat_timeouts_total", Help: "Heartbeats that missed their pong deadline"})
	Streams           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "towerd_streams_total", Help: "Proxied streams by kind"}, []string{"kind"})
	StreamErrors      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "towerd_stream_errors_total", Help: "Per-stream errors by type"}, []string{"type"})
	StreamBytes       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "towerd_stream_bytes_total", Help: "Bytes piped on upgraded streams by direction"}, []string{"direction"})
)
