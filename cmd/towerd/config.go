package main

import (
	"flag"
	"time"
)

// config holds towerd runtime configuration.
type config struct {
	CredsPath    string
	Listen       string
	LocalPort    int
	RegisterURL  string
	PlainText    bool
	Debug        bool
	PingInterval time.Duration
	PongTimeout  time.Duration
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.CredsPath, "creds", "", "credential file path (default ~/.towerd/credentials.json)")
	flag.StringVar(&cfg.Listen, "listen", "127.0.0.1:4821", "control API listen address")
	flag.IntVar(&cfg.LocalPort, "local", 0, "local service port (overrides the credential file)")
	flag.StringVar(&cfg.RegisterURL, "register", "", "run device registration against this relay URL, save credentials, and exit")
	flag.BoolVar(&cfg.PlainText, "plaintext", false, "dial the relay without TLS (ws:// instead of wss://)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", 25*time.Second, "heartbeat ping interval")
	flag.DurationVar(&cfg.PongTimeout, "pong-timeout", 10*time.Second, "heartbeat pong timeout")
	flag.Parse()
	return cfg
}
