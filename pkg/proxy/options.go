package proxy

import (
	"net"
	"strconv"
	"time"
)

const (
	DefaultListenHost  = "127.0.0.1"
	DefaultMaxBody     = 1 << 20 // 1 MiB
	DefaultStopTimeout = 5 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

// Config is what Start needs to bind a session.
type Config struct {
	ListenHost string
	// ListenPort 0 binds an ephemeral port; see Manager.Addr.
	ListenPort int

	Options Options
}

// Options are engine-specific settings passed through the manager untouched.
type Options struct {
	// Upstreams switches the built-in engine into reverse-proxy mode.
	Upstreams []Upstream

	// MaxBodySize is the maximum number of bytes captured per request/response body.
	MaxBodySize int64

	// Extra carries free-form settings for custom engine factories.
	Extra map[string]any
}

// Addr returns the host:port the session listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

func (c *Config) setDefaults() {
	if c.ListenHost == "" {
		c.ListenHost = DefaultListenHost
	}
	if c.Options.MaxBodySize <= 0 {
		c.Options.MaxBodySize = DefaultMaxBody
	}
}
