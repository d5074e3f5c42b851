package transports

import (
	droidback "github.com/droidback/droidback/lib"

	"github.com/sirupsen/logrus"
)

var transportLog = logrus.WithFields(logrus.Fields{
	"component": "transport",
})

const (
	// DefaultChunkSize balances base64 decode overhead against
	// responsiveness of progress reporting
	DefaultChunkSize = 64 * 1024

	// DefaultPortBase is where the tcp transport starts scanning for a
	// forwardable port
	DefaultPortBase = 5600
)

type Config struct {
	// One of "auto", "tcp", "exec-out", "base64", "raw".
	// Empty means auto.
	Kind string

	PortBase  int
	ChunkSize int
}

// New selects and builds a transport. Auto selection prefers the exec-out
// binary pipe when the bridge is new enough and falls back to TCP
// forwarding; the raw pipe corrupts data on some hosts and is never chosen
// automatically.
func New(s droidback.Session, cfg Config) (droidback.Transport, error) {
	if cfg.PortBase == 0 {
		cfg.PortBase = DefaultPortBase
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}

	kind := cfg.Kind
	if kind == "" || kind == "auto" {
		if s.SupportsExecOut() {
			kind = "exec-out"
		} else {
			kind = "tcp"
		}
		transportLog.Printf("selected %s transport", kind)
	}

	switch kind {
	case "exec-out":
		if !s.SupportsExecOut() {
			return nil, &droidback.UnsupportedTransport{Kind: "exec-out", Reason: "requires adb version 1.0.32 or newer"}
		}
		return &execOutTransport{s: s}, nil
	case "tcp":
		return &tcpTransport{s: s, portBase: cfg.PortBase, startupDelay: defaultStartupDelay}, nil
	case "base64":
		return &base64Transport{s: s, chunkSize: cfg.ChunkSize}, nil
	case "raw":
		transportLog.Warn("raw pipe will probably corrupt data on non-Linux hosts")
		return &rawTransport{s: s}, nil
	default:
		return nil, &droidback.UnsupportedTransport{Kind: kind, Reason: "unknown transport"}
	}
}
