package transports

import (
	droidback "github.com/droidback/droidback/lib"

	"io"
)

// execOutTransport runs the remote command through the bridge's exec-out
// primitive, whose stdout is piped raw, without line-ending or encoding
// mangling. Fast and safe, but needs a recent bridge on both ends.
type execOutTransport struct {
	s droidback.Session
}

func (t *execOutTransport) Name() string {
	return "exec-out"
}

func (t *execOutTransport) Open(cmdline string) (io.ReadCloser, error) {
	return t.s.StartExecOut(cmdline)
}
