package transports

import (
	droidback "github.com/droidback/droidback/lib"

	"io"
)

// rawTransport treats the plain shell channel's stdout as byte-transparent.
// stty -onlcr disables the newline translation that makes it unsafe in the
// first place, but some hosts mangle the stream anyway; this transport is
// opt-in only and never auto-selected.
type rawTransport struct {
	s droidback.Session
}

func (t *rawTransport) Name() string {
	return "raw"
}

func (t *rawTransport) Open(cmdline string) (io.ReadCloser, error) {
	return t.s.StartShell("stty -onlcr && " + cmdline)
}
