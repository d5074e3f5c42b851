package transports

import (
	droidback "github.com/droidback/droidback/lib"

	"encoding/base64"
	"fmt"
	"io"
)

// base64Transport pipes the remote command through the device's base64
// binary and decodes on the host while streaming. Safe on any channel, at
// the cost of ~33% more bytes on the wire and a CPU-bound decode.
type base64Transport struct {
	s         droidback.Session
	chunkSize int
}

func (t *base64Transport) Name() string {
	return "base64"
}

func (t *base64Transport) Open(cmdline string) (io.ReadCloser, error) {
	rc, err := t.s.StartShell(cmdline + " | base64")
	if err != nil {
		return nil, err
	}
	return newBase64Reader(rc, t.chunkSize), nil
}

// base64Reader decodes a standard base64 stream incrementally. The device's
// base64 wraps its output, so CR/LF are tolerated anywhere, and a partial
// quantum is carried across read boundaries: the output is identical no
// matter how the underlying reads are chunked.
type base64Reader struct {
	rc    io.ReadCloser
	chunk []byte
	enc   []byte
	dec   []byte
	eof   bool
}

func newBase64Reader(rc io.ReadCloser, chunkSize int) *base64Reader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &base64Reader{rc: rc, chunk: make([]byte, chunkSize)}
}

func (r *base64Reader) Read(p []byte) (int, error) {
	for len(r.dec) == 0 {
		if r.eof {
			return 0, io.EOF
		}

		n, err := r.rc.Read(r.chunk)
		for _, c := range r.chunk[:n] {
			if c == '\r' || c == '\n' {
				continue
			}
			r.enc = append(r.enc, c)
		}

		q := len(r.enc) / 4 * 4
		if err == io.EOF {
			r.eof = true
			if len(r.enc)%4 != 0 {
				return 0, fmt.Errorf("truncated base64 stream: %d leftover characters", len(r.enc)%4)
			}
			q = len(r.enc)
		} else if err != nil {
			return 0, err
		}

		if q > 0 {
			buf := make([]byte, base64.StdEncoding.DecodedLen(q))
			m, err := base64.StdEncoding.Decode(buf, r.enc[:q])
			if err != nil {
				return 0, fmt.Errorf("invalid base64 stream: %w", err)
			}
			r.dec = buf[:m]
			r.enc = append(r.enc[:0], r.enc[q:]...)
		}
	}

	n := copy(p, r.dec)
	r.dec = r.dec[n:]
	return n, nil
}

func (r *base64Reader) Close() error {
	return r.rc.Close()
}
