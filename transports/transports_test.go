package transports

import (
	droidback "github.com/droidback/droidback/lib"

	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
)

var ncRe = regexp.MustCompile(`^(.*) \| nc -l -p(\d+) -w3$`)

// streamSession plays the role of the adb bridge: it serves a fixed payload
// through whichever mechanism the transport asks for.
type streamSession struct {
	payload []byte
	execOut bool

	mu       sync.Mutex
	forwards []int
	removed  []int
}

func (s *streamSession) Shell(string) (string, error) { return "", nil }

func (s *streamSession) StartShell(cmdline string) (io.ReadCloser, error) {
	if strings.HasSuffix(cmdline, " | base64") {
		encoded := wrap76(base64.StdEncoding.EncodeToString(s.payload))
		return io.NopCloser(strings.NewReader(encoded)), nil
	}

	if strings.HasPrefix(cmdline, "stty -onlcr && ") {
		return io.NopCloser(bytes.NewReader(s.payload)), nil
	}

	if m := ncRe.FindStringSubmatch(cmdline); m != nil {
		port, _ := strconv.Atoi(m[2])
		ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
		if err != nil {
			return nil, err
		}
		go func() {
			conn, err := ln.Accept()
			if err == nil {
				_, _ = conn.Write(s.payload)
				_ = conn.Close()
			}
		}()
		return &listenerProc{ln: ln}, nil
	}

	return nil, fmt.Errorf("unexpected command: %s", cmdline)
}

func (s *streamSession) StartExecOut(string) (io.ReadCloser, error) {
	if !s.execOut {
		return nil, errors.New("exec-out unsupported")
	}
	return io.NopCloser(bytes.NewReader(s.payload)), nil
}

func (s *streamSession) SupportsExecOut() bool { return s.execOut }

func (s *streamSession) Forward(local, remote int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwards = append(s.forwards, local)
	return nil
}

func (s *streamSession) RemoveForward(local int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, local)
	return nil
}

// stands in for the remote producer process: its stdout carries nothing,
// the data goes over the socket
type listenerProc struct {
	ln   net.Listener
	once sync.Once
}

func (p *listenerProc) Read([]byte) (int, error) { return 0, io.EOF }

func (p *listenerProc) Close() error {
	p.once.Do(func() { _ = p.ln.Close() })
	return nil
}

// freePortBase asks the kernel for a free ephemeral port to use as the
// scan base, instead of hard-coding one that may be taken
func freePortBase(t *testing.T) int {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func roundTripLengths(t *testing.T) []int {
	lengths := []int{0, 1, 4095, 4096, 4097}
	if !testing.Short() {
		lengths = append(lengths, 10*1024*1024)
	}
	return lengths
}

func TestRoundTrip(t *testing.T) {
	portBase := freePortBase(t)
	build := map[string]func(s droidback.Session) droidback.Transport{
		"exec-out": func(s droidback.Session) droidback.Transport { return &execOutTransport{s: s} },
		"raw":      func(s droidback.Session) droidback.Transport { return &rawTransport{s: s} },
		"base64":   func(s droidback.Session) droidback.Transport { return &base64Transport{s: s, chunkSize: 1024} },
		"tcp": func(s droidback.Session) droidback.Transport {
			return &tcpTransport{s: s, portBase: portBase, startupDelay: 0}
		},
	}

	for name, mk := range build {
		t.Run(name, func(t *testing.T) {
			for _, n := range roundTripLengths(t) {
				payload := randomBytes(n)
				session := &streamSession{payload: payload, execOut: true}

				stream, err := mk(session).Open("dd if=/dev/block/mmcblk0p7 2> /dev/null | gzip -f")
				if err != nil {
					t.Fatalf("n=%d: %v", n, err)
				}

				received, err := io.ReadAll(stream)
				if err != nil {
					stream.Close()
					t.Fatalf("n=%d: %v", n, err)
				}
				if err := stream.Close(); err != nil {
					t.Fatalf("n=%d: close: %v", n, err)
				}
				if err := stream.Close(); err != nil {
					t.Fatalf("n=%d: second close: %v", n, err)
				}

				if !bytes.Equal(received, payload) {
					t.Errorf("n=%d: stream did not round-trip unchanged", n)
				}
			}
		})
	}
}

func TestTCPForwardTeardown(t *testing.T) {
	session := &streamSession{payload: []byte("hello"), execOut: false}
	tr := &tcpTransport{s: session, portBase: freePortBase(t), startupDelay: 0}

	stream, err := tr.Open("cat /dev/block/mmcblk0p7")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(stream); err != nil {
		t.Fatal(err)
	}
	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if len(session.forwards) != 1 || len(session.removed) != 1 || session.forwards[0] != session.removed[0] {
		t.Errorf("forward not torn down: forwarded %v, removed %v", session.forwards, session.removed)
	}
}

func TestNewSelection(t *testing.T) {
	withExecOut := &streamSession{execOut: true}
	withoutExecOut := &streamSession{execOut: false}

	tr, err := New(withExecOut, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Name() != "exec-out" {
		t.Errorf("auto selection with a recent bridge should pick exec-out, got %s", tr.Name())
	}

	tr, err = New(withoutExecOut, Config{})
	if err != nil {
		t.Fatal(err)
	}
	if bridge := tr.Name(); bridge != "tcp" {
		t.Errorf("auto selection fallback should be tcp, got %s", bridge)
	}

	_, err = New(withoutExecOut, Config{Kind: "exec-out"})
	var unsupported *droidback.UnsupportedTransport
	if !errors.As(err, &unsupported) {
		t.Errorf("expected *UnsupportedTransport, got %v", err)
	}

	_, err = New(withExecOut, Config{Kind: "carrier-pigeon"})
	if !errors.As(err, &unsupported) {
		t.Errorf("expected *UnsupportedTransport, got %v", err)
	}
}
