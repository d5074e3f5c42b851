package transports

import (
	droidback "github.com/droidback/droidback/lib"

	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	portSpan            = 100
	defaultStartupDelay = 500 * time.Millisecond
	dialAttempts        = 40
	dialInterval        = 250 * time.Millisecond
	unforwardAttempts   = 3
	unforwardInterval   = time.Second
)

// tcpTransport forwards a local TCP port to the device and has the remote
// command relay its output onto that port through a listening netcat.
// Works with any host OS and any bridge version, but the listener and the
// remote producer are two ends of one stream and have to be sequenced
// carefully: the forward is established before the producer starts, and the
// host only dials once the producer is up.
type tcpTransport struct {
	s            droidback.Session
	portBase     int
	startupDelay time.Duration
}

func (t *tcpTransport) Name() string {
	return "tcp"
}

func (t *tcpTransport) Open(cmdline string) (io.ReadCloser, error) {
	port, err := t.forwardAny()
	if err != nil {
		return nil, err
	}

	proc, err := t.s.StartShell(fmt.Sprintf("%s | nc -l -p%d -w3", cmdline, port))
	if err != nil {
		t.unforward(port)
		return nil, err
	}

	// give the remote listener a moment, then dial with retries: the
	// forward accepts locally even before netcat is up
	time.Sleep(t.startupDelay)
	conn, err := t.dial(port)
	if err != nil {
		_ = proc.Close()
		t.unforward(port)
		return nil, err
	}

	return &tcpStream{t: t, conn: conn, proc: proc, port: port}, nil
}

// forwardAny scans the port range for one the bridge agrees to forward
func (t *tcpTransport) forwardAny() (int, error) {
	for port := t.portBase; port < t.portBase+portSpan; port++ {
		if err := t.s.Forward(port, port); err == nil {
			return port, nil
		}
	}
	return 0, fmt.Errorf("could not forward any TCP port in [%d, %d)", t.portBase, t.portBase+portSpan)
}

func (t *tcpTransport) dial(port int) (net.Conn, error) {
	var lastErr error
	for i := 0; i < dialAttempts; i++ {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", port), time.Second)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(dialInterval)
	}
	return nil, fmt.Errorf("could not connect to forwarded port %d: %w", port, lastErr)
}

func (t *tcpTransport) unforward(port int) {
	for i := 0; i < unforwardAttempts; i++ {
		if err := t.s.RemoveForward(port); err == nil {
			return
		}
		time.Sleep(unforwardInterval)
	}
	transportLog.Warnf("could not remove TCP forward for port %d", port)
}

// tcpStream reads from the forwarded socket. Close tears down the socket,
// the remote producer and the forward, in that order, on every exit path.
type tcpStream struct {
	t    *tcpTransport
	conn net.Conn
	proc io.ReadCloser
	port int

	once sync.Once
	err  error
}

func (s *tcpStream) Read(p []byte) (int, error) {
	return s.conn.Read(p)
}

func (s *tcpStream) Close() error {
	s.once.Do(func() {
		err := s.conn.Close()
		if perr := s.proc.Close(); err == nil {
			err = perr
		}
		s.t.unforward(s.port)
		s.err = err
	})
	return s.err
}
