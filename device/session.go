package device

import (
	droidback "github.com/droidback/droidback/lib"

	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	deviceLog = logrus.WithFields(logrus.Fields{
		"component": "device",
	})

	adbVersionRe  = regexp.MustCompile(`Android Debug Bridge version ((?:\d+\.)+\d+)`)
	twrpVersionRe = regexp.MustCompile(`TWRP version ((?:\d+\.)+\d+)`)

	// exec-out appeared in adb 1.0.32
	execOutMinVersion = [3]int{1, 0, 32}
)

// Session owns the host side of the debug-bridge link for one run. It is
// constructed once, passed by reference into every component, and is the
// real implementation of the droidback.Session boundary.
type Session struct {
	adb      []string
	selector []string

	versionStr string
	version    [3]int
	probed     bool
}

// NewSession builds a session around the adb binary. adbCommand supports
// overrides like "sudo adb"; an empty serial selects the sole USB device.
func NewSession(adbCommand []string, serial string) *Session {
	if len(adbCommand) == 0 {
		adbCommand = []string{"adb"}
	}
	selector := []string{"-d"}
	if serial != "" {
		selector = []string{"-s", serial}
	}
	return &Session{adb: adbCommand, selector: selector}
}

func (s *Session) command(args ...string) *exec.Cmd {
	return droidback.BuildCommand(s.adb, append(append([]string{}, s.selector...), args...)...)
}

// Output runs an adb subcommand and captures its stdout
func (s *Session) Output(args ...string) (string, error) {
	buf := bytes.NewBuffer(nil)
	cmd := s.command(args...)
	cmd.Stdout = buf
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	return buf.String(), err
}

// Run runs an adb subcommand for its side effect
func (s *Session) Run(args ...string) error {
	return droidback.RunCommand(deviceLog, s.command(args...))
}

// Part of droidback.Session interface
func (s *Session) Shell(cmdline string) (string, error) {
	out, err := s.Output("shell", cmdline)
	return strings.TrimSpace(out), err
}

// Part of droidback.Session interface
func (s *Session) StartShell(cmdline string) (io.ReadCloser, error) {
	return s.startPipe("shell", cmdline)
}

// Part of droidback.Session interface
func (s *Session) StartExecOut(cmdline string) (io.ReadCloser, error) {
	return s.startPipe("exec-out", cmdline)
}

func (s *Session) startPipe(args ...string) (io.ReadCloser, error) {
	cmd := s.command(args...)
	cmd.Stdout = nil
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	err = droidback.StartCommand(deviceLog, cmd)
	if err != nil {
		return nil, err
	}

	return &remoteProc{cmd: cmd, out: out}, nil
}

// Part of droidback.Session interface
func (s *Session) Forward(local, remote int) error {
	return s.Run("forward", fmt.Sprintf("tcp:%d", local), fmt.Sprintf("tcp:%d", remote))
}

// Part of droidback.Session interface
func (s *Session) RemoveForward(local int) error {
	return s.Run("forward", "--remove", fmt.Sprintf("tcp:%d", local))
}

// Probe queries the host adb version. Must run once before SupportsExecOut
// is meaningful.
func (s *Session) Probe() error {
	out, err := s.Output("version")
	if err != nil {
		return fmt.Errorf("cannot run adb (is it in your PATH?): %w", err)
	}

	m := adbVersionRe.FindStringSubmatch(out)
	if m == nil {
		return fmt.Errorf("cannot parse adb version output")
	}

	s.versionStr = m[1]
	for i, p := range strings.SplitN(m[1], ".", 3) {
		n, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("cannot parse adb version %q", m[1])
		}
		s.version[i] = n
	}
	s.probed = true

	deviceLog.Printf("found adb version %s", s.versionStr)
	return nil
}

// AdbVersion returns the probed host adb version string
func (s *Session) AdbVersion() string {
	return s.versionStr
}

// Part of droidback.Session interface
func (s *Session) SupportsExecOut() bool {
	if !s.probed {
		return false
	}
	for i := range execOutMinVersion {
		if s.version[i] != execOutMinVersion[i] {
			return s.version[i] > execOutMinVersion[i]
		}
	}
	return true
}

// KernelVersion reports the device kernel release
func (s *Session) KernelVersion() (string, error) {
	return s.Shell("uname -r")
}

// TWRPVersion reports the recovery version, or an error when the device is
// not booted into TWRP
func (s *Session) TWRPVersion() (string, error) {
	out, err := s.Shell("twrp -v")
	if err != nil {
		return "", err
	}

	m := twrpVersionRe.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("device is not in TWRP recovery: %s", out)
	}
	return m[1], nil
}

// remoteProc exposes a started adb child's stdout as a stream. Close kills
// the child so no remote process is left orphaned, and is safe to call
// multiple times and from a goroutine racing a blocked Read.
type remoteProc struct {
	cmd *exec.Cmd
	out io.ReadCloser

	once sync.Once
	err  error
}

func (p *remoteProc) Read(b []byte) (int, error) {
	return p.out.Read(b)
}

func (p *remoteProc) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.out.Close()

		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && !exitErr.Exited() {
			// killed by us, not a failure
			err = nil
		}
		p.err = err
	})
	return p.err
}
