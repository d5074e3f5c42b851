package verify

import (
	droidback "github.com/droidback/droidback/lib"

	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

var verifyLog = logrus.WithFields(logrus.Fields{
	"component": "verify",
})

const (
	fifoPath = "/tmp/droidback.md5in"
	sumPath  = "/tmp/droidback.md5out"
)

var md5SumRe = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Verifier computes a device-side MD5 of a backup stream without staging
// the stream on the device. The producer is teed into a named pipe that a
// background md5sum drains, so the digest covers exactly the bytes that
// went over the wire.
type Verifier struct {
	s droidback.Session
}

func New(s droidback.Session) *Verifier {
	return &Verifier{s: s}
}

// Prepare creates the named pipe the digests flow through. Must run once
// before the first wrapped command.
func (v *Verifier) Prepare() error {
	if _, err := v.s.Shell(fmt.Sprintf("rm -f %s %s; mknod %s p", fifoPath, sumPath, fifoPath)); err != nil {
		return fmt.Errorf("could not create digest pipe: %w", err)
	}
	return nil
}

// Wrap arranges for cmdline's output to be digested as a side effect: a
// background md5sum reads the pipe while tee duplicates the stream into it.
// The wrapped command's stdout is unchanged.
func (v *Verifier) Wrap(cmdline string) string {
	return fmt.Sprintf("md5sum %s > %s & %s | tee %s", fifoPath, sumPath, cmdline, fifoPath)
}

// DeviceSum collects the digest left behind by the last wrapped command.
// The background md5sum only writes its output once the pipe drains, so
// this must not be called before the stream has been fully consumed.
func (v *Verifier) DeviceSum() (string, error) {
	out, err := v.s.Shell("cat " + sumPath)
	if err != nil {
		return "", fmt.Errorf("could not read device digest: %w", err)
	}

	fields := strings.Fields(out)
	if len(fields) == 0 || !md5SumRe.MatchString(fields[0]) {
		return "", fmt.Errorf("unexpected device digest output: %q", out)
	}
	return fields[0], nil
}

// Compare checks the host digest of a completed transfer against the
// device's
func (v *Verifier) Compare(task droidback.BackupTask, hostSum string) error {
	deviceSum, err := v.DeviceSum()
	if err != nil {
		return err
	}
	if deviceSum != hostSum {
		return &droidback.IntegrityError{Task: task.Filename, SourceSum: deviceSum, HostSum: hostSum}
	}

	verifyLog.WithFields(logrus.Fields{"file": task.Filename, "md5": hostSum}).Debug("digests match")
	return nil
}

// Cleanup removes the pipe and digest files. Failures are not fatal, the
// files live under /tmp on the device anyway.
func (v *Verifier) Cleanup() {
	if _, err := v.s.Shell(fmt.Sprintf("rm -f %s %s", fifoPath, sumPath)); err != nil {
		verifyLog.WithError(err).Warn("could not remove digest pipe")
	}
}
