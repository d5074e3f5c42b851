package backup

import (
	droidback "github.com/droidback/droidback/lib"
	"github.com/droidback/droidback/mirror"
	"github.com/droidback/droidback/verify"

	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

var backupLog = logrus.WithFields(logrus.Fields{
	"component": "backup",
})

// Runner drives a backup plan over a single transport, one task at a time.
// The device link carries one stream at any moment; a task's artifact is
// fully on disk (or abandoned) before the next task starts.
type Runner struct {
	Session   droidback.Session
	Transport droidback.Transport

	// Compute and compare device/host digests for each artifact
	Verify bool

	// Abort a transfer when the stream stalls for longer than this.
	// Zero means no idle limit.
	IdleTimeout time.Duration

	// Decompress the beginning of each artifact after the transfer as a
	// cheap corruption check. Redundant when Verify is on.
	CheckGzip bool

	// When set, artifacts are encrypted on the host and named *.age
	Recipients []age.Recipient

	// Optional off-host copy of each completed artifact
	Mirror mirror.Mirror
}

// Outcome of one task
type TaskResult struct {
	Task     droidback.BackupTask
	Session  *droidback.TransferSession
	Err      error
	Bytes    int64
	Duration time.Duration
}

type Summary struct {
	Results []TaskResult

	// The run stopped before attempting every task
	Aborted bool
}

func (s *Summary) failed() int {
	n := 0
	for _, res := range s.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// ExitCode maps the run outcome to a process exit status: 0 when every
// task verified, 3 when some tasks failed but the run completed, 4 when
// the run aborted.
func (s *Summary) ExitCode() int {
	if s.Aborted {
		return 4
	}
	if s.failed() > 0 {
		return 3
	}
	return 0
}

func (s *Summary) Log() {
	for _, res := range s.Results {
		entry := backupLog.WithFields(logrus.Fields{"file": res.Task.Filename})
		if res.Err != nil {
			entry.Errorf("failed: %v", res.Err)
		} else {
			entry.Printf("completed: %s in %s", droidback.FormatSize(res.Bytes), res.Duration.Round(time.Second))
		}
	}
	if s.Aborted {
		backupLog.Error("backup aborted")
	} else if n := s.failed(); n > 0 {
		backupLog.Errorf("backup finished with %d failed transfer(s)", n)
	} else {
		backupLog.Printf("backup finished: %d artifact(s)", len(s.Results))
	}
}

// Run executes the plan. Per-task failures (broken stream, digest
// mismatch) are recorded and the run moves on to the next task; failures
// to establish a channel at all, and context cancellation, abort the run.
func (r *Runner) Run(ctx context.Context, plan droidback.BackupPlan) (*Summary, error) {
	if err := os.MkdirAll(plan.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}

	verifier := verify.New(r.Session)
	if r.Verify {
		if err := verifier.Prepare(); err != nil {
			return nil, err
		}
		defer verifier.Cleanup()
	}

	summary := &Summary{}
	for _, task := range plan.Tasks {
		if ctx.Err() != nil {
			summary.Aborted = true
			break
		}

		res, fatal := r.runTask(ctx, verifier, plan.OutputDir, task)
		summary.Results = append(summary.Results, res)
		if fatal {
			summary.Aborted = true
			break
		}
	}

	return summary, nil
}

func (r *Runner) runTask(ctx context.Context, verifier *verify.Verifier, outputDir string, task droidback.BackupTask) (TaskResult, bool) {
	ts := droidback.NewTransferSession(r.Transport.Name(), task.Partition.SizeBytes())
	res := TaskResult{Task: task, Session: ts}
	taskLog := backupLog.WithFields(logrus.Fields{"file": task.Filename, "transport": r.Transport.Name()})

	cmdline := task.ShellCommand()
	if r.Verify {
		cmdline = verifier.Wrap(cmdline)
	}

	stream, err := r.Transport.Open(cmdline)
	if err != nil {
		_ = ts.Advance(droidback.StatusFailed)
		res.Err = fmt.Errorf("could not open transport channel: %w", err)
		return res, true
	}

	_ = ts.Advance(droidback.StatusTransferring)
	taskLog.Printf("transferring %s (%s)", task.Partition.Label, droidback.FormatSize(task.Partition.SizeBytes()))
	start := time.Now()

	finalName := task.Filename
	if len(r.Recipients) > 0 {
		finalName += ".age"
	}
	tmpPath := filepath.Join(outputDir, "_tmp-"+finalName)
	finalPath := filepath.Join(outputDir, finalName)

	n, hostSum, err := r.receive(ctx, stream, tmpPath)
	res.Bytes = n
	res.Duration = time.Since(start)

	fail := func(err error) (TaskResult, bool) {
		_ = os.Remove(tmpPath)
		_ = ts.Advance(droidback.StatusFailed)
		res.Err = err
		return res, false
	}

	if err != nil {
		if ctx.Err() != nil {
			res, _ := fail(fmt.Errorf("transfer interrupted: %w", ctx.Err()))
			return res, true
		}
		return fail(&droidback.TransferError{Task: task.Filename, Err: err})
	}

	if r.CheckGzip && len(r.Recipients) == 0 {
		if err := checkGzip(tmpPath); err != nil {
			return fail(&droidback.TransferError{Task: task.Filename, Err: err})
		}
	}

	if r.Verify {
		ts.HostSum = hostSum
		if err := verifier.Compare(task, hostSum); err != nil {
			var integrity *droidback.IntegrityError
			if errors.As(err, &integrity) {
				ts.SourceSum = integrity.SourceSum
			}
			return fail(err)
		}
		ts.SourceSum = hostSum
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fail(fmt.Errorf("could not finalize %s: %w", finalName, err))
	}

	if r.Verify {
		sidecar := finalPath + ".md5"
		line := fmt.Sprintf("%s  %s\n", hostSum, finalName)
		if err := os.WriteFile(sidecar, []byte(line), 0644); err != nil {
			taskLog.WithError(err).Warn("could not write digest sidecar")
		}
	}

	_ = ts.Advance(droidback.StatusVerified)
	taskLog.Printf("done: %s in %s", droidback.FormatSize(n), res.Duration.Round(time.Second))

	if r.Mirror != nil {
		if err := r.storeMirror(finalPath, finalName); err != nil {
			taskLog.WithError(err).Warn("could not mirror artifact")
		}
	}

	return res, false
}

// receive drains the stream into tmpPath, returning the byte count and the
// MD5 of the artifact as produced on the device (before host-side
// encryption). The stream is closed on every path; cancelling the context
// closes it early, which unblocks the copy.
func (r *Runner) receive(ctx context.Context, stream io.ReadCloser, tmpPath string) (int64, string, error) {
	defer stream.Close()

	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	var w io.Writer = f
	var encWriter io.WriteCloser
	if len(r.Recipients) > 0 {
		encWriter, err = age.Encrypt(f, r.Recipients...)
		if err != nil {
			return 0, "", err
		}
		w = encWriter
	}

	digest := md5.New()

	var src io.Reader = stream
	if r.IdleTimeout > 0 {
		src = &idleReader{rc: stream, timeout: r.IdleTimeout}
	}

	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-watchDone:
		}
	}()

	n, err := io.Copy(io.MultiWriter(w, digest), src)
	close(watchDone)
	if err != nil {
		return n, "", err
	}

	if encWriter != nil {
		if err := encWriter.Close(); err != nil {
			return n, "", err
		}
	}
	if err := f.Close(); err != nil {
		return n, "", err
	}

	return n, hex.EncodeToString(digest.Sum(nil)), nil
}

func (r *Runner) storeMirror(path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	return r.Mirror.Store(name, f, info.Size())
}

// checkGzip decompresses the head of the artifact, enough to catch a
// mangled stream without paying for a full decompression
func checkGzip(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip check: %w", err)
	}
	defer zr.Close()

	if _, err := io.CopyN(io.Discard, zr, 512*1024); err != nil && err != io.EOF {
		return fmt.Errorf("gzip check: %w", err)
	}
	return nil
}

// idleReader closes the underlying stream when a single Read stalls for
// longer than the timeout
type idleReader struct {
	rc      io.ReadCloser
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	timer := time.AfterFunc(r.timeout, func() { _ = r.rc.Close() })
	defer timer.Stop()
	return r.rc.Read(p)
}
