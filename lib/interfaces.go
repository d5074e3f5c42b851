package droidback

import (
	"fmt"
	"io"
	"time"
)

// A partition as reported by the device: one entry of the block device's
// partition map, merged with the by-name label mapping and the current
// mount table.
type Partition struct {
	// Block device node name, e.g. "mmcblk0p12"
	Device string

	// Position in the partition map, starting at 1. Unique within a map.
	Index int

	// Semantic label (boot, system, userdata, ...), lowercased.
	// Empty for partitions with an index-only identity.
	Label string

	// Size in 512-byte blocks
	SizeBlocks int64

	// Where the partition is currently mounted, or "" if it is not
	MountPoint string

	// Filesystem type of the current mount, or ""
	FSType string
}

// Uncompressed partition size in bytes
func (p Partition) SizeBytes() int64 {
	return p.SizeBlocks * 512
}

// Full block device node path
func (p Partition) DevicePath() string {
	return "/dev/block/" + p.Device
}

func (p Partition) String() string {
	if p.Label == "" {
		return fmt.Sprintf("#%d (%s)", p.Index, p.Device)
	}
	return fmt.Sprintf("%s (%s)", p.Label, p.Device)
}

// The ordered, labeled listing of a block device's sub-partitions
type PartitionMap struct {
	// Block device the map was read from, e.g. "mmcblk0"
	BlockDevice string

	// Index ascending
	Partitions []Partition
}

// Find a partition by its semantic label; nil if absent
func (pm *PartitionMap) Find(label string) *Partition {
	for i := range pm.Partitions {
		if pm.Partitions[i].Label == label {
			return &pm.Partitions[i]
		}
	}
	return nil
}

// How a partition's content is turned into an artifact on the device
type TransformKind int

const (
	// dd the raw block device through gzip
	RawGzipImage TransformKind = iota

	// tar -cz the mounted filesystem
	TarArchive
)

func (k TransformKind) String() string {
	if k == TarArchive {
		return "tar"
	}
	return "image"
}

// One partition to copy, and how
type BackupTask struct {
	Partition Partition

	// Destination filename, unique within a plan
	Filename string

	Transform TransformKind

	// Glob patterns excluded from a TarArchive, relative to the mount point
	TarExcludes []string

	// TarArchive tasks read the mounted filesystem; the planner rejects
	// them if the partition is not currently mounted
	RequiresMount bool
}

// ShellCommand returns the remote pipeline producing this task's artifact
// bytes on stdout. Transports wrap it; the verifier may extend it.
func (t BackupTask) ShellCommand() string {
	if t.Transform == TarArchive {
		cmd := fmt.Sprintf("tar -czpC %s", t.Partition.MountPoint)
		for _, pat := range t.TarExcludes {
			cmd += fmt.Sprintf(" --exclude=\"%s\"", pat)
		}
		return cmd + " . 2> /dev/null"
	}
	return fmt.Sprintf("dd if=%s 2> /dev/null | gzip -f", t.Partition.DevicePath())
}

// An ordered backup plan. Built once per run, before any transfer, and
// never modified afterwards.
type BackupPlan struct {
	// Follows partition-map order
	Tasks []BackupTask

	OutputDir string
	CreatedAt time.Time
}

// State of a single transfer
type TransferStatus int

const (
	StatusPending TransferStatus = iota
	StatusTransferring
	StatusVerified
	StatusFailed
)

func (s TransferStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusTransferring:
		return "transferring"
	case StatusVerified:
		return "verified"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Bookkeeping for one task's transfer. Created per task, discarded after
// the task resolves. Status only moves forward.
type TransferSession struct {
	Transport     string
	ExpectedBytes int64
	SourceSum     string
	HostSum       string

	status TransferStatus
}

func NewTransferSession(transport string, expectedBytes int64) *TransferSession {
	return &TransferSession{Transport: transport, ExpectedBytes: expectedBytes}
}

func (ts *TransferSession) Status() TransferStatus {
	return ts.status
}

// Advance moves the session to the next status. Moving backwards, or out of
// a terminal status, is a programming error.
func (ts *TransferSession) Advance(next TransferStatus) error {
	if next <= ts.status || ts.status >= StatusVerified {
		return fmt.Errorf("transfer session cannot move from %s to %s", ts.status, next)
	}
	ts.status = next
	return nil
}

// Session is the device-bridge boundary: everything the core needs from the
// host-side adb tooling. device.Session is the real implementation; tests
// substitute fakes.
type Session interface {
	// Run a remote shell command, capture its trimmed stdout
	Shell(cmdline string) (string, error)

	// Run a remote shell command with its stdout exposed as a stream.
	// Closing the stream terminates the remote process; Close is idempotent.
	StartShell(cmdline string) (io.ReadCloser, error)

	// Like StartShell, but through the exec-out primitive whose output is
	// not subject to line-ending mangling
	StartExecOut(cmdline string) (io.ReadCloser, error)

	// Whether the bridge supports the exec-out primitive
	SupportsExecOut() bool

	// TCP port forwarding from the host to the device
	Forward(local, remote int) error
	RemoveForward(local int) error
}

// Transport is a binary-safe byte source over the command channel: it opens
// a remote command and exposes its output as a stream of the exact bytes the
// command produced. Close on the returned stream must terminate the remote
// producer and release any forward or socket, and must be idempotent.
//
// The device link cannot carry two concurrent streams; callers keep at most
// one opened stream alive at any moment.
type Transport interface {
	Name() string
	Open(cmdline string) (io.ReadCloser, error)
}
