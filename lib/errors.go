package droidback

import (
	"fmt"
	"strings"
)

// Device-reported partition data is missing or does not parse
type PartitionMapError struct {
	Query string
	Err   error
}

func (e *PartitionMapError) Error() string {
	return fmt.Sprintf("partition map: %s: %v", e.Query, e.Err)
}

func (e *PartitionMapError) Unwrap() error {
	return e.Err
}

// The requested configuration cannot be turned into a plan
type PlanError struct {
	// Requested partitions absent from the map
	Missing []string

	// Non-empty for contradictory options (e.g. duplicate destinations)
	Reason string
}

func (e *PlanError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("plan: partitions not found in partition map: %s", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("plan: %s", e.Reason)
}

// A tar task's source filesystem is not currently mounted
type MountError struct {
	Partition string
}

func (e *MountError) Error() string {
	return fmt.Sprintf("partition %s is not mounted; mount it read-only and retry", e.Partition)
}

// The selected or required transport is unavailable
type UnsupportedTransport struct {
	Kind   string
	Reason string
}

func (e *UnsupportedTransport) Error() string {
	return fmt.Sprintf("transport %s unavailable: %s", e.Kind, e.Reason)
}

// The remote process, forward or socket died mid-stream
type TransferError struct {
	Task string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.Task, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Source and host digests disagree: the channel corrupted the stream
type IntegrityError struct {
	Task      string
	SourceSum string
	HostSum   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: device %s, host %s", e.Task, e.SourceSum, e.HostSum)
}
