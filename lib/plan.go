package droidback

import (
	"fmt"
	"time"
)

// Backup flavor
type Mode int

const (
	// TWRP-style backup: boot as a raw image, system/userdata as tarballs
	// of the mounted filesystems
	ModeTWRP Mode = iota

	// Nandroid-style backup: raw compressed images for everything
	ModeNandroid
)

func (m Mode) String() string {
	if m == ModeNandroid {
		return "nandroid"
	}
	return "twrp"
}

// Resolved backup configuration. Parsing and validation of the user-facing
// flags happens in the cmd layer; the planner trusts this structure.
type PlanConfig struct {
	Mode Mode

	// Opt-outs for the partitions backed up by default
	SkipBoot     bool
	SkipSystem   bool
	SkipUserdata bool

	// Opt-ins
	IncludeCache    bool
	IncludeRecovery bool

	// Keep /data/media* and /data/*-cache inside the userdata tarball
	IncludeMedia     bool
	IncludeDataCache bool

	// Extra partitions to back up as raw images, by partition map name
	Extra []string

	OutputDir string
}

type taskRequest struct {
	filename    string
	transform   TransformKind
	tarExcludes []string
}

// requests returns what the configuration asks for, keyed by partition
// label. Order does not matter here; the emitted plan follows the
// partition map.
func (cfg PlanConfig) requests() map[string]taskRequest {
	req := make(map[string]taskRequest)

	if cfg.Mode == ModeNandroid {
		for _, label := range cfg.Extra {
			req[label] = taskRequest{filename: label + ".img.gz", transform: RawGzipImage}
		}
		if !cfg.SkipBoot {
			req["boot"] = taskRequest{filename: "boot.img.gz", transform: RawGzipImage}
		}
		if !cfg.SkipSystem {
			req["system"] = taskRequest{filename: "system.img.gz", transform: RawGzipImage}
		}
		if !cfg.SkipUserdata {
			req["userdata"] = taskRequest{filename: "userdata.img.gz", transform: RawGzipImage}
		}
		if cfg.IncludeCache {
			req["cache"] = taskRequest{filename: "cache.img.gz", transform: RawGzipImage}
		}
		if cfg.IncludeRecovery {
			req["recovery"] = taskRequest{filename: "recovery.img.gz", transform: RawGzipImage}
		}
		return req
	}

	for _, label := range cfg.Extra {
		req[label] = taskRequest{filename: label + ".emmc.win", transform: RawGzipImage}
	}
	if !cfg.SkipBoot {
		req["boot"] = taskRequest{filename: "boot.emmc.win", transform: RawGzipImage}
	}
	if cfg.IncludeRecovery {
		req["recovery"] = taskRequest{filename: "recovery.emmc.win", transform: RawGzipImage}
	}
	if cfg.IncludeCache {
		req["cache"] = taskRequest{filename: "cache.emmc.win", transform: RawGzipImage}
	}
	if !cfg.SkipSystem {
		req["system"] = taskRequest{filename: "system.ext4.win", transform: TarArchive}
	}
	if !cfg.SkipUserdata {
		var excludes []string
		if !cfg.IncludeMedia {
			excludes = append(excludes, "media*")
		}
		if !cfg.IncludeDataCache {
			excludes = append(excludes, "*-cache")
		}
		req["userdata"] = taskRequest{filename: "data.ext4.win", transform: TarArchive, tarExcludes: excludes}
	}
	return req
}

// BuildPlan turns a partition map and a resolved configuration into an
// ordered backup plan. It is a pure function: no device command is issued
// and nothing is written, which is what makes dry-run possible.
//
// Requested partitions absent from the map fail with *PlanError before any
// task list is produced. Tar tasks whose filesystem is not currently
// mounted fail with *MountError; the planner never mounts anything itself.
func BuildPlan(pm *PartitionMap, cfg PlanConfig) (*BackupPlan, error) {
	req := cfg.requests()

	var missing []string
	for _, label := range sortedKeys(req) {
		if pm.Find(label) == nil {
			missing = append(missing, label)
		}
	}
	if len(missing) > 0 {
		return nil, &PlanError{Missing: missing}
	}

	seen := make(map[string]string)
	var tasks []BackupTask
	for _, part := range pm.Partitions {
		r, ok := req[part.Label]
		if !ok {
			continue
		}

		if prev, dup := seen[r.filename]; dup {
			return nil, &PlanError{Reason: fmt.Sprintf("partitions %s and %s both map to %s", prev, part.Label, r.filename)}
		}
		seen[r.filename] = part.Label

		if r.transform == TarArchive && part.MountPoint == "" {
			return nil, &MountError{Partition: part.Label}
		}

		tasks = append(tasks, BackupTask{
			Partition:     part,
			Filename:      r.filename,
			Transform:     r.transform,
			TarExcludes:   r.tarExcludes,
			RequiresMount: r.transform == TarArchive,
		})
	}

	return &BackupPlan{
		Tasks:     tasks,
		OutputDir: cfg.OutputDir,
		CreatedAt: time.Now().UTC(),
	}, nil
}
