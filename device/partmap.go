package device

import (
	droidback "github.com/droidback/droidback/lib"

	"fmt"
	"path"
	"strconv"
	"strings"
	"unicode"
)

// Directories that may hold the label -> block device symlinks. Older
// devices expose a flat by-name dir, newer ones nest it under the platform
// directory.
const byNameQuery = `ls -l /dev/block/by-name 2>/dev/null || ls -l /dev/block/platform/*/by-name 2>/dev/null`

// ReadPartitionMap queries the device for the sub-partitions of blockDevice
// (sizes from sysfs), the by-name symlink mapping from semantic labels to
// device paths, and the current mount table, and merges the three into an
// ordered partition map.
func ReadPartitionMap(s droidback.Session, blockDevice string) (*droidback.PartitionMap, error) {
	query := fmt.Sprintf("cat /sys/block/%s/uevent", blockDevice)
	out, err := s.Shell(query)
	if err != nil {
		return nil, &droidback.PartitionMapError{Query: query, Err: err}
	}

	uevent := parseUevent(out)
	nparts, err := strconv.Atoi(uevent["NPARTS"])
	if err != nil {
		return nil, &droidback.PartitionMapError{Query: query, Err: fmt.Errorf("missing or invalid NPARTS: %q", uevent["NPARTS"])}
	}

	labels := make(map[string]string)
	if out, err := s.Shell(byNameQuery); err == nil {
		labels = parseByNameListing(out)
	} else {
		deviceLog.Warnf("cannot read by-name symlinks, falling back to uevent names: %v", err)
	}

	mounts := make(map[string]mountEntry)
	if out, err := s.Shell("mount"); err == nil {
		mounts = parseMountTable(out)
	} else {
		deviceLog.Warnf("cannot read mount table: %v", err)
	}

	pm := &droidback.PartitionMap{BlockDevice: blockDevice}
	for i := 1; i <= nparts; i++ {
		node := partitionNode(blockDevice, i)

		query := fmt.Sprintf("cat /sys/block/%s/%s/uevent", blockDevice, node)
		out, err := s.Shell(query)
		if err != nil {
			return nil, &droidback.PartitionMapError{Query: query, Err: err}
		}
		pu := parseUevent(out)
		devname := pu["DEVNAME"]
		if devname == "" {
			return nil, &droidback.PartitionMapError{Query: query, Err: fmt.Errorf("missing DEVNAME")}
		}

		index := i
		if n, err := strconv.Atoi(pu["PARTN"]); err == nil {
			index = n
		}

		query = fmt.Sprintf("cat /sys/block/%s/%s/size", blockDevice, node)
		out, err = s.Shell(query)
		if err != nil {
			return nil, &droidback.PartitionMapError{Query: query, Err: err}
		}
		size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
		if err != nil {
			return nil, &droidback.PartitionMapError{Query: query, Err: fmt.Errorf("invalid size: %q", out)}
		}

		// some devices have uppercase uevent names; by-name symlinks win
		label := labels[devname]
		if label == "" {
			label = strings.ToLower(pu["PARTNAME"])
		}

		part := droidback.Partition{
			Device:     devname,
			Index:      index,
			Label:      label,
			SizeBlocks: size,
		}
		if m, ok := mounts["/dev/block/"+devname]; ok {
			part.MountPoint = m.node
			part.FSType = m.fstype
		}

		pm.Partitions = append(pm.Partitions, part)
	}

	return pm, nil
}

// partitionNode maps a parent block device and a partition number to the
// partition's sysfs node name: mmcblk0 -> mmcblk0p3, sda -> sda3
func partitionNode(blockDevice string, n int) string {
	if len(blockDevice) > 0 && unicode.IsDigit(rune(blockDevice[len(blockDevice)-1])) {
		return fmt.Sprintf("%sp%d", blockDevice, n)
	}
	return fmt.Sprintf("%s%d", blockDevice, n)
}

// parseUevent parses KEY=value lines from a sysfs uevent file
func parseUevent(out string) map[string]string {
	d := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			deviceLog.Warnf("don't understand uevent line: %q", line)
			continue
		}
		d[k] = v
	}
	return d
}

// parseByNameListing parses "ls -l" output of a by-name directory into a
// device node name -> lowercased label mapping
func parseByNameListing(out string) map[string]string {
	labels := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		arrow := -1
		for i, f := range fields {
			if f == "->" {
				arrow = i
			}
		}
		if arrow < 1 || arrow+1 >= len(fields) {
			continue
		}
		label := strings.ToLower(fields[arrow-1])
		target := path.Base(fields[arrow+1])
		labels[target] = label
	}
	return labels
}

type mountEntry struct {
	dev    string
	node   string
	fstype string
}

// parseMountTable understands both mount output shapes seen on devices:
// "dev on node type fstype (opts)" and "dev node fstype opts"
func parseMountTable(out string) map[string]mountEntry {
	mounts := make(map[string]mountEntry)
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		if len(f) < 4 {
			deviceLog.Warnf("don't understand mount line: %q", line)
			continue
		}

		var e mountEntry
		if f[1] == "on" && f[3] == "type" && len(f) >= 5 {
			e = mountEntry{dev: f[0], node: f[2], fstype: f[4]}
		} else {
			e = mountEntry{dev: f[0], node: f[1], fstype: f[2]}
		}
		mounts[e.dev] = e
	}
	return mounts
}
