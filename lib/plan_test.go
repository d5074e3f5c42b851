package droidback

import (
	"errors"
	"reflect"
	"testing"
)

func testMap() *PartitionMap {
	return &PartitionMap{
		BlockDevice: "mmcblk0",
		Partitions: []Partition{
			{Device: "mmcblk0p1", Index: 1, Label: "modem", SizeBlocks: 131072},
			{Device: "mmcblk0p7", Index: 7, Label: "boot", SizeBlocks: 20480},
			{Device: "mmcblk0p8", Index: 8, Label: "recovery", SizeBlocks: 20480},
			{Device: "mmcblk0p14", Index: 14, Label: "system", SizeBlocks: 2097152, MountPoint: "/system", FSType: "ext4"},
			{Device: "mmcblk0p15", Index: 15, Label: "cache", SizeBlocks: 524288},
			{Device: "mmcblk0p25", Index: 25, Label: "userdata", SizeBlocks: 12582912, MountPoint: "/data", FSType: "ext4"},
			{Device: "mmcblk0p26", Index: 26, SizeBlocks: 1024},
		},
	}
}

func taskNames(plan *BackupPlan) []string {
	var names []string
	for _, t := range plan.Tasks {
		names = append(names, t.Filename)
	}
	return names
}

func TestBuildPlanTWRPDefaults(t *testing.T) {
	plan, err := BuildPlan(testMap(), PlanConfig{Mode: ModeTWRP})
	if err != nil {
		t.Fatal(err)
	}

	expected := []string{"boot.emmc.win", "system.ext4.win", "data.ext4.win"}
	if !reflect.DeepEqual(taskNames(plan), expected) {
		t.Errorf("expected %v, got %v", expected, taskNames(plan))
	}

	for _, task := range plan.Tasks {
		switch task.Filename {
		case "boot.emmc.win":
			if task.Transform != RawGzipImage || task.RequiresMount {
				t.Errorf("boot should be a raw image task: %+v", task)
			}
		case "system.ext4.win":
			if task.Transform != TarArchive || !task.RequiresMount || len(task.TarExcludes) != 0 {
				t.Errorf("system should be a plain tar task: %+v", task)
			}
		case "data.ext4.win":
			if task.Transform != TarArchive {
				t.Errorf("userdata should be a tar task: %+v", task)
			}
			if !reflect.DeepEqual(task.TarExcludes, []string{"media*", "*-cache"}) {
				t.Errorf("unexpected default excludes: %v", task.TarExcludes)
			}
		}
	}
}

func TestBuildPlanTWRPCacheOptIn(t *testing.T) {
	plan, err := BuildPlan(testMap(), PlanConfig{Mode: ModeTWRP, IncludeCache: true})
	if err != nil {
		t.Fatal(err)
	}

	// order follows the partition map, cache sits between system and userdata
	expected := []string{"boot.emmc.win", "system.ext4.win", "cache.emmc.win", "data.ext4.win"}
	if !reflect.DeepEqual(taskNames(plan), expected) {
		t.Errorf("expected %v, got %v", expected, taskNames(plan))
	}

	cache := plan.Tasks[2]
	if cache.Transform != RawGzipImage || cache.RequiresMount {
		t.Errorf("cache should be a raw image task: %+v", cache)
	}
}

func TestBuildPlanMediaFlags(t *testing.T) {
	tests := []struct {
		cfg      PlanConfig
		excludes []string
	}{
		{PlanConfig{Mode: ModeTWRP}, []string{"media*", "*-cache"}},
		{PlanConfig{Mode: ModeTWRP, IncludeMedia: true}, []string{"*-cache"}},
		{PlanConfig{Mode: ModeTWRP, IncludeDataCache: true}, []string{"media*"}},
		{PlanConfig{Mode: ModeTWRP, IncludeMedia: true, IncludeDataCache: true}, nil},
	}

	for _, test := range tests {
		plan, err := BuildPlan(testMap(), test.cfg)
		if err != nil {
			t.Fatal(err)
		}
		var data *BackupTask
		for i := range plan.Tasks {
			if plan.Tasks[i].Filename == "data.ext4.win" {
				data = &plan.Tasks[i]
			}
		}
		if data == nil {
			t.Fatal("no userdata task")
		}
		if !reflect.DeepEqual(data.TarExcludes, test.excludes) {
			t.Errorf("expected excludes %v, got %v", test.excludes, data.TarExcludes)
		}
	}
}

func TestBuildPlanNandroid(t *testing.T) {
	plan, err := BuildPlan(testMap(), PlanConfig{Mode: ModeNandroid, IncludeRecovery: true, Extra: []string{"modem"}})
	if err != nil {
		t.Fatal(err)
	}

	expected := []string{"modem.img.gz", "boot.img.gz", "recovery.img.gz", "system.img.gz", "userdata.img.gz"}
	if !reflect.DeepEqual(taskNames(plan), expected) {
		t.Errorf("expected %v, got %v", expected, taskNames(plan))
	}

	for _, task := range plan.Tasks {
		if task.Transform != RawGzipImage || task.RequiresMount {
			t.Errorf("nandroid tasks are raw images: %+v", task)
		}
	}
}

func TestBuildPlanMissingExtra(t *testing.T) {
	plan, err := BuildPlan(testMap(), PlanConfig{Mode: ModeTWRP, Extra: []string{"persist"}})
	if plan != nil {
		t.Error("no plan should be produced for a missing partition")
	}

	var planErr *PlanError
	if !errors.As(err, &planErr) {
		t.Fatalf("expected *PlanError, got %v", err)
	}
	if !reflect.DeepEqual(planErr.Missing, []string{"persist"}) {
		t.Errorf("expected exactly [persist], got %v", planErr.Missing)
	}
}

func TestBuildPlanUnmountedTar(t *testing.T) {
	pm := testMap()
	pm.Find("system").MountPoint = ""

	_, err := BuildPlan(pm, PlanConfig{Mode: ModeTWRP})
	var mountErr *MountError
	if !errors.As(err, &mountErr) {
		t.Fatalf("expected *MountError, got %v", err)
	}
	if mountErr.Partition != "system" {
		t.Errorf("expected system, got %s", mountErr.Partition)
	}
}

func TestTaskShellCommand(t *testing.T) {
	pm := testMap()

	raw := BackupTask{Partition: *pm.Find("boot"), Transform: RawGzipImage}
	if raw.ShellCommand() != "dd if=/dev/block/mmcblk0p7 2> /dev/null | gzip -f" {
		t.Errorf("unexpected raw command: %s", raw.ShellCommand())
	}

	tar := BackupTask{Partition: *pm.Find("userdata"), Transform: TarArchive, TarExcludes: []string{"media*", "*-cache"}}
	expected := `tar -czpC /data --exclude="media*" --exclude="*-cache" . 2> /dev/null`
	if tar.ShellCommand() != expected {
		t.Errorf("unexpected tar command: %s", tar.ShellCommand())
	}
}

func TestTransferSessionForwardOnly(t *testing.T) {
	ts := NewTransferSession("tcp", 1024)
	if ts.Status() != StatusPending {
		t.Fatalf("new session should be pending, got %s", ts.Status())
	}

	if err := ts.Advance(StatusTransferring); err != nil {
		t.Fatal(err)
	}
	if err := ts.Advance(StatusPending); err == nil {
		t.Error("moving backwards should fail")
	}
	if err := ts.Advance(StatusVerified); err != nil {
		t.Fatal(err)
	}
	if err := ts.Advance(StatusFailed); err == nil {
		t.Error("verified is terminal")
	}
}
