package cmd

import (
	"github.com/droidback/droidback/backup"
	"github.com/droidback/droidback/device"
	droidback "github.com/droidback/droidback/lib"
	"github.com/droidback/droidback/mirror"
	"github.com/droidback/droidback/transports"

	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"filippo.io/age"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cmdBackupNandroid    bool
	cmdBackupDryRun      bool
	cmdBackupMedia       bool
	cmdBackupDataCache   bool
	cmdBackupRecovery    bool
	cmdBackupCache       bool
	cmdBackupNoUserdata  bool
	cmdBackupNoSystem    bool
	cmdBackupNoBoot      bool
	cmdBackupExtra       []string
	cmdBackupTCP         bool
	cmdBackupExecOut     bool
	cmdBackupBase64      bool
	cmdBackupRaw         bool
	cmdBackupSerial      string
	cmdBackupOutput      string
	cmdBackupNoVerify    bool
	cmdBackupCheckGzip   bool
	cmdBackupForce       bool
	cmdBackupIdleTimeout time.Duration
	cmdBackupKey         string
	cmdBackupKeyFile     string
	cmdBackupMirror      string
	cmdBackupSet         []string
	cmdBackupBlockDev    string

	cmdBackup = &cobra.Command{
		Use:   "backup",
		Short: "Back up device partitions to the local directory",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitCode = runBackup()
		},
	}
)

func init() {
	flags := cmdBackup.Flags()
	flags.BoolVarP(&cmdBackupNandroid, "nandroid", "N", false, "make a nandroid backup: raw images of all partitions")
	flags.BoolVarP(&cmdBackupDryRun, "dry-run", "0", false, "show the backup plan and exit without transferring anything")
	flags.BoolVarP(&cmdBackupMedia, "media", "M", false, "include /data/media* in the userdata backup")
	flags.BoolVarP(&cmdBackupDataCache, "data-cache", "D", false, "include /data/*-cache in the userdata backup")
	flags.BoolVarP(&cmdBackupRecovery, "recovery", "R", false, "also back up the recovery partition")
	flags.BoolVarP(&cmdBackupCache, "cache", "C", false, "also back up the cache partition")
	flags.BoolVarP(&cmdBackupNoUserdata, "no-userdata", "U", false, "skip the userdata partition")
	flags.BoolVarP(&cmdBackupNoSystem, "no-system", "S", false, "skip the system partition")
	flags.BoolVarP(&cmdBackupNoBoot, "no-boot", "B", false, "skip the boot partition")
	flags.StringArrayVarP(&cmdBackupExtra, "extra", "X", nil, "back up an extra partition as a raw image (repeatable)")
	flags.BoolVarP(&cmdBackupTCP, "tcp", "t", false, "use the TCP port forwarding transport")
	flags.BoolVarP(&cmdBackupExecOut, "exec-out", "x", false, "use the adb exec-out transport")
	flags.BoolVarP(&cmdBackupBase64, "base64", "6", false, "use the base64 pipe transport")
	flags.BoolVarP(&cmdBackupRaw, "raw", "P", false, "use the raw shell pipe transport (unsafe on most hosts)")
	flags.StringVarP(&cmdBackupSerial, "serial", "s", "", "back up the device with this serial")
	flags.StringVarP(&cmdBackupOutput, "output", "o", ".", "directory the backup directory is created in")
	flags.BoolVarP(&cmdBackupNoVerify, "no-verify", "V", false, "skip the per-artifact digest verification")
	flags.BoolVar(&cmdBackupCheckGzip, "check-gzip", false, "decompress the head of each artifact as an extra corruption check")
	flags.BoolVar(&cmdBackupForce, "force", false, "proceed even if the device is not in TWRP recovery")
	flags.DurationVar(&cmdBackupIdleTimeout, "idle-timeout", 0, "abort a transfer when the stream stalls for this long")
	flags.StringVar(&cmdBackupKey, "encrypt-key", "", "age recipient or identity; artifacts are encrypted on the host")
	flags.StringVar(&cmdBackupKeyFile, "encrypt-key-file", "", "file containing age recipients")
	flags.StringVar(&cmdBackupMirror, "mirror", "", "mirror options string (type=s3,... or type=ftp,...)")
	flags.StringArrayVar(&cmdBackupSet, "set", nil, "set an option (key=value, repeatable)")
	flags.StringVar(&cmdBackupBlockDev, "block-device", "mmcblk0", "block device holding the partition map")
}

func runBackup() int {
	options, err := droidback.EvalOptions(droidback.SplitOptions(strings.Join(cmdBackupSet, ",")), presets)
	if err != nil {
		logrus.Error(err)
		return 4
	}

	kind, err := transportKind()
	if err != nil {
		logrus.Error(err)
		return 4
	}

	session := device.NewSession(options.GetCommand("AdbCommand", []string{"adb"}), cmdBackupSerial)
	if err := session.Probe(); err != nil {
		logrus.Error(err)
		return 4
	}

	if twrpVersion, err := session.TWRPVersion(); err != nil {
		if !cmdBackupForce {
			logrus.Errorf("%v (use --force to back up from a booted system at your own risk)", err)
			return 4
		}
		logrus.Warnf("%v", err)
		logrus.Warn("backing up a running system yields inconsistent filesystem snapshots")
		if !confirm("Continue anyway?") {
			return 4
		}
	} else {
		logrus.Printf("device is in TWRP recovery %s", twrpVersion)
	}

	pm, err := device.ReadPartitionMap(session, cmdBackupBlockDev)
	if err != nil {
		logrus.Error(err)
		return 4
	}

	mode := droidback.ModeTWRP
	if cmdBackupNandroid {
		mode = droidback.ModeNandroid
	}

	plan, err := droidback.BuildPlan(pm, droidback.PlanConfig{
		Mode:             mode,
		SkipBoot:         cmdBackupNoBoot,
		SkipSystem:       cmdBackupNoSystem,
		SkipUserdata:     cmdBackupNoUserdata,
		IncludeCache:     cmdBackupCache,
		IncludeRecovery:  cmdBackupRecovery,
		IncludeMedia:     cmdBackupMedia,
		IncludeDataCache: cmdBackupDataCache,
		Extra:            cmdBackupExtra,
		OutputDir: filepath.Join(cmdBackupOutput,
			fmt.Sprintf("%s-backup-%s", mode, time.Now().Format("2006-01-02--15-04-05"))),
	})
	if err != nil {
		logrus.Error(err)
		return 4
	}

	if cmdBackupDryRun {
		printPlan(plan)
		return 0
	}

	portBase, err := options.GetInt("PortBase", 0)
	if err != nil {
		logrus.Warnf("cannot parse PortBase option: %v", err)
	}
	chunkSize, err := options.GetInt("ChunkSize", 0)
	if err != nil {
		logrus.Warnf("cannot parse ChunkSize option: %v", err)
	}

	transport, err := transports.New(session, transports.Config{Kind: kind, PortBase: portBase, ChunkSize: chunkSize})
	if err != nil {
		logrus.Error(err)
		return 4
	}

	var recipients []age.Recipient
	if cmdBackupKey != "" || cmdBackupKeyFile != "" {
		recipients, err = droidback.LoadRecipients(cmdBackupKeyFile, cmdBackupKey)
		if err != nil {
			logrus.Error(err)
			return 4
		}
	}

	var m mirror.Mirror
	if cmdBackupMirror != "" {
		mirrorOptions, err := droidback.EvalOptions(droidback.SplitOptions(cmdBackupMirror), presets)
		if err != nil {
			logrus.Error(err)
			return 4
		}
		m, err = mirror.New(mirrorOptions)
		if err != nil {
			logrus.Error(err)
			return 4
		}
	}

	runner := &backup.Runner{
		Session:     session,
		Transport:   transport,
		Verify:      !cmdBackupNoVerify,
		IdleTimeout: cmdBackupIdleTimeout,
		CheckGzip:   cmdBackupCheckGzip,
		Recipients:  recipients,
		Mirror:      m,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.Printf("backing up %d partition(s) to %s", len(plan.Tasks), plan.OutputDir)
	summary, err := runner.Run(ctx, *plan)
	if err != nil {
		logrus.Error(err)
		return 4
	}

	summary.Log()
	return summary.ExitCode()
}

func transportKind() (string, error) {
	kind := ""
	n := 0
	for flag, name := range map[*bool]string{
		&cmdBackupTCP:     "tcp",
		&cmdBackupExecOut: "exec-out",
		&cmdBackupBase64:  "base64",
		&cmdBackupRaw:     "raw",
	} {
		if *flag {
			kind = name
			n++
		}
	}
	if n > 1 {
		return "", fmt.Errorf("at most one transport flag may be given")
	}
	return kind, nil
}

func printPlan(plan *droidback.BackupPlan) {
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tSIZE\tFORMAT\tFILE")
	for _, task := range plan.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			task.Partition.String(), droidback.FormatSize(task.Partition.SizeBytes()), task.Transform, task.Filename)
	}
	w.Flush()
	fmt.Printf("\nBackup directory: %s\n", plan.OutputDir)
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
