package cmd

import (
	"github.com/droidback/droidback/device"
	droidback "github.com/droidback/droidback/lib"

	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cmdPartitionsSerial   string
	cmdPartitionsBlockDev string
	cmdPartitionsSet      []string

	cmdPartitions = &cobra.Command{
		Use:   "partitions",
		Short: "Show the device partition map",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			exitCode = runPartitions()
		},
	}
)

func init() {
	flags := cmdPartitions.Flags()
	flags.StringVarP(&cmdPartitionsSerial, "serial", "s", "", "query the device with this serial")
	flags.StringVar(&cmdPartitionsBlockDev, "block-device", "mmcblk0", "block device holding the partition map")
	flags.StringArrayVar(&cmdPartitionsSet, "set", nil, "set an option (key=value, repeatable)")
}

func runPartitions() int {
	options, err := droidback.EvalOptions(droidback.SplitOptions(strings.Join(cmdPartitionsSet, ",")), presets)
	if err != nil {
		logrus.Error(err)
		return 4
	}

	session := device.NewSession(options.GetCommand("AdbCommand", []string{"adb"}), cmdPartitionsSerial)
	if err := session.Probe(); err != nil {
		logrus.Error(err)
		return 4
	}

	pm, err := device.ReadPartitionMap(session, cmdPartitionsBlockDev)
	if err != nil {
		logrus.Error(err)
		return 4
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tDEVICE\tSIZE\tFS\tMOUNT")
	for _, p := range pm.Partitions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			p.Index, p.Label, p.Device, droidback.FormatSize(p.SizeBytes()), p.FSType, p.MountPoint)
	}
	w.Flush()

	return 0
}
