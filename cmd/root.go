package cmd

import (
	droidback "github.com/droidback/droidback/lib"

	"fmt"
	"os"
	"os/user"
	"path"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	presetsDir string
	logLevel   string
	presets    map[string][]droidback.KeyValuePair

	// exit status decided by the executed subcommand
	exitCode int

	tag       = "git"
	commit    = "unknown"
	buildDate = "unknown"

	rootCmd = &cobra.Command{
		Use:   "droidback",
		Short: "Back up Android device partitions over adb, without touching device storage",
	}
	cmdVersion = &cobra.Command{
		Use: "version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version: %s\n", tag)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Build Date: %s\n", buildDate)
		},
	}
)

func init() {
	cobra.OnInitialize(func() {
		var err error

		_ = godotenv.Load()

		if logLevel != "" {
			level, err := logrus.ParseLevel(logLevel)
			if err == nil {
				logrus.SetLevel(level)
			} else {
				logrus.Warnf("Cannot set log level: %v", err)
			}
		}

		if presetsDir == "" {
			usr, err := user.Current()
			if err != nil {
				logrus.Fatal(err)
			}

			if usr.Uid == "0" {
				presetsDir = path.Join("/etc", "droidback", "presets")
			} else {
				presetsDir = path.Join(usr.HomeDir, ".config", "droidback", "presets")
			}
		}

		presets, err = droidback.ReadPresets(presetsDir)
		if err != nil {
			logrus.Fatal(err)
		}
	})

	rootCmd.PersistentFlags().StringVarP(&presetsDir, "presets-dir", "p", "", "path to presets directory")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "", os.Getenv("LOG_LEVEL"), "log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(cmdBackup, cmdPartitions, cmdKey, cmdVersion)
}

func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		return 4
	}
	return exitCode
}
