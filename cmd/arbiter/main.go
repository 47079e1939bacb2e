package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build info, injected via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var flags struct {
	configFiles []string
	etcDir      string
	sudo        bool
	accountUID  int
	exitFile    string
	print       bool
	verbose     bool
	quiet       bool
}

var rootCmd = &cobra.Command{
	Use:     "arbiter",
	Short:   "Per-host interactive-usage quota daemon",
	Long:    "Arbiter watches logged-in users on an interactive login node, attributes CPU and memory usage via cgroups, and enforces time-decayed quotas.",
	Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
	RunE:    runDaemon,
}

func init() {
	rootCmd.Flags().StringArrayVar(&flags.configFiles, "config", nil, "config file to load (repeatable; later files override earlier ones)")
	rootCmd.Flags().StringVar(&flags.etcDir, "etc", "", "directory holding site-specific integration hooks")
	rootCmd.Flags().BoolVar(&flags.sudo, "sudo", false, "elevate cgroup writes and bootstrap slice creation via sudo")
	rootCmd.Flags().IntVar(&flags.accountUID, "account-uid", -1, "force systemd to start cgroup accounting for this uid before its first login, then exit")
	rootCmd.Flags().StringVar(&flags.exitFile, "exit-file", "", "exit with a distinguished code once this file's mtime advances, for coordinated restart")
	rootCmd.Flags().BoolVar(&flags.print, "print", false, "log human-readable text instead of JSON")
	rootCmd.Flags().BoolVar(&flags.verbose, "verbose", false, "log at debug level")
	rootCmd.Flags().BoolVar(&flags.quiet, "quiet", false, "log at warn level")
	_ = rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errRestartRequested) {
			os.Exit(exitCodeRestart)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
