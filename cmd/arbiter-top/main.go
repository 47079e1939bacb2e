// Command arbiter-top is a read-only terminal dashboard over the shared
// status store, grounded on the teacher's `xboard tui` subcommand.
package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/creamcroissant/xboard/internal/config"
	"github.com/creamcroissant/xboard/internal/statusdb/sqlite"
	"github.com/creamcroissant/xboard/internal/tui"
)

var flags struct {
	configFiles []string
}

var rootCmd = &cobra.Command{
	Use:   "arbiter-top",
	Short: "Live dashboard over the shared arbiter status store",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringArrayVar(&flags.configFiles, "config", nil, "config file to load (repeatable)")
	_ = rootCmd.MarkFlagRequired("config")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flags.configFiles)
	if err != nil {
		return err
	}
	if !cfg.Sync.Enabled {
		return fmt.Errorf("arbiter-top: statusdb.enabled is false in this config, nothing to watch")
	}

	store, err := sqlite.Open(cfg.Sync.DSN)
	if err != nil {
		return fmt.Errorf("open status store: %w", err)
	}
	defer store.Close()

	model := tui.NewModel(store, tui.Options{
		Hostname:  cfg.General.Hostname,
		SyncGroup: cfg.Sync.SyncGroup,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
