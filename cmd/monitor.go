package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prabhask5/stellar-sub000/internal/output"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
	"github.com/prabhask5/stellar-sub000/internal/syncconfig"
	"github.com/prabhask5/stellar-sub000/internal/tui/monitor"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live TUI dashboard of sync state",
	Long: `Launch a live-updating TUI dashboard showing:
- Status: sync status, connectivity, realtime state, pending ops, checkpoint
- Activity: recent pushes, pulls and remote changes
- Conflicts: recently resolved conflicts

When logged in, the dashboard also runs the sync daemon (as in 'stellar watch').

Key bindings:
  Tab/Shift+Tab  Switch panels
  1/2/3          Jump to panel
  j/k            Scroll active panel
  r              Force refresh
  s              Sync now
  ?              Toggle help
  q              Quit`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval < 500*time.Millisecond {
			interval = 2 * time.Second
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		src := monitor.Sources{DB: a.db, Queue: a.queue, Engine: a.engine, Editing: a.editing}
		var syncFn monitor.SyncFunc

		done := make(chan error, 1)
		if syncconfig.IsAuthenticated() {
			d, err := newDaemon(a)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			src.Listener = d.listener
			syncFn = func() { d.scheduler.Trigger(tdsync.ReasonManual) }
			go func() { done <- d.Run(ctx) }()
		} else {
			close(done)
		}

		model := monitor.NewModel(src, syncFn, interval, version)
		p := tea.NewProgram(model, tea.WithAltScreen())
		_, runErr := p.Run()

		cancel()
		<-done
		if runErr != nil {
			return fmt.Errorf("error running monitor: %w", runErr)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval")
}
