package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/output"
	"github.com/spf13/cobra"
)

// Styles for sync tail output
var (
	pushArrow = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("→") // green
	pullArrow = lipgloss.NewStyle().Foreground(lipgloss.Color("45")).Render("←") // cyan
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var syncTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent sync activity",
	Long: `Show recent push/pull events. Use -f to follow in real-time.

Examples:
  stellar sync tail          # Show last 20 sync events
  stellar sync tail -f       # Follow new events in real-time
  stellar sync tail -n 50    # Show last 50 events
  stellar sync tail -f -n 0  # Follow only new events, skip history`,
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("lines")

		dir, err := getDataDir()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		database, err := db.Open(dir)
		if err != nil {
			output.Error("open database: %v", err)
			return err
		}
		defer database.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var entries []db.SyncHistoryEntry
		if lines > 0 {
			entries, err = database.GetSyncHistoryTail(ctx, lines)
			if err != nil {
				output.Error("query sync history: %v", err)
				return err
			}
		}

		var maxID int64
		for _, e := range entries {
			printSyncEntry(e)
			if e.ID > maxID {
				maxID = e.ID
			}
		}

		if !follow {
			if len(entries) == 0 {
				fmt.Println("No sync activity recorded.")
			}
			return nil
		}

		// Following without history: start after the newest entry.
		if maxID == 0 && lines == 0 {
			tail, _ := database.GetSyncHistoryTail(ctx, 1)
			if len(tail) > 0 {
				maxID = tail[0].ID
			}
		}

		followHistory(ctx, database, maxID, time.Second)
		fmt.Println() // clean line after ^C
		return nil
	},
}

// followHistory polls for entries after afterID until ctx is done.
func followHistory(ctx context.Context, database *db.DB, afterID int64, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newEntries, err := database.GetSyncHistory(ctx, afterID, 100)
			if err != nil {
				slog.Debug("sync tail: poll", "err", err)
				continue
			}
			for _, e := range newEntries {
				printSyncEntry(e)
				if e.ID > afterID {
					afterID = e.ID
				}
			}
		}
	}
}

func printSyncEntry(e db.SyncHistoryEntry) {
	arrow := pullArrow
	if e.Direction == "push" {
		arrow = pushArrow
	}

	ts := dimStyle.Render(e.Timestamp.Format("15:04:05"))
	seq := fmt.Sprintf("seq:%d", e.ServerSeq)

	line := fmt.Sprintf("%s %s %s %s/%s (%s) %s",
		ts, arrow, e.Direction, e.Table,
		output.ShortID(e.EntityID, 16), e.ActionType, seq)

	if e.Direction == "pull" && e.DeviceID != "" {
		line += fmt.Sprintf(" from:%s", output.ShortID(e.DeviceID, 12))
	}
	fmt.Println(line)
}

func init() {
	syncTailCmd.Flags().BoolP("follow", "f", false, "Follow new events in real-time")
	syncTailCmd.Flags().IntP("lines", "n", 20, "Number of initial lines to show")
	syncCmd.AddCommand(syncTailCmd)
}
