package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/prabhask5/stellar-sub000/internal/output"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
	"github.com/prabhask5/stellar-sub000/internal/syncclient"
	"github.com/prabhask5/stellar-sub000/internal/syncconfig"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync local data with the remote server",
	Long: `Push queued local writes, then pull changes from other devices.

Examples:
  stellar sync            # push then pull
  stellar sync --push     # push only
  stellar sync --pull     # pull only
  stellar sync --status   # show local and server state`,
	GroupID: "sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push")
		pullOnly, _ := cmd.Flags().GetBool("pull")
		statusOnly, _ := cmd.Flags().GetBool("status")

		if pushOnly && pullOnly {
			err := fmt.Errorf("--push and --pull are mutually exclusive")
			output.Error("%v", err)
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		if statusOnly {
			return runSyncStatus(cmd.Context(), a)
		}

		if !syncconfig.IsAuthenticated() {
			output.Error("not logged in (run: stellar auth login)")
			return fmt.Errorf("not authenticated")
		}

		var res *tdsync.Result
		switch {
		case pushOnly:
			res, err = a.engine.Push(cmd.Context())
		case pullOnly:
			res, err = a.engine.Pull(cmd.Context())
		default:
			res, err = a.engine.PerformSync(cmd.Context())
		}
		if res != nil {
			printSyncResult(res)
		}
		if err != nil {
			switch {
			case errors.Is(err, tdsync.ErrOffline):
				output.Warning("server unreachable; local writes stay queued")
			case errors.Is(err, syncclient.ErrUnauthorized):
				output.Error("unauthorized (run: stellar auth login)")
			default:
				output.Error("sync: %v", err)
			}
			return err
		}
		return nil
	},
}

func printSyncResult(res *tdsync.Result) {
	if res.Pushed > 0 {
		fmt.Printf("Pushed %d change(s)\n", res.Pushed)
	}
	if res.Pulled > 0 {
		fmt.Printf("Pulled %d change(s), applied %d\n", res.Pulled, res.Applied)
	}
	if res.Conflicts > 0 {
		output.Warning("%d conflict(s) resolved (see: stellar sync conflicts)", res.Conflicts)
	}
	for _, err := range res.Errors {
		output.Warning("%v", err)
	}
	if res.Pushed == 0 && res.Pulled == 0 && len(res.Errors) == 0 {
		output.Success("Up to date")
	}
}

func runSyncStatus(ctx context.Context, a *app) error {
	state, err := a.db.GetSyncState(ctx)
	if err != nil {
		output.Error("%v", err)
		return err
	}
	pending, err := a.queue.Count(ctx)
	if err != nil {
		output.Error("%v", err)
		return err
	}

	fmt.Printf("Device:      %s\n", a.device())
	fmt.Printf("Server:      %s\n", syncconfig.GetServerURL())
	fmt.Printf("Pending ops: %d\n", pending)
	fmt.Printf("Checkpoint:  %d\n", state.LastPulledSeq)
	if state.LastSyncAt != nil {
		fmt.Printf("Last sync:   %s (%s)\n", state.LastSyncAt.Format("2006-01-02 15:04:05"), output.FormatTimeAgo(*state.LastSyncAt))
	} else {
		fmt.Println("Last sync:   never")
	}
	if state.LastPushedAt != nil {
		fmt.Printf("Last push:   %s\n", output.FormatTimeAgo(*state.LastPushedAt))
	}

	if !syncconfig.IsAuthenticated() {
		fmt.Println("Auth:        not logged in")
		return nil
	}
	server, err := a.client.SyncStatus(ctx)
	if err != nil {
		output.Warning("server status unavailable: %v", err)
		return nil
	}
	fmt.Printf("Server seq:  %d (%d change(s))\n", server.LastServerSeq, server.ChangeCount)
	if behind := server.LastServerSeq - state.LastPulledSeq; behind > 0 {
		fmt.Printf("Behind by:   %d\n", behind)
	}
	return nil
}

func init() {
	syncCmd.Flags().Bool("push", false, "Push only")
	syncCmd.Flags().Bool("pull", false, "Pull only")
	syncCmd.Flags().Bool("status", false, "Show sync status")
	rootCmd.AddCommand(syncCmd)
}
