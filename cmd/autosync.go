package cmd

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/syncclient"
	"github.com/prabhask5/stellar-sub000/internal/syncconfig"
)

const autoSyncTimeout = 5 * time.Second

// mutatingCommands lists commands that modify local data and should trigger auto-sync.
var mutatingCommands = map[string]bool{
	"put":    true,
	"rm":     true,
	"delete": true,
	"edit":   true,
}

// isMutatingCommand checks if the given command name triggers auto-sync.
func isMutatingCommand(name string) bool {
	return mutatingCommands[name]
}

// autoSyncAfterMutation pushes queued writes after a mutating command.
// Runs synchronously with a short timeout. Errors are logged, not returned;
// the writes stay queued for the next sync.
func autoSyncAfterMutation(ctx context.Context) {
	if !syncconfig.GetAutoSyncEnabled() || !syncconfig.IsAuthenticated() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, autoSyncTimeout)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		slog.Debug("autosync: open", "err", err)
		return
	}
	defer a.Close()
	a.client.HTTP.Timeout = autoSyncTimeout

	res, err := a.engine.Push(ctx)
	if err != nil {
		if errors.Is(err, syncclient.ErrUnauthorized) {
			slog.Warn("autosync: not authorized, run: stellar auth login")
			return
		}
		slog.Debug("autosync: push", "err", err)
		return
	}
	if res != nil && res.Pushed > 0 {
		slog.Debug("autosync: pushed", "changes", res.Pushed)
	}
}
