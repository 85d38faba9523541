package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/prabhask5/stellar-sub000/internal/editguard"
	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/output"
	"github.com/prabhask5/stellar-sub000/internal/syncconfig"
	"github.com/spf13/cobra"
)

var editCmd = &cobra.Command{
	Use:   "edit <table> <id> <field>",
	Short: "Edit one field interactively",
	Long: `Open a form for one field of a record. While the form is open, remote changes
to the record are held back instead of overwriting it. If one arrived, you choose
afterwards whether to keep your value or take the remote version.`,
	GroupID: "core",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := parseTable(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		id, field := args[1], args[2]

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		e, err := a.db.Get(ctx, table, id)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if e == nil {
			output.Error("%s/%s not found", table, id)
			return fmt.Errorf("not found")
		}

		// Keep realtime running while the form is open so remote writes
		// arrive and exercise the deferral path.
		done := make(chan error, 1)
		if syncconfig.IsAuthenticated() {
			d, err := newDaemon(a)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			go func() { done <- d.Run(ctx) }()
		} else {
			close(done)
		}

		current, _ := e.Get(field)
		value := ""
		if current != nil {
			value = output.FormatValue(current)
		}

		a.editing.MarkEditing(table, id, field)
		form := huh.NewForm(huh.NewGroup(
			huh.NewText().
				Title(fmt.Sprintf("%s/%s  %s", table, id, field)).
				Description("Text fields stay text; other values are read as JSON.").
				Value(&value),
		))
		formErr := form.RunWithContext(ctx)
		deferred := a.editing.ClearEditing(table, id)

		if formErr != nil {
			cancel()
			<-done
			if deferred != nil {
				a.editing.Discard(table, id)
			}
			if formErr == huh.ErrUserAborted {
				output.Warning("edit cancelled")
				return nil
			}
			return formErr
		}

		takeRemote := false
		if deferred != nil {
			takeRemote, err = confirmDeferred(deferred)
			if err != nil {
				cancel()
				<-done
				return err
			}
		}

		edited := editedValue(current, strings.TrimSpace(value))
		err = resolveEdit(ctx, a, table, id, field, edited, deferred, takeRemote)
		cancel()
		<-done
		if err != nil {
			output.Error("%v", err)
			return err
		}
		return nil
	},
}

// confirmDeferred asks whether to take a remote change that arrived mid-edit.
func confirmDeferred(d *editguard.Deferred) (bool, error) {
	what := "changed " + output.FormatFieldList(d.ChangedFields)
	if d.Deleted {
		what = "deleted the record"
	}
	takeRemote := false
	err := huh.NewConfirm().
		Title("Another device " + what + " while you were editing").
		Affirmative("Take remote").
		Negative("Keep mine").
		Value(&takeRemote).
		Run()
	return takeRemote, err
}

// editedValue keeps text fields as text; other fields are parsed as JSON.
func editedValue(current any, raw string) any {
	if _, ok := current.(string); ok {
		return raw
	}
	return parseValue(raw)
}

// resolveEdit adopts the deferred remote snapshot or writes the edited value
// through the queue. Keeping the local value drops the held snapshot; the
// queued write then wins or merges at the next push.
func resolveEdit(ctx context.Context, a *app, table, id, field string, value any, deferred *editguard.Deferred, takeRemote bool) error {
	if deferred != nil && takeRemote {
		if _, err := a.editing.Adopt(ctx, a.queue, table, id); err != nil {
			return err
		}
		output.Success("took remote version of %s/%s", table, id)
		return nil
	}
	if deferred != nil {
		a.editing.Discard(table, id)
	}

	if _, err := a.queue.Mutate(ctx, table, id, events.ActionUpdate, map[string]any{field: value}); err != nil {
		return err
	}
	output.Success("updated %s/%s %s", table, id, field)
	return nil
}

func init() {
	rootCmd.AddCommand(editCmd)
}
