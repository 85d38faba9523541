package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/prabhask5/stellar-sub000/internal/events"
	"github.com/prabhask5/stellar-sub000/internal/models"
	"github.com/prabhask5/stellar-sub000/internal/output"
	"github.com/spf13/cobra"
)

// parseTable resolves a table argument, accepting singular aliases.
func parseTable(arg string) (string, error) {
	t, ok := events.NormalizeTable(arg)
	if !ok {
		return "", fmt.Errorf("unknown table %q (tables: %s)", arg, strings.Join(events.TableNames(), ", "))
	}
	return string(t), nil
}

// parseAssignments turns field=value arguments into a field map. Values that
// parse as JSON keep their JSON type; anything else is a string.
func parseAssignments(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid assignment %q (want field=value)", arg)
		}
		if models.IsMetadataField(name) {
			return nil, fmt.Errorf("field %q is managed by sync", name)
		}
		fields[name] = parseValue(raw)
	}
	return fields, nil
}

// parseValue decodes raw as JSON, falling back to the raw string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

var putCmd = &cobra.Command{
	Use:   "put <table> [id] field=value...",
	Short: "Create or update a record",
	Long: `Write fields of a record in the local replica and queue the write for sync.
Without an id (or with --new) a fresh id is generated.

Examples:
  stellar put goal name="Read 20 books" target_value=20
  stellar put goal 0b7c... current_value=5
  stellar put task --new title=Groceries`,
	GroupID: "core",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := parseTable(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}

		rest := args[1:]
		id := ""
		forceNew, _ := cmd.Flags().GetBool("new")
		if !forceNew && !strings.Contains(rest[0], "=") {
			id, rest = rest[0], rest[1:]
		}
		if len(rest) == 0 {
			err := fmt.Errorf("no fields to write")
			output.Error("%v", err)
			return err
		}
		fields, err := parseAssignments(rest)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		op := events.ActionUpdate
		if id == "" {
			id = uuid.NewString()
			op = events.ActionCreate
		} else if existing, err := a.db.Get(cmd.Context(), table, id); err != nil {
			output.Error("%v", err)
			return err
		} else if existing == nil {
			op = events.ActionCreate
		}

		e, err := a.queue.Mutate(cmd.Context(), table, id, op, fields)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(e)
		}
		output.Success("%s %s/%s", pastTense(op), table, id)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:     "get <table> <id>",
	Aliases: []string{"show"},
	Short:   "Show a record",
	GroupID: "core",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := parseTable(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		e, err := a.db.Get(cmd.Context(), table, args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		jsonOut, _ := cmd.Flags().GetBool("json")
		if e == nil {
			if jsonOut {
				output.JSONError(output.ErrCodeNotFound, fmt.Sprintf("%s/%s not found", table, args[1]))
			} else {
				output.Error("%s/%s not found", table, args[1])
			}
			return fmt.Errorf("not found")
		}
		if jsonOut {
			return output.JSON(e)
		}

		ops, err := a.queue.PendingOpsForEntity(cmd.Context(), e.ID)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Print(output.FormatEntityLong(e, len(ops)))
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <table> <id>...",
	Aliases: []string{"delete"},
	Short:   "Delete records",
	GroupID: "core",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := parseTable(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		var failed int
		for _, id := range args[1:] {
			if _, err := a.queue.Mutate(cmd.Context(), table, id, events.ActionDelete, nil); err != nil {
				output.Error("%v", err)
				failed++
				continue
			}
			output.Success("deleted %s/%s", table, id)
		}
		if failed > 0 {
			return fmt.Errorf("%d delete(s) failed", failed)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list <table>",
	Aliases: []string{"ls"},
	Short:   "List records in a table",
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := parseTable(args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		entities, err := a.db.List(cmd.Context(), table)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
			return output.JSON(entities)
		}
		if len(entities) == 0 {
			fmt.Printf("No %s.\n", table)
			return nil
		}
		pending := a.queue.PendingEntityIDs()
		for _, e := range entities {
			line := output.FormatEntityShort(e)
			if _, ok := pending[e.ID]; ok {
				line += "  *"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func pastTense(op events.ActionType) string {
	switch op {
	case events.ActionCreate:
		return "created"
	case events.ActionDelete:
		return "deleted"
	default:
		return "updated"
	}
}

func init() {
	putCmd.Flags().Bool("new", false, "Always create a new record with a generated id")
	putCmd.Flags().Bool("json", false, "Output the written record as JSON")
	getCmd.Flags().Bool("json", false, "Output as JSON")
	listCmd.Flags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(putCmd, getCmd, rmCmd, listCmd)
}
