package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/db"
	"github.com/prabhask5/stellar-sub000/internal/output"
	"github.com/spf13/cobra"
)

var syncConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show recent sync conflicts",
	Long: `List conflicts resolved while applying remote changes, newest first.
--detail renders the local, remote and merged records of each conflict.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 || limit > 1000 {
			output.Error("limit must be between 1 and 1000")
			return fmt.Errorf("invalid limit: %d", limit)
		}
		sinceStr, _ := cmd.Flags().GetString("since")
		detail, _ := cmd.Flags().GetBool("detail")

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

		var since *time.Time
		if sinceStr != "" {
			d, err := time.ParseDuration(sinceStr)
			if err != nil {
				output.Error("invalid duration %q: %v", sinceStr, err)
				return err
			}
			t := time.Now().Add(-d)
			since = &t
		}

		conflicts, err := database.GetRecentConflicts(cmd.Context(), limit, since)
		if err != nil {
			output.Error("query conflicts: %v", err)
			return err
		}

		if len(conflicts) == 0 {
			fmt.Println("No sync conflicts found.")
			return nil
		}

		if detail {
			rendered, err := output.RenderMarkdown(conflictsMarkdown(conflicts))
			if err != nil {
				output.Error("render: %v", err)
				return err
			}
			fmt.Println(rendered)
			return nil
		}

		fmt.Println("Recent sync conflicts:")
		fmt.Printf("  %-21s %-9s %-20s %-18s %s\n", "TIME", "SOURCE", "TABLE", "ENTITY", "FIELDS")
		for _, c := range conflicts {
			fmt.Printf("  %-21s %-9s %-20s %-18s %s\n",
				c.ResolvedAt.Local().Format("2006-01-02 15:04:05"),
				c.Source,
				c.Table,
				output.ShortID(c.EntityID, 18),
				output.FormatFieldList(c.Fields),
			)
		}
		return nil
	},
}

// conflictsMarkdown renders conflicts as markdown sections with the three
// record versions fenced as JSON.
func conflictsMarkdown(conflicts []db.ConflictRecord) string {
	var sb strings.Builder
	for i, c := range conflicts {
		if i > 0 {
			sb.WriteString("\n---\n\n")
		}
		sb.WriteString(fmt.Sprintf("## %s/%s\n\n", c.Table, c.EntityID))
		sb.WriteString(fmt.Sprintf("Resolved %s during **%s**; fields: `%s`\n\n",
			c.ResolvedAt.Local().Format("2006-01-02 15:04:05"), c.Source, output.FormatFieldList(c.Fields)))
		sb.WriteString(output.JSONBlock("Local", c.LocalData))
		sb.WriteString(output.JSONBlock("Remote", c.RemoteData))
		sb.WriteString(output.JSONBlock("Merged", c.MergedData))
	}
	return sb.String()
}

func init() {
	syncConflictsCmd.Flags().Int("limit", 20, "Max conflicts to show")
	syncConflictsCmd.Flags().String("since", "", "Show conflicts from the last duration (e.g. 24h, 1h30m)")
	syncConflictsCmd.Flags().Bool("detail", false, "Show local, remote and merged records")
	syncCmd.AddCommand(syncConflictsCmd)
}
