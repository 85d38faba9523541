package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/prabhask5/stellar-sub000/internal/db"
)

func TestConflictsMarkdown(t *testing.T) {
	conflicts := []db.ConflictRecord{
		{
			Table:      "goals",
			EntityID:   "g1",
			Source:     "pull",
			Fields:     []string{"name"},
			LocalData:  `{"name":"a"}`,
			RemoteData: `{"name":"b"}`,
			MergedData: `{"name":"b"}`,
			ResolvedAt: time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC),
		},
		{Table: "projects", EntityID: "p1", Source: "realtime", LocalData: "null"},
	}

	md := conflictsMarkdown(conflicts)
	for _, want := range []string{"## goals/g1", "**pull**", "`name`", "### Local", "### Remote", "### Merged", "\"name\": \"b\"", "## projects/p1", "---"} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}
