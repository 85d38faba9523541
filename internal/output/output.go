// Package output provides styled terminal output helpers (success, error,
// warning, entity formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prabhask5/stellar-sub000/internal/models"
	tdsync "github.com/prabhask5/stellar-sub000/internal/sync"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	tableStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	statusStyles = map[tdsync.Status]lipgloss.Style{
		tdsync.StatusSynced:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		tdsync.StatusSyncing: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		tdsync.StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		tdsync.StatusError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		tdsync.StatusOffline: lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
)

// OutputMode determines output format
type OutputMode int

const (
	ModeShort OutputMode = iota
	ModeLong
	ModeJSON
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeDatabaseError = "database_error"
	ErrCodeOffline       = "offline"
	ErrCodeUnauthorized  = "unauthorized"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// FormatStatus formats a sync status with color
func FormatStatus(s tdsync.Status) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatEntityShort formats an entity on one line: id, table, a title-ish
// field when one exists, and the time of its last write.
func FormatEntityShort(e *models.Entity) string {
	parts := []string{titleStyle.Render(e.ID), tableStyle.Render(e.Table)}
	if label := entityLabel(e); label != "" {
		parts = append(parts, label)
	}
	if !e.UpdatedAt.IsZero() {
		parts = append(parts, subtleStyle.Render(FormatTimeAgo(e.UpdatedAt)))
	}
	return strings.Join(parts, "  ")
}

// FormatEntityLong formats an entity with every content field.
func FormatEntityLong(e *models.Entity, pendingOps int) string {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render(e.Table + "/" + e.ID))
	sb.WriteString("\n")

	names := e.FieldNames()
	width := 0
	for _, name := range names {
		if len(name) > width {
			width = len(name)
		}
	}
	for _, name := range names {
		v, _ := e.Get(name)
		sb.WriteString(fmt.Sprintf("  %-*s  %s\n", width, name, FormatValue(v)))
	}

	sb.WriteString(SectionHeader("sync"))
	if !e.UpdatedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("  updated %s (%s)\n", e.UpdatedAt.Format(time.RFC3339), FormatTimeAgo(e.UpdatedAt)))
	}
	if e.DeviceID != "" {
		sb.WriteString(fmt.Sprintf("  device  %s\n", e.DeviceID))
	}
	if pendingOps > 0 {
		sb.WriteString(warningStyle.Render(fmt.Sprintf("  %d pending op(s)", pendingOps)))
		sb.WriteString("\n")
	}

	return sb.String()
}

// FormatValue renders a field value compactly. Whole floats print without a
// fractional part; composite values print as JSON.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return subtleStyle.Render("null")
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// entityLabel picks the first present human-readable field.
func entityLabel(e *models.Entity) string {
	for _, f := range []string{"name", "title", "domain", "text"} {
		if v, ok := e.Get(f); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// FormatFieldList renders a sorted, comma-separated field list.
func FormatFieldList(fields []string) string {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// ShortID shortens an id to max characters with an ellipsis.
func ShortID(id string, max int) string {
	if len(id) <= max || max <= 3 {
		return id
	}
	return id[:max-3] + "..."
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nCONFLICTS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentLines indents each line by the specified number of spaces
func IndentLines(lines []string, spaces int) []string {
	indent := strings.Repeat(" ", spaces)
	result := make([]string, len(lines))
	for i, line := range lines {
		result[i] = indent + line
	}
	return result
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	return strings.Join(IndentLines(lines, spaces), "\n")
}

// BulletList formats items as a bulleted list with optional indentation
func BulletList(items []string, indent int) []string {
	prefix := strings.Repeat(" ", indent)
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = prefix + "- " + item
	}
	return result
}
