package output

import (
	"strings"
	"testing"
)

func TestJSONBlockIndents(t *testing.T) {
	got := JSONBlock("Local", `{"name":"a"}`)
	want := "### Local\n\n```json\n{\n  \"name\": \"a\"\n}\n```\n"
	if got != want {
		t.Errorf("JSONBlock = %q, want %q", got, want)
	}
}

func TestJSONBlockKeepsInvalidInput(t *testing.T) {
	got := JSONBlock("Remote", "not json")
	if !strings.Contains(got, "not json") {
		t.Errorf("JSONBlock dropped input: %q", got)
	}
}

func TestRenderMarkdownEmpty(t *testing.T) {
	got, err := RenderMarkdownWithWidth("   ", 40)
	if err != nil || got != "" {
		t.Errorf("RenderMarkdownWithWidth(blank) = %q, %v; want empty", got, err)
	}
}

func TestTerminalWidthFallsBackToColumns(t *testing.T) {
	t.Setenv("COLUMNS", "123")
	got := TerminalWidth(80)
	if got <= 0 {
		t.Errorf("TerminalWidth = %d, want positive", got)
	}
}
