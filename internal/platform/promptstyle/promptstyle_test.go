package promptstyle

import (
	"strings"
	"testing"
)

func TestApplySystem(t *testing.T) {
	if got := ApplySystem("  ", "markdown"); got != "" {
		t.Fatalf("empty system should stay empty, got %q", got)
	}
	once := ApplySystem("Write section 2 of chapter 1.", "markdown")
	if !strings.HasPrefix(once, marker) || !strings.Contains(once, "Task summary: Write section 2 of chapter 1.") {
		t.Fatalf("unexpected prompt: %q", once)
	}
	if !strings.Contains(once, "Markdown body") {
		t.Fatalf("markdown mode guidance missing: %q", once)
	}
	if twice := ApplySystem(once, "markdown"); twice != once {
		t.Fatalf("ApplySystem is not idempotent")
	}
}
