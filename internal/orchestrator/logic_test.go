package orchestrator

import (
	"fmt"
	"testing"

	"github.com/multi-agent/agent-relay/internal/reasoning"
)

func TestExtractCommand(t *testing.T) {
	tests := []struct {
		name        string
		reply       string
		wantCommand string
		wantVisible string
	}{
		{"no_marker", "just talking", "", "just talking"},
		{"simple", "Sure.\n[EXECUTE]run tests[/EXECUTE]", "run tests", "Sure."},
		{"case_insensitive", "[execute] ls [/Execute] done", "ls", "done"},
		{"multiline", "[EXECUTE]\nstep one\nstep two\n[/EXECUTE]", "step one\nstep two", ""},
		{"first_of_two", "[EXECUTE]a[/EXECUTE] and [EXECUTE]b[/EXECUTE]", "a", "and"},
		{"unclosed", "[EXECUTE]never closed", "", "[EXECUTE]never closed"},
		{"empty_block", "text [EXECUTE]  [/EXECUTE]", "", "text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, visible := ExtractCommand(tt.reply)
			if cmd != tt.wantCommand {
				t.Errorf("command = %q, want %q", cmd, tt.wantCommand)
			}
			if visible != tt.wantVisible {
				t.Errorf("visible = %q, want %q", visible, tt.wantVisible)
			}
		})
	}
}

func TestTrimHistory(t *testing.T) {
	var h []reasoning.Message
	for i := range 7 {
		h = append(h, reasoning.Message{Role: reasoning.RoleUser, Content: fmt.Sprint(i)})
	}
	got := trimHistory(h, 3)
	if len(got) != 3 || got[0].Content != "4" || got[2].Content != "6" {
		t.Fatalf("trimHistory = %+v", got)
	}
	if got := trimHistory(h, 0); len(got) != 7 {
		t.Errorf("limit 0 should keep all, got %d", len(got))
	}
	if got := trimHistory(h[:2], 3); len(got) != 2 {
		t.Errorf("short history changed: %d", len(got))
	}
}
