package types

import (
	"testing"
	"time"
)

func TestLog_AppendKeepsOrder(t *testing.T) {
	t.Parallel()

	var l Log
	now := time.Now()
	l.Append(Message{Role: RoleUser, Text: "Hallo", Timestamp: now})
	l.Append(Message{Role: RoleModel, Text: "Goedemiddag", Timestamp: now})

	got := l.Messages()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Role != RoleUser || got[1].Role != RoleModel {
		t.Errorf("roles = %q, %q; want user, model", got[0].Role, got[1].Role)
	}
}

func TestLog_MessagesReturnsCopy(t *testing.T) {
	t.Parallel()

	var l Log
	l.Append(Message{Role: RoleUser, Text: "origineel"})

	got := l.Messages()
	got[0].Text = "gewijzigd"

	if l.Messages()[0].Text != "origineel" {
		t.Error("mutating the returned slice changed the log")
	}
}

func TestTranscript(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		{Role: RoleUser, Text: "Hoi"},
		{Role: RoleModel, Text: "Welkom"},
	}
	want := "user: Hoi\nmodel: Welkom"
	if got := Transcript(msgs); got != want {
		t.Errorf("Transcript = %q, want %q", got, want)
	}
	if got := Transcript(nil); got != "" {
		t.Errorf("Transcript(nil) = %q, want empty", got)
	}
}

func TestRole_IsValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role Role
		want bool
	}{
		{RoleUser, true},
		{RoleModel, true},
		{"assistant", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tt.role.IsValid(); got != tt.want {
			t.Errorf("Role(%q).IsValid() = %v, want %v", tt.role, got, tt.want)
		}
	}
}
