package console

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRouter_Handle(t *testing.T) {
	t.Parallel()

	var gotCmd, gotArgs, gotText string
	r := NewRouter()
	r.Register("speed", "/speed <rate>", "set rate", func(_ context.Context, args string) error {
		gotCmd, gotArgs = "speed", args
		return nil
	})
	r.HandleText(func(_ context.Context, text string) error {
		gotText = text
		return nil
	})

	tests := []struct {
		name     string
		line     string
		wantCmd  string
		wantArgs string
		wantText string
		wantErr  error
	}{
		{name: "command with args", line: "/speed 1.5", wantCmd: "speed", wantArgs: "1.5"},
		{name: "case insensitive", line: "  /SPEED   2 ", wantCmd: "speed", wantArgs: "2"},
		{name: "plain text", line: "Goedemorgen", wantText: "Goedemorgen"},
		{name: "blank", line: "   "},
		{name: "unknown command", line: "/dance", wantErr: ErrUnknownCommand},
	}
	for _, tt := range tests {
		gotCmd, gotArgs, gotText = "", "", ""
		err := r.Handle(context.Background(), tt.line)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.wantErr)
		}
		if gotCmd != tt.wantCmd || gotArgs != tt.wantArgs || gotText != tt.wantText {
			t.Errorf("%s: got cmd=%q args=%q text=%q", tt.name, gotCmd, gotArgs, gotText)
		}
	}
}

func TestRouter_Help(t *testing.T) {
	t.Parallel()

	r := NewRouter()
	noop := func(context.Context, string) error { return nil }
	r.Register("stop", "/stop", "end it", noop)
	r.Register("preview", "/preview [voice]", "play a voice", noop)

	help := r.Help()
	if len(help) != 2 {
		t.Fatalf("help = %q", help)
	}
	if !strings.Contains(help[0], "/preview [voice]") || !strings.Contains(help[1], "/stop") {
		t.Errorf("help not sorted: %q", help)
	}
	if strings.Index(help[0], "play") != strings.Index(help[1], "end") {
		t.Errorf("help columns not aligned: %q", help)
	}
}

func TestRouter_NoTextHandler(t *testing.T) {
	t.Parallel()

	if err := NewRouter().Handle(context.Background(), "hallo"); err != nil {
		t.Errorf("Handle = %v, want nil", err)
	}
}
