// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"strings"
	"testing"

	"agentbox/internal/action"
)

func TestExportEnvAction(t *testing.T) {
	t.Parallel()

	act, ok := exportEnvAction(map[string]string{"API_KEY": "secret"})
	if !ok {
		t.Fatal("exportEnvAction() returned ok=false for a non-empty map")
	}
	if act.Kind != action.KindCmdRun {
		t.Errorf("kind = %s, want %s", act.Kind, action.KindCmdRun)
	}
	if act.Args.Command != "export API_KEY='secret'" {
		t.Errorf("command = %q", act.Args.Command)
	}
	if !act.Args.Blocking {
		t.Error("env export action must be blocking")
	}
	if act.Args.KeepPrompt {
		t.Error("env export action must not keep the prompt")
	}
	if act.Source != action.SourceUser {
		t.Errorf("source = %s, want %s", act.Source, action.SourceUser)
	}
}

func TestExportEnvActionEmpty(t *testing.T) {
	t.Parallel()

	if _, ok := exportEnvAction(nil); ok {
		t.Error("exportEnvAction(nil) returned ok=true")
	}
	if _, ok := exportEnvAction(map[string]string{}); ok {
		t.Error("exportEnvAction(empty) returned ok=true")
	}
}

func TestExportEnvActionMultipleVars(t *testing.T) {
	t.Parallel()

	act, ok := exportEnvAction(map[string]string{"A": "1", "B": "2"})
	if !ok {
		t.Fatal("exportEnvAction() returned ok=false")
	}
	cmd := act.Args.Command
	if !strings.Contains(cmd, "export A='1'") || !strings.Contains(cmd, "export B='2'") {
		t.Errorf("command %q missing exports", cmd)
	}
	if !strings.Contains(cmd, " && ") {
		t.Errorf("command %q does not chain the exports", cmd)
	}
}

func TestEscapeSingleQuotes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello", want: "hello"},
		{name: "one quote", in: "it's", want: `it'\''s`},
		{name: "only quotes", in: "''", want: `'\'''\''`},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := escapeSingleQuotes(tt.in); got != tt.want {
				t.Errorf("escapeSingleQuotes(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewSessionIDIsUnique(t *testing.T) {
	t.Parallel()

	a, b := NewSessionID(), NewSessionID()
	if a == "" || a == b {
		t.Errorf("NewSessionID() produced %q and %q, want distinct non-empty IDs", a, b)
	}
}

func TestNormalizeRebindFillsDefaults(t *testing.T) {
	t.Parallel()

	opts := normalizeRebind(RebindOptions{})
	if opts.SessionID == "" {
		t.Error("normalizeRebind() left SessionID empty")
	}
	if opts.Sink == nil {
		t.Error("normalizeRebind() left Sink nil")
	}
	// The discard sink must accept observations without blowing up.
	opts.Sink.Publish(action.NewNullObs())

	kept := normalizeRebind(RebindOptions{SessionID: "keep-me"})
	if kept.SessionID != "keep-me" {
		t.Errorf("normalizeRebind() replaced an explicit session ID with %q", kept.SessionID)
	}
}
