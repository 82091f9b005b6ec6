// SPDX-License-Identifier: MPL-2.0

package action

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestActionValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		act       Action
		wantValid bool
	}{
		{name: "command run", act: NewCmdRun("echo hi"), wantValid: true},
		{name: "empty command polls the shell", act: NewCmdRun(""), wantValid: true},
		{name: "ipython cell", act: NewIPythonRunCell("print(1)"), wantValid: true},
		{name: "ipython without code", act: NewIPythonRunCell(""), wantValid: false},
		{name: "file read", act: NewFileRead("/tmp/a.txt"), wantValid: true},
		{name: "file read without path", act: NewFileRead(""), wantValid: false},
		{name: "file write", act: NewFileWrite("/tmp/a.txt", "x"), wantValid: true},
		{name: "file write without path", act: NewFileWrite("", "x"), wantValid: false},
		{name: "browse", act: NewBrowse("https://example.com"), wantValid: true},
		{name: "browse without url", act: NewBrowse(""), wantValid: false},
		{name: "unknown kind", act: Action{Kind: "dance"}, wantValid: false},
		{name: "negative timeout", act: NewCmdRun("ls").WithTimeout(-time.Second), wantValid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.act.Validate()
			if (err == nil) != tt.wantValid {
				t.Errorf("Validate() error = %v, wantValid %v", err, tt.wantValid)
			}
			if !tt.wantValid && !errors.Is(err, ErrInvalidAction) {
				t.Errorf("error does not wrap ErrInvalidAction: %v", err)
			}
		})
	}
}

func TestActionTimeout(t *testing.T) {
	t.Parallel()

	def := 2 * time.Minute

	if got := NewCmdRun("ls").Timeout(def); got != def {
		t.Errorf("Timeout() without explicit value = %s, want default %s", got, def)
	}
	if got := NewCmdRun("ls").WithTimeout(30 * time.Second).Timeout(def); got != 30*time.Second {
		t.Errorf("Timeout() with explicit value = %s, want 30s", got)
	}
}

func TestActionRunnable(t *testing.T) {
	t.Parallel()

	if !NewCmdRun("ls").Runnable() {
		t.Error("command run action reported non-runnable")
	}
	if (Action{Kind: "message"}).Runnable() {
		t.Error("unknown kind reported runnable")
	}
}

func TestActionWithCopiesAreIndependent(t *testing.T) {
	t.Parallel()

	base := NewCmdRun("ls")
	_ = base.WithTimeout(time.Second).WithBlocking().WithoutPrompt().WithSource(SourceUser)

	if base.TimeoutSeconds != nil {
		t.Error("WithTimeout mutated the original action")
	}
	if base.Args.Blocking {
		t.Error("WithBlocking mutated the original action")
	}
	if !base.Args.KeepPrompt {
		t.Error("WithoutPrompt mutated the original action")
	}
	if base.Source != SourceAgent {
		t.Error("WithSource mutated the original action")
	}
}

func TestActionWireFieldNames(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(NewCmdRun("echo hi").WithTimeout(10 * time.Second))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(raw)
	for _, field := range []string{`"action":"run"`, `"args"`, `"command":"echo hi"`, `"timeout":10`, `"source":"agent"`} {
		if !strings.Contains(s, field) {
			t.Errorf("wire form %s missing %s", s, field)
		}
	}
}

func TestActionUnsetTimeoutIsExplicitNull(t *testing.T) {
	t.Parallel()

	// The server distinguishes "no timeout given" from zero, so the field
	// must serialize as null rather than being omitted.
	raw, err := json.Marshal(NewCmdRun("ls"))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(raw), `"timeout":null`) {
		t.Errorf("wire form %s missing explicit null timeout", raw)
	}
}

func TestObservationWireFieldNames(t *testing.T) {
	t.Parallel()

	obs := NewCmdOutput("hello", 0, "echo hello", "/usr/bin/python3")
	raw, err := json.Marshal(obs)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(raw)
	for _, field := range []string{`"observation":"run"`, `"content":"hello"`, `"extras"`, `"exit_code":0`, `"interpreter_info":"/usr/bin/python3"`} {
		if !strings.Contains(s, field) {
			t.Errorf("wire form %s missing %s", s, field)
		}
	}
}

func TestObservationExitCode(t *testing.T) {
	t.Parallel()

	if got := NewCmdOutput("", 7, "false", "").ExitCode(); got != 7 {
		t.Errorf("ExitCode() = %s, want 7", got)
	}
	if got := NewErrorObs("boom").ExitCode(); got != -1 {
		t.Errorf("ExitCode() on error observation = %s, want -1", got)
	}
}

func TestObservationIsError(t *testing.T) {
	t.Parallel()

	if !NewErrorObs("no such file: %s", "/x").IsError() {
		t.Error("error observation reported non-error")
	}
	if NewErrorObs("context %s", "here").Content != "context here" {
		t.Error("NewErrorObs did not format its arguments")
	}
	if NewNullObs().IsError() {
		t.Error("null observation reported error")
	}
	if NewFileReadObs("/x", "body").IsError() {
		t.Error("file read observation reported error")
	}
}
