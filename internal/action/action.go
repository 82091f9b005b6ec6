// SPDX-License-Identifier: MPL-2.0

// Package action defines the action/observation protocol types exchanged
// between the control-plane client and the in-sandbox execution server.
// Actions describe work to perform; observations carry structured results.
// Business-level failures (bad path, file not found, ...) are expressed as
// error observations, never as transport errors.
package action

import (
	"errors"
	"fmt"
	"time"
)

const (
	// KindCmdRun executes a shell command in the sandbox's interactive session.
	KindCmdRun Kind = "run"
	// KindIPythonRunCell executes a code cell in the sandbox's interpreter plugin.
	KindIPythonRunCell Kind = "run_ipython"
	// KindFileRead reads a file from the sandbox filesystem.
	KindFileRead Kind = "read"
	// KindFileWrite writes (or patches a line range of) a file in the sandbox.
	KindFileWrite Kind = "write"
	// KindBrowse fetches a URL via the browser plugin.
	KindBrowse Kind = "browse"
	// KindBrowseInteractive drives the browser plugin interactively.
	KindBrowseInteractive Kind = "browse_interactive"
)

const (
	// SourceAgent marks actions issued by the autonomous agent.
	SourceAgent Source = "agent"
	// SourceUser marks actions issued directly by a human user.
	SourceUser Source = "user"
)

// ErrInvalidAction is the sentinel error wrapped by InvalidActionError.
var ErrInvalidAction = errors.New("invalid action")

type (
	// Kind discriminates the action variant on the wire.
	Kind string

	// Source identifies who issued an action.
	Source string

	// Args carries the variant-specific payload of an Action. Unused fields
	// stay at their zero value and are omitted from the wire format.
	Args struct {
		// Command is the shell command line (KindCmdRun).
		Command string `json:"command,omitempty"`
		// Code is the interpreter cell source (KindIPythonRunCell).
		Code string `json:"code,omitempty"`
		// Path is the target file path (KindFileRead/KindFileWrite).
		Path string `json:"path,omitempty"`
		// Content is the file content to write (KindFileWrite).
		Content string `json:"content,omitempty"`
		// URL is the page to fetch (KindBrowse/KindBrowseInteractive).
		URL string `json:"url,omitempty"`
		// Start/End select a 1-based line range for file reads and writes.
		// Zero values mean "whole file" (Start 0 → 1, End 0 → EOF).
		Start int `json:"start,omitempty"`
		End   int `json:"end,omitempty"`
		// Blocking makes a command run wait for completion up to the action
		// timeout instead of the short soft-poll window.
		Blocking bool `json:"blocking,omitempty"`
		// KeepPrompt appends the parsed shell prompt to command output so the
		// caller can see the post-command working directory.
		KeepPrompt bool `json:"keep_prompt,omitempty"`
	}

	// Action is one protocol request. It is immutable once constructed;
	// use the New* constructors rather than mutating fields after creation.
	Action struct {
		// Kind discriminates the variant.
		Kind Kind `json:"action"`
		// Args is the variant payload.
		Args Args `json:"args"`
		// TimeoutSeconds bounds execution. Nil means "use the server default".
		TimeoutSeconds *int `json:"timeout"`
		// Source identifies the issuer; defaults to SourceAgent.
		Source Source `json:"source,omitempty"`
	}

	// InvalidActionError reports an action that fails validation.
	InvalidActionError struct {
		Kind   Kind
		Reason string
	}
)

// Error implements the error interface.
func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid action %q: %s", e.Kind, e.Reason)
}

// Unwrap returns ErrInvalidAction so callers can use errors.Is for programmatic detection.
func (e *InvalidActionError) Unwrap() error { return ErrInvalidAction }

// String returns the string representation of the Kind.
func (k Kind) String() string { return string(k) }

// Validate returns nil if the Kind is one of the defined action kinds.
func (k Kind) Validate() error {
	switch k {
	case KindCmdRun, KindIPythonRunCell, KindFileRead, KindFileWrite,
		KindBrowse, KindBrowseInteractive:
		return nil
	default:
		return &InvalidActionError{Kind: k, Reason: "unknown action kind"}
	}
}

// NewCmdRun constructs a shell command action.
// keepPrompt is enabled by default for agent-issued commands; use
// WithoutPrompt to disable it.
func NewCmdRun(command string) Action {
	return Action{
		Kind:   KindCmdRun,
		Args:   Args{Command: command, KeepPrompt: true},
		Source: SourceAgent,
	}
}

// NewIPythonRunCell constructs an interpreter cell action.
func NewIPythonRunCell(code string) Action {
	return Action{Kind: KindIPythonRunCell, Args: Args{Code: code}, Source: SourceAgent}
}

// NewFileRead constructs a file read action for the whole file.
func NewFileRead(path string) Action {
	return Action{Kind: KindFileRead, Args: Args{Path: path}, Source: SourceAgent}
}

// NewFileWrite constructs a file write action replacing the whole file.
func NewFileWrite(path, content string) Action {
	return Action{Kind: KindFileWrite, Args: Args{Path: path, Content: content}, Source: SourceAgent}
}

// NewBrowse constructs a browse action.
func NewBrowse(url string) Action {
	return Action{Kind: KindBrowse, Args: Args{URL: url}, Source: SourceAgent}
}

// WithTimeout returns a copy of the action with an explicit timeout.
func (a Action) WithTimeout(d time.Duration) Action {
	secs := int(d / time.Second)
	a.TimeoutSeconds = &secs
	return a
}

// WithBlocking returns a copy of the action that waits for command
// completion up to the action timeout.
func (a Action) WithBlocking() Action {
	a.Args.Blocking = true
	return a
}

// WithoutPrompt returns a copy of the action that omits the trailing shell
// prompt from command output.
func (a Action) WithoutPrompt() Action {
	a.Args.KeepPrompt = false
	return a
}

// WithSource returns a copy of the action attributed to the given source.
func (a Action) WithSource(s Source) Action {
	a.Source = s
	return a
}

// Timeout returns the action's timeout, or def when unset.
func (a Action) Timeout(def time.Duration) time.Duration {
	if a.TimeoutSeconds == nil {
		return def
	}
	return time.Duration(*a.TimeoutSeconds) * time.Second
}

// Runnable reports whether the action performs work in the sandbox.
// Non-runnable actions yield a Null observation without touching the shell.
func (a Action) Runnable() bool {
	switch a.Kind {
	case KindCmdRun, KindIPythonRunCell, KindFileRead, KindFileWrite,
		KindBrowse, KindBrowseInteractive:
		return true
	default:
		return false
	}
}

// Validate checks structural validity of the action.
func (a Action) Validate() error {
	if err := a.Kind.Validate(); err != nil {
		return err
	}
	switch a.Kind {
	case KindCmdRun:
		// Empty commands are valid: they poll the shell for background output.
	case KindIPythonRunCell:
		if a.Args.Code == "" {
			return &InvalidActionError{Kind: a.Kind, Reason: "code must not be empty"}
		}
	case KindFileRead, KindFileWrite:
		if a.Args.Path == "" {
			return &InvalidActionError{Kind: a.Kind, Reason: "path must not be empty"}
		}
	case KindBrowse, KindBrowseInteractive:
		if a.Args.URL == "" {
			return &InvalidActionError{Kind: a.Kind, Reason: "url must not be empty"}
		}
	}
	if a.TimeoutSeconds != nil && *a.TimeoutSeconds < 0 {
		return &InvalidActionError{Kind: a.Kind, Reason: "timeout must not be negative"}
	}
	return nil
}
