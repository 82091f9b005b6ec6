// SPDX-License-Identifier: MPL-2.0

// Package runtime provides the sandbox runtime interface and its backend
// implementations: local subprocess, container, remote attach, and the
// in-process CLI shell. A runtime owns one sandbox for its lifetime and is
// the single entry point agents use to act inside it.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"

	"agentbox/internal/action"

	"github.com/google/uuid"
)

var (
	// ErrRuntimeNotConnected is returned when an operation requires a
	// connected sandbox.
	ErrRuntimeNotConnected = errors.New("runtime is not connected")
	// ErrRuntimeClosed is returned when operating on a closed runtime.
	ErrRuntimeClosed = errors.New("runtime is closed")
	// ErrNotSupported is returned for operations a backend cannot provide.
	ErrNotSupported = errors.New("operation not supported by this backend")
)

type (
	// Backend identifies a runtime implementation.
	Backend string

	// EventSink receives every observation a runtime produces, in order.
	// Implementations must be safe for use from the runtime's goroutine.
	EventSink interface {
		// Publish delivers one observation to the event stream.
		Publish(obs action.Observation)
	}

	// Runtime is one sandbox the agent acts in.
	//
	// Lifecycle: Connect once, Run any number of times, Close once. Pooled
	// reuse goes through Reset and Rebind between agent sessions.
	Runtime interface {
		// Backend returns the implementation identifier.
		Backend() Backend
		// SessionID returns the agent session currently bound to the sandbox.
		SessionID() string
		// Connect provisions (or attaches to) the sandbox and blocks until it
		// answers liveness probes.
		Connect(ctx context.Context) error
		// Run executes one action and returns its observation. The
		// observation is also published to the bound event sink.
		Run(ctx context.Context, act action.Action) (action.Observation, error)
		// CopyTo ships a local file into the sandbox.
		CopyTo(ctx context.Context, localPath, sandboxPath string, recursive bool) error
		// CopyFrom streams a sandbox path out as a zip archive.
		CopyFrom(ctx context.Context, sandboxPath string, w io.Writer) error
		// ListFiles lists a sandbox directory, directories first.
		ListFiles(ctx context.Context, sandboxPath string) ([]string, error)
		// Reset clears per-session sandbox state so the instance can be
		// handed to a different agent session. A non-nil error means the
		// instance must be destroyed instead of reused.
		Reset(ctx context.Context) error
		// Rebind attaches the sandbox to a new agent session.
		Rebind(ctx context.Context, opts RebindOptions) error
		// Close tears the sandbox down. It is idempotent.
		Close(ctx context.Context) error
	}

	// RebindOptions carries the per-session identity applied on pool handout.
	RebindOptions struct {
		// SessionID is the new agent session (empty generates one).
		SessionID string
		// Sink receives the session's observations (nil discards them).
		Sink EventSink
		// Env vars are exported into the sandbox shell.
		Env map[string]string
	}

	// discardSink drops observations when no sink is bound.
	discardSink struct{}
)

// Publish implements EventSink.
func (discardSink) Publish(action.Observation) {}

// NewSessionID generates a fresh agent session identifier.
func NewSessionID() string { return uuid.NewString() }

// normalizeRebind fills RebindOptions defaults.
func normalizeRebind(opts RebindOptions) RebindOptions {
	if opts.SessionID == "" {
		opts.SessionID = NewSessionID()
	}
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	return opts
}

// exportEnvAction builds the shell action that applies session env vars.
// Values are single-quoted with embedded quotes escaped so arbitrary values
// survive the shell round trip.
func exportEnvAction(env map[string]string) (action.Action, bool) {
	if len(env) == 0 {
		return action.Action{}, false
	}
	cmd := ""
	for key, value := range env {
		if cmd != "" {
			cmd += " && "
		}
		cmd += fmt.Sprintf("export %s='%s'", key, escapeSingleQuotes(value))
	}
	return action.NewCmdRun(cmd).WithBlocking().WithoutPrompt().WithSource(action.SourceUser), true
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, `'\''`...)
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
