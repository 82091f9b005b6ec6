// SPDX-License-Identifier: MPL-2.0

package action

import (
	"fmt"

	"agentbox/pkg/types"
)

const (
	// ObsCmdOutput carries the output and exit status of a shell command.
	ObsCmdOutput ObsKind = "run"
	// ObsIPythonOutput carries the output of an interpreter cell.
	ObsIPythonOutput ObsKind = "run_ipython"
	// ObsFileRead carries file content.
	ObsFileRead ObsKind = "read"
	// ObsFileWrite acknowledges a file write.
	ObsFileWrite ObsKind = "write"
	// ObsError carries a business-level failure (bad path, not found, ...).
	// It travels with a normal success status; it is not a transport error.
	ObsError ObsKind = "error"
	// ObsNull is the no-op observation for non-runnable actions.
	ObsNull ObsKind = "null"
)

type (
	// ObsKind discriminates the observation variant on the wire.
	ObsKind string

	// Extras carries variant-specific observation metadata.
	Extras struct {
		// Command echoes the executed command line (ObsCmdOutput).
		Command string `json:"command,omitempty"`
		// ExitCode is the command's exit status (ObsCmdOutput).
		ExitCode *types.ExitCode `json:"exit_code,omitempty"`
		// Path is the file acted upon (ObsFileRead/ObsFileWrite).
		Path string `json:"path,omitempty"`
		// InterpreterInfo reports the sandbox's interpreter path, appended
		// once at the end of command output (ObsCmdOutput).
		InterpreterInfo string `json:"interpreter_info,omitempty"`
	}

	// Observation is one protocol response. Observations are always
	// successfully constructible: failures become ObsError values.
	Observation struct {
		// Kind discriminates the variant.
		Kind ObsKind `json:"observation"`
		// Content is the human/agent-readable payload.
		Content string `json:"content"`
		// Extras is the variant metadata.
		Extras Extras `json:"extras"`
	}
)

// String returns the string representation of the ObsKind.
func (k ObsKind) String() string { return string(k) }

// NewCmdOutput constructs a command output observation.
func NewCmdOutput(content string, exitCode types.ExitCode, command, interpreterInfo string) Observation {
	return Observation{
		Kind:    ObsCmdOutput,
		Content: content,
		Extras: Extras{
			Command:         command,
			ExitCode:        &exitCode,
			InterpreterInfo: interpreterInfo,
		},
	}
}

// NewIPythonOutput constructs an interpreter cell output observation.
func NewIPythonOutput(content string) Observation {
	return Observation{Kind: ObsIPythonOutput, Content: content}
}

// NewFileReadObs constructs a file read observation.
func NewFileReadObs(path, content string) Observation {
	return Observation{Kind: ObsFileRead, Content: content, Extras: Extras{Path: path}}
}

// NewFileWriteObs constructs a file write acknowledgement.
func NewFileWriteObs(path string) Observation {
	return Observation{Kind: ObsFileWrite, Extras: Extras{Path: path}}
}

// NewErrorObs constructs a business-level error observation.
func NewErrorObs(format string, args ...any) Observation {
	return Observation{Kind: ObsError, Content: fmt.Sprintf(format, args...)}
}

// NewNullObs constructs the no-op observation.
func NewNullObs() Observation {
	return Observation{Kind: ObsNull}
}

// IsError reports whether the observation carries a business-level failure.
func (o Observation) IsError() bool { return o.Kind == ObsError }

// ExitCode returns the command exit status, or ExitCodeUnknown when the
// observation carries none.
func (o Observation) ExitCode() types.ExitCode {
	if o.Extras.ExitCode == nil {
		return types.ExitCodeUnknown
	}
	return *o.Extras.ExitCode
}
