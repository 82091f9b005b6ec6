// SPDX-License-Identifier: MPL-2.0

package shell

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// SplitCommands splits a composite command string into atomic top-level
// shell statements, preserving quoting, escapes, and heredocs. Statements
// joined by `&&`/`||` stay atomic; `;` and newlines separate statements.
//
// Unparseable input is returned whole as a single atomic command so the
// shell itself can report the syntax error. An all-whitespace input yields
// a single empty command, which callers treat as a "poll the shell" request.
func SplitCommands(command string) []string {
	if strings.TrimSpace(command) == "" {
		return []string{""}
	}

	parser := syntax.NewParser(syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return []string{command}
	}

	printer := syntax.NewPrinter()
	parts := make([]string, 0, len(file.Stmts))
	for _, stmt := range file.Stmts {
		var sb strings.Builder
		if err := printer.Print(&sb, stmt); err != nil {
			return []string{command}
		}
		part := strings.TrimRight(sb.String(), "\n")
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return []string{command}
	}
	return parts
}
