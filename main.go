// SPDX-License-Identifier: MPL-2.0

// agentbox runs agent actions in sandboxed environments: it is both the
// control-plane CLI and, via `agentbox serve`, the in-sandbox execution
// server.
package main

import cmd "agentbox/cmd/agentbox"

func main() {
	cmd.Execute()
}
