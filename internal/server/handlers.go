// SPDX-License-Identifier: MPL-2.0

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"agentbox/internal/action"
	"agentbox/internal/shell"
)

// handleAlive answers liveness probes. It never touches the session lock,
// so a long-running command cannot make the sandbox look dead.
func (s *Server) handleAlive(w http.ResponseWriter, _ *http.Request) {
	if !s.IsRunning() {
		writeDetail(w, http.StatusServiceUnavailable, "server is %s", s.State())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleExecuteAction is the single action entry point. Exactly one action
// executes at a time; concurrent requests queue on the session lock.
//
// Failure routing: malformed requests are transport errors (4xx), fatal
// shell failures are transport errors (5xx), and everything else the agent
// can recover from comes back as an error observation with HTTP 200.
func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var req action.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed action request: %v", err)
		return
	}

	act := req.Action
	if !act.Runnable() {
		writeJSON(w, http.StatusOK, action.Response{Observation: action.NewNullObs()})
		return
	}
	if err := act.Validate(); err != nil {
		writeJSON(w, http.StatusOK, action.Response{Observation: action.NewErrorObs("%v", err)})
		return
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if !s.IsRunning() {
		writeDetail(w, http.StatusServiceUnavailable, "server is %s", s.State())
		return
	}

	obs, err := s.dispatch(act)
	if err != nil {
		// Fatal: the shell is gone or wedged. Mark the instance failed so
		// liveness flips and the owner replaces the sandbox.
		s.failFatal(err)
		writeDetail(w, http.StatusInternalServerError, "action execution failed fatally: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, action.Response{Observation: obs})
}

// dispatch routes a validated, runnable action. A non-nil error is fatal for
// the whole server; recoverable problems become error observations.
func (s *Server) dispatch(act action.Action) (action.Observation, error) {
	switch act.Kind {
	case action.KindCmdRun:
		return s.runCommand(act)
	case action.KindFileRead:
		return s.readFile(act), nil
	case action.KindFileWrite:
		return s.writeFile(act), nil
	case action.KindIPythonRunCell, action.KindBrowse, action.KindBrowseInteractive:
		return s.runPlugin(act)
	default:
		return action.NewErrorObs("unhandled action kind %q", act.Kind), nil
	}
}

// runCommand executes a shell command action on the interactive session.
func (s *Server) runCommand(act action.Action) (action.Observation, error) {
	opts := shell.ExecOpts{
		Timeout:    act.Timeout(s.cfg.DefaultTimeout),
		Blocking:   act.Args.Blocking,
		KeepPrompt: act.Args.KeepPrompt,
	}
	s.logger.Info("executing command", "command", act.Args.Command, "blocking", opts.Blocking, "timeout", opts.Timeout)

	out, code, err := s.session.Execute(act.Args.Command, opts)
	switch {
	case errors.Is(err, shell.ErrShellExited), errors.Is(err, shell.ErrShellUnresponsive),
		errors.Is(err, shell.ErrPromptCorrupt):
		return action.Observation{}, err
	case err != nil:
		return action.NewErrorObs("command execution failed: %v", err), nil
	}
	return s.composeCmdOutput(out, act.Args.Command, code), nil
}

// runPlugin forwards an action to its registered plugin.
func (s *Server) runPlugin(act action.Action) (action.Observation, error) {
	name := pluginFor(act.Kind)
	p, ok := s.plugins[name]
	if !ok {
		return action.NewErrorObs("action %q requires the %q plugin, which is not loaded", act.Kind, name), nil
	}
	obs, err := p.Run(s.Context(), act)
	if err != nil {
		return action.NewErrorObs("plugin %q failed: %v", name, err), nil
	}
	return obs, nil
}

// pluginFor maps action kinds to plugin names.
func pluginFor(kind action.Kind) string {
	switch kind {
	case action.KindIPythonRunCell:
		return "jupyter"
	case action.KindBrowse, action.KindBrowseInteractive:
		return "browser"
	default:
		return ""
	}
}

// writeJSON serializes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) // Headers already sent; nothing to do on error
}

// writeDetail writes a transport-level failure body ({"detail": ...}).
func writeDetail(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, action.ErrorDetail{Detail: fmt.Sprintf(format, args...)})
}
