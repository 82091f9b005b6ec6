// SPDX-License-Identifier: MPL-2.0

// Package shell owns the sandbox's long-lived interactive bash session.
// It turns the raw, asynchronous pseudo-terminal byte stream into
// synchronous "run command, get output + exit code" semantics using a
// collision-resistant multi-line sentinel prompt.
package shell

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"agentbox/pkg/types"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
)

const (
	beginMarker = "[AGENTBOX_BEGIN]"
	endMarker   = "[AGENTBOX_END]"

	// SoftPollTimeout bounds non-blocking command waits and the
	// empty-command "just poll" pseudo-command.
	SoftPollTimeout = 5 * time.Second

	// interruptGrace is how long each interrupt escalation step waits for
	// the prompt to reappear before escalating further. The full sequence
	// (SIGINT, then stop + kill, then the status round trip) must add well
	// under the command timeout itself, so callers see timeout + a small
	// bounded overhead, never a multiple of it.
	interruptGrace = 500 * time.Millisecond

	// initTimeout bounds each step of session initialization.
	initTimeout = 30 * time.Second

	readChunkSize = 4096
)

// ErrShellExited is returned when the PTY stream reaches EOF: the shell
// process died and the session is unusable. Callers must tear the session
// down; it must never be reused or returned to a pool.
var ErrShellExited = errors.New("shell process exited (PTY EOF)")

// ErrShellUnresponsive is returned when the full interrupt escalation
// sequence fails to bring the prompt back. The session must be destroyed.
var ErrShellUnresponsive = errors.New("shell unresponsive after interrupt escalation")

// ErrPromptCorrupt indicates the sentinel prompt was detected but the
// captured text failed to re-parse. This is a programming-level bug in the
// prompt protocol; it is raised loudly instead of returning a stale cwd.
var ErrPromptCorrupt = errors.New("sentinel prompt failed to parse")

// errPromptTimeout is the internal signal that no prompt appeared within
// the wait window. It never escapes Execute.
var errPromptTimeout = errors.New("timed out waiting for shell prompt")

// promptPattern matches the sentinel prompt. The optional first group is
// side-channel text embedded in prompt refreshes (the interpreter line);
// the remaining groups are user, host, and working directory.
// It must NOT match the echoed `export PS1=...` assignment itself, which
// contains the markers with literal backslash escapes instead of newlines.
var promptPattern = regexp.MustCompile(
	`\[AGENTBOX_BEGIN\]\s*(.*?)\s*([a-z0-9_-]*)@([a-zA-Z0-9.-]*):(.+)\s*\[AGENTBOX_END\]`)

// interpreterLinePattern matches interpreter side-channel lines that leak
// into command output from mid-stream prompt repetitions. They are stripped
// and the interpreter path is reported once at the end of the response.
var interpreterLinePattern = regexp.MustCompile(`(?m)^\[Python Interpreter: [^\]]*\]\r?\n?`)

type (
	// ExecOpts controls one Execute call.
	ExecOpts struct {
		// Timeout bounds a blocking command's wait for the prompt.
		Timeout time.Duration
		// Blocking waits up to Timeout and kills the command on expiry;
		// non-blocking commands wait only SoftPollTimeout and are left running.
		Blocking bool
		// KeepPrompt appends the parsed prompt to the command output.
		KeepPrompt bool
	}

	// Session is one long-lived interactive bash process behind a PTY.
	//
	// A Session is NOT safe for concurrent use: the PTY is not reentrant.
	// The execution server serializes all access through a single lock.
	Session struct {
		logger *log.Logger

		cmd  *exec.Cmd
		ptmx *os.File

		// chunks receives PTY reads from the dedicated reader goroutine
		// and is closed on EOF.
		chunks chan []byte

		// buf holds stream bytes read but not yet consumed by a prompt match.
		buf []byte

		// cwd is derived from the parsed prompt, never re-queried from the OS.
		cwd string

		// lastPrompt is the reassembled display form of the last matched prompt.
		lastPrompt string

		// interpreterPath is queried once at init and cached.
		interpreterPath string

		closed bool
	}
)

// NewSession spawns bash behind a PTY, installs the sentinel prompt, and
// changes into workDir (creating it if needed). The returned session lives
// for the server process's lifetime.
func NewSession(workDir string, logger *log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "shell"})
	}

	// The outer non-interactive bash clears terminal echo before the
	// interactive shell initializes readline, so readline never software-
	// echoes the commands we write.
	cmd := exec.Command("/bin/bash", "-c", "stty -echo; exec /bin/bash --norc --noprofile -i")
	cmd.Env = append(os.Environ(), "TERM=dumb")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start shell PTY: %w", err)
	}

	s := &Session{
		logger: logger,
		cmd:    cmd,
		ptmx:   ptmx,
		chunks: make(chan []byte, 64),
	}
	go s.readLoop()

	if err := s.init(workDir); err != nil {
		_ = s.Close() // Best-effort teardown on init failure
		return nil, err
	}
	return s, nil
}

// readLoop pumps PTY bytes into the chunk channel. It is the only reader
// of the PTY master; it exits (closing the channel) on EOF or read error.
func (s *Session) readLoop() {
	defer close(s.chunks)
	for {
		buf := make([]byte, readChunkSize)
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.chunks <- buf[:n]
		}
		if err != nil {
			return
		}
	}
}

// init installs the sentinel prompt, moves into the working directory, and
// caches the interpreter path.
func (s *Session) init(workDir string) error {
	// PS1 escapes (\n, \u, \h, \w) are expanded by bash at prompt-display
	// time; the markers make the prompt collision resistant.
	setup := `export PS1="` + beginMarker + `\n\u@\h:\w\n` + endMarker + `\n"; export PS2=""`
	if err := s.send(setup); err != nil {
		return err
	}
	if _, err := s.expectPrompt(initTimeout); err != nil {
		return fmt.Errorf("shell prompt setup failed: %w", err)
	}

	cd := fmt.Sprintf(`if [ ! -d "%s" ]; then mkdir -p "%s"; fi && cd "%s"`, workDir, workDir, workDir)
	if err := s.send(cd); err != nil {
		return err
	}
	if _, err := s.expectPrompt(initTimeout); err != nil {
		return fmt.Errorf("failed to enter working directory %s: %w", workDir, err)
	}

	// Interpreter side channel: queried once, embedded in prompt refreshes.
	out, code, err := s.run("which python3 2>/dev/null || which python 2>/dev/null", initTimeout, false, false)
	if err != nil {
		return fmt.Errorf("interpreter probe failed: %w", err)
	}
	if code.IsSuccess() {
		s.interpreterPath = strings.TrimSpace(out)
	}
	if s.interpreterPath != "" {
		refreshed := `export PS1="` + beginMarker +
			`\n[Python Interpreter: ` + s.interpreterPath + `]\n\u@\h:\w\n` +
			endMarker + `\n"`
		if err := s.send(refreshed); err != nil {
			return err
		}
		if _, err := s.expectPrompt(initTimeout); err != nil {
			return fmt.Errorf("shell prompt refresh failed: %w", err)
		}
	}

	s.logger.Debug("shell session initialized", "cwd", s.cwd, "interpreter", s.interpreterPath)
	return nil
}

// Cwd returns the session's working directory as parsed from the last
// matched prompt.
func (s *Session) Cwd() string { return s.cwd }

// InterpreterPath returns the cached interpreter path (may be empty).
func (s *Session) InterpreterPath() string { return s.interpreterPath }

// Execute runs a composite command: it is split into atomic statements,
// each executed in order, with fail-fast chaining: processing stops at the
// first non-zero exit code, returning the partial combined output.
//
// Two pseudo-commands are recognized per atomic statement: the empty string
// polls the shell briefly to drain background output, and "ctrl+c" sends
// SIGINT to the foreground process group without queueing a new command.
func (s *Session) Execute(command string, opts ExecOpts) (string, types.ExitCode, error) {
	if s.closed {
		return "", types.ExitCodeUnknown, ErrShellExited
	}

	var combined strings.Builder
	exit := types.ExitCode(0)

	for _, part := range SplitCommands(command) {
		var (
			out  string
			code types.ExitCode
			err  error
		)
		switch {
		case strings.TrimSpace(part) == "":
			out, code, err = s.await(SoftPollTimeout, false, opts.KeepPrompt)
		case strings.EqualFold(strings.TrimSpace(part), "ctrl+c"):
			out, code, err = s.interrupt(opts.KeepPrompt)
		default:
			timeout, kill := SoftPollTimeout, false
			if opts.Blocking {
				timeout, kill = opts.Timeout, true
			}
			out, code, err = s.run(part, timeout, kill, opts.KeepPrompt)
		}
		if err != nil {
			return strings.TrimRight(combined.String(), "\r\n"), types.ExitCodeUnknown, err
		}

		if combined.Len() > 0 {
			// The previous output ends with a prompt; append the next
			// command after it so the reader can attribute the output.
			prev := strings.TrimRight(combined.String(), "\r\n ")
			combined.Reset()
			combined.WriteString(prev + " " + part + "\r\n")
		}
		combined.WriteString(out)
		combined.WriteString("\r\n")

		exit = code
		if !code.IsSuccess() {
			break
		}
	}

	output := stripInterpreterLines(combined.String())
	return strings.TrimRight(output, "\r\n"), exit, nil
}

// run submits one atomic command and waits for the prompt.
func (s *Session) run(command string, timeout time.Duration, killOnTimeout, keepPrompt bool) (string, types.ExitCode, error) {
	if err := s.send(command); err != nil {
		return "", types.ExitCodeUnknown, err
	}
	return s.await(timeout, killOnTimeout, keepPrompt)
}

// await waits for the sentinel prompt, then performs the `echo $?` round
// trip that captures the exit status independent of prompt text.
func (s *Session) await(timeout time.Duration, killOnTimeout, keepPrompt bool) (string, types.ExitCode, error) {
	output, err := s.expectPrompt(timeout)
	switch {
	case errors.Is(err, errPromptTimeout):
		if killOnTimeout {
			return s.escalateInterrupt(timeout, keepPrompt)
		}
		// Non-blocking wait expired: hand back whatever the stream has
		// produced so far and leave the command running.
		output = s.drainBuffered()
		return output, types.ExitCodeUnknown, nil
	case err != nil:
		return "", types.ExitCodeUnknown, err
	}

	code, err := s.queryExitCode(timeout)
	if err != nil {
		return output, types.ExitCodeUnknown, err
	}

	if keepPrompt {
		output += "\r\n" + s.lastPrompt
	}
	return output, code, nil
}

// queryExitCode runs the `echo $?` round trip.
func (s *Session) queryExitCode(timeout time.Duration) (types.ExitCode, error) {
	if err := s.send("echo $?"); err != nil {
		return types.ExitCodeUnknown, err
	}
	out, err := s.expectPrompt(timeout)
	if err != nil {
		if errors.Is(err, errPromptTimeout) {
			return types.ExitCodeUnknown, nil
		}
		return types.ExitCodeUnknown, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return types.ExitCodeUnknown, nil
	}
	n, convErr := strconv.Atoi(fields[0])
	if convErr != nil {
		return types.ExitCodeUnknown, nil
	}
	return types.ExitCode(n), nil
}

// interrupt handles the explicit "ctrl+c" pseudo-command.
func (s *Session) interrupt(keepPrompt bool) (string, types.ExitCode, error) {
	if err := s.sendControl(0x03); err != nil { // ETX → SIGINT to the foreground group
		return "", types.ExitCodeUnknown, err
	}
	output, err := s.expectPrompt(SoftPollTimeout)
	if err != nil {
		if errors.Is(err, errPromptTimeout) {
			return s.drainBuffered(), types.ExitCodeInterrupted, nil
		}
		return "", types.ExitCodeUnknown, err
	}
	if keepPrompt {
		output += "\r\n" + s.lastPrompt
	}
	return output, types.ExitCodeInterrupted, nil
}

// escalateInterrupt recovers a timed-out blocking command. Escalation is
// bounded: SIGINT first, then a stop signal plus `kill -9` on job 1. Each
// step appends diagnostic text; the exit code is forced to 130.
func (s *Session) escalateInterrupt(timeout time.Duration, keepPrompt bool) (string, types.ExitCode, error) {
	var output strings.Builder
	output.WriteString(s.drainBuffered())

	if err := s.sendControl(0x03); err != nil {
		return output.String(), types.ExitCodeUnknown, err
	}
	out, err := s.expectPrompt(interruptGrace)
	output.WriteString(out)
	output.WriteString(fmt.Sprintf("\r\n[Command timed out after %s. SIGINT was sent to interrupt it.]", timeout))

	if errors.Is(err, errPromptTimeout) {
		// The command traps or ignores SIGINT: stop it and kill the job.
		if ctrlErr := s.sendControl(0x1a); ctrlErr != nil { // SUB → SIGTSTP
			return output.String(), types.ExitCodeUnknown, ctrlErr
		}
		if sendErr := s.send("kill -9 %1 2>/dev/null"); sendErr != nil {
			return output.String(), types.ExitCodeUnknown, sendErr
		}
		out, err = s.expectPrompt(interruptGrace)
		output.WriteString(out)
		output.WriteString("\r\n[Command ignored SIGINT. It was stopped and forcibly killed (kill -9).]")
		if errors.Is(err, errPromptTimeout) {
			return output.String(), types.ExitCodeInterrupted, ErrShellUnresponsive
		}
	}
	if err != nil && !errors.Is(err, errPromptTimeout) {
		return output.String(), types.ExitCodeUnknown, err
	}

	// Keep the stream aligned with a final status round trip, but report
	// the interrupt status regardless of what the shell answers.
	if _, qErr := s.queryExitCode(interruptGrace); qErr != nil {
		return output.String(), types.ExitCodeInterrupted, qErr
	}
	if keepPrompt {
		output.WriteString("\r\n" + s.lastPrompt)
	}
	return output.String(), types.ExitCodeInterrupted, nil
}

// expectPrompt blocks until the sentinel prompt appears in the stream or
// the timeout expires. On a match it returns the text before the prompt,
// updates the parsed working directory, and retains any bytes after the
// match for the next wait.
func (s *Session) expectPrompt(timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if out, ok, err := s.matchPrompt(); ok || err != nil {
			return out, err
		}
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				s.closed = true
				return "", ErrShellExited
			}
			s.buf = append(s.buf, chunk...)
		case <-timer.C:
			return "", errPromptTimeout
		}
	}
}

// matchPrompt scans the buffered stream for the sentinel prompt.
//
// Command output may itself contain marker-like text, so once the pattern
// matches we deliberately re-anchor at the LAST occurrence of the begin
// marker within the matched region and parse from there, never the first.
// A mismatch after re-anchoring means the prompt protocol itself is broken
// and is raised as ErrPromptCorrupt rather than guessing at a cwd.
func (s *Session) matchPrompt() (string, bool, error) {
	raw := string(s.buf)
	loc := promptPattern.FindStringIndex(raw)
	if loc == nil {
		return "", false, nil
	}

	head := raw[:loc[1]]
	begin := strings.LastIndex(head, beginMarker)
	if begin < 0 {
		return "", false, fmt.Errorf("%w: begin marker vanished from matched text", ErrPromptCorrupt)
	}
	m := promptPattern.FindStringSubmatch(head[begin:])
	if m == nil {
		return "", false, fmt.Errorf("%w: %q", ErrPromptCorrupt, head[begin:])
	}

	output := raw[:begin]
	s.buf = []byte(raw[loc[1]:])

	user, host, wd := m[2], m[3], strings.TrimSpace(m[4])
	s.cwd = expandHome(wd)

	marker := "$"
	if user == "root" {
		marker = "#"
	}
	sideInfo := strings.TrimSpace(m[1])
	prompt := user + "@" + host + ":" + wd + " " + marker + " "
	if sideInfo != "" {
		prompt = sideInfo + "\n" + prompt
	}
	s.lastPrompt = prompt

	return strings.TrimRight(output, "\r\n"), true, nil
}

// drainBuffered consumes and returns everything currently buffered,
// including any chunks already queued by the reader.
func (s *Session) drainBuffered() string {
	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				s.closed = true
				out := string(s.buf)
				s.buf = nil
				return out
			}
			s.buf = append(s.buf, chunk...)
		default:
			out := string(s.buf)
			s.buf = nil
			return strings.TrimRight(out, "\r\n")
		}
	}
}

// send writes one command line to the shell.
func (s *Session) send(line string) error {
	if s.closed {
		return ErrShellExited
	}
	if _, err := s.ptmx.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("failed to write to shell PTY: %w", err)
	}
	return nil
}

// sendControl writes a single control byte (e.g. ETX for SIGINT) without a
// trailing newline.
func (s *Session) sendControl(b byte) error {
	if s.closed {
		return ErrShellExited
	}
	if _, err := s.ptmx.Write([]byte{b}); err != nil {
		return fmt.Errorf("failed to write control byte to shell PTY: %w", err)
	}
	return nil
}

// Close terminates the shell process and releases the PTY.
// It is idempotent and safe to call on an already-dead session.
func (s *Session) Close() error {
	s.closed = true
	var errs []error
	if s.ptmx != nil {
		if err := s.ptmx.Close(); err != nil {
			errs = append(errs, err)
		}
		s.ptmx = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill() // Already-dead processes are fine
		_ = s.cmd.Wait()
		s.cmd = nil
	}
	return errors.Join(errs...)
}

// stripInterpreterLines removes interpreter side-channel lines that leaked
// into output from mid-stream prompt repetitions; the path is reported once
// at the end of the full response instead.
func stripInterpreterLines(output string) string {
	return interpreterLinePattern.ReplaceAllString(output, "")
}

// expandHome resolves the `~` abbreviation bash uses for the home
// directory in the \w prompt escape.
func expandHome(wd string) string {
	if wd == "~" || strings.HasPrefix(wd, "~/") {
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, strings.TrimPrefix(wd[1:], "/"))
		}
	}
	return wd
}
