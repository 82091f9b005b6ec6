// SPDX-License-Identifier: MPL-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentbox/internal/action"
)

// startTestServer boots a full execution server on a loopback auto-port with
// a throwaway workspace, skipping when bash is not installed.
func startTestServer(t *testing.T, mutate func(*Config)) (*Server, string) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.WorkDir = t.TempDir()
	cfg.InitCommands = nil
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, "http://" + srv.Addr()
}

// postAction sends one action and decodes the protocol response.
func postAction(t *testing.T, baseURL string, act action.Action) (action.Observation, int) {
	t.Helper()

	body, err := json.Marshal(action.Request{Action: act})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	resp, err := http.Post(baseURL+"/execute_action", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /execute_action error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return action.Observation{}, resp.StatusCode
	}
	var out action.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out.Observation, resp.StatusCode
}

func TestServerAlive(t *testing.T) {
	t.Parallel()
	_, baseURL := startTestServer(t, nil)

	resp, err := http.Get(baseURL + "/alive")
	if err != nil {
		t.Fatalf("GET /alive error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /alive status = %d, want 200", resp.StatusCode)
	}
}

func TestServerExecuteCommand(t *testing.T) {
	t.Parallel()
	_, baseURL := startTestServer(t, nil)

	obs, status := postAction(t, baseURL, action.NewCmdRun("echo from-server").WithBlocking().WithoutPrompt())
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if obs.Kind != action.ObsCmdOutput {
		t.Fatalf("observation kind = %s, want %s", obs.Kind, action.ObsCmdOutput)
	}
	if !obs.ExitCode().IsSuccess() {
		t.Errorf("exit code = %s, want 0", obs.ExitCode())
	}
	if !strings.Contains(obs.Content, "from-server") {
		t.Errorf("content %q missing command output", obs.Content)
	}
	if obs.Extras.Command != "echo from-server" {
		t.Errorf("extras command = %q, want the submitted command", obs.Extras.Command)
	}
}

func TestServerFileWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	srv, baseURL := startTestServer(t, nil)

	path := filepath.Join(srv.cfg.WorkDir, "notes.txt")

	obs, _ := postAction(t, baseURL, action.NewFileWrite(path, "one\ntwo\nthree\n"))
	if obs.Kind != action.ObsFileWrite {
		t.Fatalf("write observation kind = %s (content %q)", obs.Kind, obs.Content)
	}

	obs, _ = postAction(t, baseURL, action.NewFileRead(path))
	if obs.Kind != action.ObsFileRead {
		t.Fatalf("read observation kind = %s (content %q)", obs.Kind, obs.Content)
	}
	if obs.Content != "one\ntwo\nthree\n" {
		t.Errorf("read content = %q", obs.Content)
	}

	// Line-range read.
	rangeRead := action.NewFileRead(path)
	rangeRead.Args.Start, rangeRead.Args.End = 2, 2
	obs, _ = postAction(t, baseURL, rangeRead)
	if obs.Content != "two\n" {
		t.Errorf("range read content = %q, want %q", obs.Content, "two\n")
	}

	// Line-range write splices rather than replaces.
	rangeWrite := action.NewFileWrite(path, "TWO\n")
	rangeWrite.Args.Start, rangeWrite.Args.End = 2, 2
	obs, _ = postAction(t, baseURL, rangeWrite)
	if obs.IsError() {
		t.Fatalf("range write failed: %q", obs.Content)
	}
	obs, _ = postAction(t, baseURL, action.NewFileRead(path))
	if obs.Content != "one\nTWO\nthree\n" {
		t.Errorf("content after range write = %q", obs.Content)
	}
}

func TestServerFileReadMissingIsErrorObservation(t *testing.T) {
	t.Parallel()
	_, baseURL := startTestServer(t, nil)

	obs, status := postAction(t, baseURL, action.NewFileRead("/definitely/not/here.txt"))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 (business failures are observations)", status)
	}
	if !obs.IsError() {
		t.Errorf("observation kind = %s, want %s", obs.Kind, action.ObsError)
	}
	if !strings.Contains(obs.Content, "not found") {
		t.Errorf("content %q missing not-found reason", obs.Content)
	}
}

func TestServerRestrictedFileOps(t *testing.T) {
	t.Parallel()
	_, baseURL := startTestServer(t, func(cfg *Config) { cfg.RestrictFileOps = true })

	obs, status := postAction(t, baseURL, action.NewFileRead("/etc/hostname"))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !obs.IsError() {
		t.Fatalf("observation kind = %s, want %s", obs.Kind, action.ObsError)
	}
	if !strings.Contains(obs.Content, "outside the sandbox workspace") {
		t.Errorf("content %q missing restriction reason", obs.Content)
	}
}

func TestServerNonRunnableActionYieldsNull(t *testing.T) {
	t.Parallel()
	_, baseURL := startTestServer(t, nil)

	obs, status := postAction(t, baseURL, action.Action{Kind: "message"})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if obs.Kind != action.ObsNull {
		t.Errorf("observation kind = %s, want %s", obs.Kind, action.ObsNull)
	}
}

func TestServerInvalidActionYieldsErrorObservation(t *testing.T) {
	t.Parallel()
	_, baseURL := startTestServer(t, nil)

	obs, status := postAction(t, baseURL, action.NewFileRead(""))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !obs.IsError() {
		t.Errorf("observation kind = %s, want %s", obs.Kind, action.ObsError)
	}
}

func TestServerMalformedRequestIsBadRequest(t *testing.T) {
	t.Parallel()
	_, baseURL := startTestServer(t, nil)

	resp, err := http.Post(baseURL+"/execute_action", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	var detail action.ErrorDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Detail == "" {
		t.Error("detail body is empty")
	}
}

func TestServerMissingPluginIsErrorObservation(t *testing.T) {
	t.Parallel()
	_, baseURL := startTestServer(t, nil)

	obs, status := postAction(t, baseURL, action.NewIPythonRunCell("print(1)"))
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200", status)
	}
	if !obs.IsError() {
		t.Fatalf("observation kind = %s, want %s", obs.Kind, action.ObsError)
	}
	if !strings.Contains(obs.Content, "jupyter") {
		t.Errorf("content %q does not name the missing plugin", obs.Content)
	}
}

type stubPlugin struct {
	name string
	run  func(ctx context.Context, act action.Action) (action.Observation, error)
}

func (p stubPlugin) Name() string { return p.name }
func (p stubPlugin) Run(ctx context.Context, act action.Action) (action.Observation, error) {
	return p.run(ctx, act)
}

func TestServerRoutesToPlugin(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.WorkDir = t.TempDir()
	cfg.InitCommands = nil

	plugin := stubPlugin{
		name: "jupyter",
		run: func(_ context.Context, act action.Action) (action.Observation, error) {
			return action.NewIPythonOutput("cell says: " + act.Args.Code), nil
		},
	}
	srv, err := New(cfg, plugin)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	obs, _ := postAction(t, "http://"+srv.Addr(), action.NewIPythonRunCell("print(1)"))
	if obs.Kind != action.ObsIPythonOutput {
		t.Fatalf("observation kind = %s, want %s", obs.Kind, action.ObsIPythonOutput)
	}
	if obs.Content != "cell says: print(1)" {
		t.Errorf("content = %q", obs.Content)
	}
}

func TestServerSerializesActions(t *testing.T) {
	t.Parallel()
	_, baseURL := startTestServer(t, nil)

	const workers = 3
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			obs, status := postAction(t, baseURL, action.NewCmdRun(fmt.Sprintf("sleep 1 && echo done-%d", i)).WithBlocking())
			if status != http.StatusOK || obs.IsError() {
				t.Errorf("worker %d failed: status=%d content=%q", i, status, obs.Content)
			}
		}(i)
	}
	wg.Wait()

	// One session, one lock: three one-second commands cannot overlap.
	if elapsed := time.Since(start); elapsed < workers*time.Second {
		t.Errorf("three serialized 1s commands finished in %s", elapsed)
	}
}

func TestServerAliveDuringSlowCommand(t *testing.T) {
	t.Parallel()
	_, baseURL := startTestServer(t, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = postAction(t, baseURL, action.NewCmdRun("sleep 3").WithBlocking())
	}()

	// Give the slow command time to take the session lock.
	time.Sleep(500 * time.Millisecond)

	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(baseURL + "/alive")
	if err != nil {
		t.Fatalf("GET /alive during slow command error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /alive during slow command status = %d, want 200", resp.StatusCode)
	}
	<-done
}

func TestServerListFiles(t *testing.T) {
	t.Parallel()
	srv, baseURL := startTestServer(t, nil)

	for _, dir := range []string{"Beta", "alpha"} {
		if err := os.Mkdir(filepath.Join(srv.cfg.WorkDir, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, name := range []string{"zed.txt", "Apple.txt"} {
		if err := os.WriteFile(filepath.Join(srv.cfg.WorkDir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	body, _ := json.Marshal(map[string]string{"path": srv.cfg.WorkDir})
	resp, err := http.Post(baseURL+"/list_files", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /list_files error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var entries []string
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}

	want := []string{"alpha/", "Beta/", "Apple.txt", "zed.txt"}
	if len(entries) != len(want) {
		t.Fatalf("entries = %#v, want %#v", entries, want)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entries[%d] = %q, want %q", i, entries[i], want[i])
		}
	}
}

func TestServerStopAfterFatalFailureReleasesResources(t *testing.T) {
	t.Parallel()
	srv, baseURL := startTestServer(t, nil)

	// "exit" kills the interactive shell itself: the PTY hits EOF and the
	// server transitions to failed.
	_, status := postAction(t, baseURL, action.NewCmdRun("exit").WithBlocking())
	if status != http.StatusInternalServerError {
		t.Fatalf("status after shell death = %d, want 500", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop() on a failed server error = %v", err)
	}

	// The listener must be gone even though the state machine stays failed.
	if _, err := http.Get(baseURL + "/alive"); err == nil {
		t.Error("listener still accepting connections after Stop on a failed server")
	}
}

func TestServerStopIsIdempotent(t *testing.T) {
	t.Parallel()
	srv, _ := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}
