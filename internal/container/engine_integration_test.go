// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// TestDockerEngineLifecycle exercises the CLI engine against a real
// container. It is opt-in: set AGENTBOX_TEST_CONTAINER=1 with a working
// Docker daemon.
func TestDockerEngineLifecycle(t *testing.T) {
	if os.Getenv("AGENTBOX_TEST_CONTAINER") == "" {
		t.Skip("set AGENTBOX_TEST_CONTAINER=1 to run container integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: "alpine:3.20",
			Cmd:   []string{"sleep", "300"},
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start test container: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	engine, err := NewEngine(EngineTypeDocker)
	if err != nil {
		t.Fatalf("NewEngine(docker) error = %v", err)
	}

	version, err := engine.Version(ctx)
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if version == "" {
		t.Error("Version() returned an empty version")
	}

	id := ctr.GetContainerID()

	out, code, err := engine.Exec(ctx, id, []string{"echo", "from-container"})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if code != 0 {
		t.Errorf("Exec() exit code = %d, want 0", code)
	}
	if !strings.Contains(out, "from-container") {
		t.Errorf("Exec() output = %q, want the echoed text", out)
	}

	_, code, err = engine.Exec(ctx, id, []string{"sh", "-c", "exit 3"})
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if code != 3 {
		t.Errorf("Exec() exit code = %d, want 3", code)
	}

	exists, err := engine.ImageExists(ctx, "alpine:3.20")
	if err != nil {
		t.Fatalf("ImageExists() error = %v", err)
	}
	if !exists {
		t.Error("ImageExists() = false for the image the container runs")
	}

	if err := engine.Remove(ctx, id); err != nil {
		t.Errorf("Remove() error = %v", err)
	}
	// Removing an already-gone container is not an error.
	if err := engine.Remove(ctx, id); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}
