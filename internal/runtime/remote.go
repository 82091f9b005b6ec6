// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// BackendRemote attaches to an execution server something else provisioned
// (a Kubernetes pod, a cloud VM). The runtime owns the connection, not the
// sandbox: Close detaches without tearing anything down.
const BackendRemote Backend = "remote"

type (
	// RemoteOptions configures the remote backend.
	RemoteOptions struct {
		// URL is the execution server base URL.
		URL string
		// WorkDir is the sandbox working directory (used by Reset).
		WorkDir string
		// DefaultTimeout applies to actions without an explicit timeout.
		DefaultTimeout time.Duration
		// AliveDeadline bounds how long Connect waits for the server.
		AliveDeadline time.Duration
	}

	// RemoteRuntime drives a pre-provisioned execution server.
	RemoteRuntime struct {
		httpBase
		opts RemoteOptions
	}
)

// NewRemoteRuntime creates a remote runtime attached to url.
func NewRemoteRuntime(opts RemoteOptions, logger *log.Logger) (*RemoteRuntime, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("remote runtime URL must not be empty")
	}
	if _, err := url.ParseRequestURI(opts.URL); err != nil {
		return nil, err
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "/workspace"
	}
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "runtime"})
	}
	return &RemoteRuntime{
		httpBase: newHTTPBase(BackendRemote, opts.WorkDir, opts.DefaultTimeout, opts.AliveDeadline, logger),
		opts:     opts,
	}, nil
}

// Connect waits for the remote server to answer liveness probes.
func (r *RemoteRuntime) Connect(ctx context.Context) error {
	if r.closed {
		return ErrRuntimeClosed
	}
	return r.attach(ctx, r.opts.URL)
}

// Close detaches from the remote server. The sandbox itself is owned by
// whoever provisioned it.
func (r *RemoteRuntime) Close(_ context.Context) error {
	if r.closed {
		return nil
	}
	r.markClosed()
	return nil
}

var _ Runtime = (*RemoteRuntime)(nil)
