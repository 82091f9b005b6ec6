// SPDX-License-Identifier: MPL-2.0

package pool

import (
	"context"
	"io"
	"sync"

	"agentbox/internal/action"
	"agentbox/internal/runtime"
)

// BackendPooled draws sandboxes from a warm pool. Callers see an ordinary
// Runtime; acquisition and return happen behind Connect and Close.
const BackendPooled runtime.Backend = "pooled"

// Proxy adapts a Pool to the Runtime interface. Connect acquires an
// instance and Close returns it; in between, every operation delegates to
// the acquired sandbox. A Proxy is single-use, like every other runtime.
type Proxy struct {
	pool *Pool
	opts runtime.RebindOptions

	mu     sync.Mutex
	inner  runtime.Runtime
	closed bool
}

// NewProxy creates a pooled runtime for one agent session.
func NewProxy(p *Pool, opts runtime.RebindOptions) *Proxy {
	return &Proxy{pool: p, opts: opts}
}

// Backend returns the pooled backend identifier.
func (x *Proxy) Backend() runtime.Backend { return BackendPooled }

// SessionID returns the bound session (empty before Connect).
func (x *Proxy) SessionID() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.inner == nil {
		return x.opts.SessionID
	}
	return x.inner.SessionID()
}

// Connect acquires a sandbox from the pool, bound to this session.
func (x *Proxy) Connect(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return runtime.ErrRuntimeClosed
	}
	if x.inner != nil {
		return nil
	}
	rt, err := x.pool.Get(ctx, x.opts)
	if err != nil {
		return err
	}
	x.inner = rt
	return nil
}

// acquired returns the inner runtime, gating on lifecycle state.
func (x *Proxy) acquired() (runtime.Runtime, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	switch {
	case x.closed:
		return nil, runtime.ErrRuntimeClosed
	case x.inner == nil:
		return nil, runtime.ErrRuntimeNotConnected
	default:
		return x.inner, nil
	}
}

// Run executes one action on the acquired sandbox.
func (x *Proxy) Run(ctx context.Context, act action.Action) (action.Observation, error) {
	rt, err := x.acquired()
	if err != nil {
		return action.Observation{}, err
	}
	return rt.Run(ctx, act)
}

// CopyTo ships a local file into the acquired sandbox.
func (x *Proxy) CopyTo(ctx context.Context, localPath, sandboxPath string, recursive bool) error {
	rt, err := x.acquired()
	if err != nil {
		return err
	}
	return rt.CopyTo(ctx, localPath, sandboxPath, recursive)
}

// CopyFrom streams a sandbox path out as a zip archive.
func (x *Proxy) CopyFrom(ctx context.Context, sandboxPath string, w io.Writer) error {
	rt, err := x.acquired()
	if err != nil {
		return err
	}
	return rt.CopyFrom(ctx, sandboxPath, w)
}

// ListFiles lists a sandbox directory.
func (x *Proxy) ListFiles(ctx context.Context, sandboxPath string) ([]string, error) {
	rt, err := x.acquired()
	if err != nil {
		return nil, err
	}
	return rt.ListFiles(ctx, sandboxPath)
}

// Reset delegates to the acquired sandbox.
func (x *Proxy) Reset(ctx context.Context) error {
	rt, err := x.acquired()
	if err != nil {
		return err
	}
	return rt.Reset(ctx)
}

// Rebind delegates to the acquired sandbox.
func (x *Proxy) Rebind(ctx context.Context, opts runtime.RebindOptions) error {
	rt, err := x.acquired()
	if err != nil {
		return err
	}
	if err := rt.Rebind(ctx, opts); err != nil {
		return err
	}
	x.mu.Lock()
	x.opts = opts
	x.mu.Unlock()
	return nil
}

// Close returns the sandbox to the pool (destroying it if reset fails) and
// marks the proxy closed. It is idempotent.
func (x *Proxy) Close(ctx context.Context) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	rt := x.inner
	x.inner = nil
	x.mu.Unlock()

	if rt != nil {
		x.pool.Return(ctx, rt)
	}
	return nil
}

var _ runtime.Runtime = (*Proxy)(nil)
