// SPDX-License-Identifier: MPL-2.0

// Package pool keeps a queue of pre-warmed, connected sandboxes so agent
// sessions start in milliseconds instead of waiting out a cold boot. A
// background maintenance loop replaces handed-out instances.
package pool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"agentbox/internal/runtime"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned when acquiring from a torn-down pool.
var ErrPoolClosed = errors.New("runtime pool is closed")

type (
	// Config sizes the pool.
	Config struct {
		// Enabled toggles pooling. A disabled pool degrades to on-demand
		// creation: Get creates, Return destroys.
		Enabled bool
		// InitialWarm is how many sandboxes Start creates synchronously.
		InitialWarm int
		// TargetWarm is the queue depth the maintenance loop replenishes to.
		TargetWarm int
		// MaintenanceInterval is the replenishment check period.
		MaintenanceInterval time.Duration
		// CreateTimeout bounds each sandbox creation.
		CreateTimeout time.Duration
	}

	// Pool manages warm sandboxes.
	//
	// Invariant: an instance is warm or active, never both. Get moves
	// warm -> active under the lock; Return moves active -> warm (after a
	// successful reset) or destroys the instance.
	Pool struct {
		cfg     Config
		factory runtime.Factory
		logger  *log.Logger

		mu     sync.Mutex
		warm   []runtime.Runtime          // FIFO: oldest instance is handed out first
		active map[string]runtime.Runtime // keyed by bound session ID
		closed bool

		loopCancel context.CancelFunc
		loopDone   chan struct{}
	}
)

// New creates a pool. No sandboxes exist until Start.
func New(cfg Config, factory runtime.Factory, logger *log.Logger) (*Pool, error) {
	if factory == nil {
		return nil, errors.New("pool factory must not be nil")
	}
	if cfg.InitialWarm < 0 || cfg.TargetWarm < 0 {
		return nil, fmt.Errorf("pool sizes must not be negative (initial=%d, target=%d)",
			cfg.InitialWarm, cfg.TargetWarm)
	}
	if cfg.Enabled && cfg.InitialWarm > cfg.TargetWarm {
		return nil, fmt.Errorf("initial warm count %d exceeds target %d", cfg.InitialWarm, cfg.TargetWarm)
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 10 * time.Second
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "pool"})
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		active:  make(map[string]runtime.Runtime),
	}, nil
}

// Start fills the pool to its initial size and launches the maintenance
// loop. Initial creation is parallel but synchronous: when Start returns,
// the warm queue holds InitialWarm ready sandboxes.
func (p *Pool) Start(ctx context.Context) error {
	if !p.cfg.Enabled {
		return nil
	}

	g, groupCtx := errgroup.WithContext(ctx)
	created := make([]runtime.Runtime, p.cfg.InitialWarm)
	for i := range p.cfg.InitialWarm {
		g.Go(func() error {
			rt, err := p.create(groupCtx)
			if err != nil {
				return err
			}
			created[i] = rt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Partial fills are torn down: a pool that cannot reach its initial
		// size signals a broken environment, not a capacity problem.
		for _, rt := range created {
			if rt != nil {
				p.destroy(rt)
			}
		}
		return fmt.Errorf("initial pool fill failed: %w", err)
	}

	p.mu.Lock()
	p.warm = append(p.warm, created...)
	p.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	p.loopCancel = cancel
	p.loopDone = make(chan struct{})
	go p.maintenanceLoop(loopCtx)

	p.logger.Info("runtime pool started", "warm", p.cfg.InitialWarm, "target", p.cfg.TargetWarm)
	return nil
}

// Get hands out a sandbox bound to the requested session. A warm instance
// is rebound and returned immediately; an empty queue falls back to a
// synchronous cold creation so callers always get an instance or an error,
// never a wait for the maintenance loop.
func (p *Pool) Get(ctx context.Context, opts runtime.RebindOptions) (runtime.Runtime, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	var rt runtime.Runtime
	if p.cfg.Enabled && len(p.warm) > 0 {
		rt = p.warm[0]
		p.warm = p.warm[1:]
	}
	p.mu.Unlock()

	if rt == nil {
		cold, err := p.create(ctx)
		if err != nil {
			return nil, err
		}
		rt = cold
		p.logger.Debug("cold sandbox created for session", "session", opts.SessionID)
	}

	if err := rt.Rebind(ctx, opts); err != nil {
		p.destroy(rt)
		return nil, fmt.Errorf("failed to bind sandbox to session: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(rt)
		return nil, ErrPoolClosed
	}
	p.active[rt.SessionID()] = rt
	p.mu.Unlock()

	p.logger.Debug("sandbox handed out", "session", rt.SessionID(), "backend", rt.Backend())
	return rt, nil
}

// Return gives a sandbox back. A clean reset re-enqueues it for the next
// session; any reset failure (or a disabled/closed pool) destroys it.
func (p *Pool) Return(ctx context.Context, rt runtime.Runtime) {
	if rt == nil {
		return
	}

	p.mu.Lock()
	delete(p.active, rt.SessionID())
	closed := p.closed
	p.mu.Unlock()

	if !p.cfg.Enabled || closed {
		p.destroy(rt)
		return
	}

	if err := rt.Reset(ctx); err != nil {
		p.logger.Warn("sandbox reset failed, destroying", "session", rt.SessionID(), "error", err)
		p.destroy(rt)
		return
	}

	p.mu.Lock()
	if p.closed || len(p.warm) >= p.cfg.TargetWarm {
		p.mu.Unlock()
		p.destroy(rt)
		return
	}
	p.warm = append(p.warm, rt)
	p.mu.Unlock()

	p.logger.Debug("sandbox returned to warm queue", "backend", rt.Backend())
}

// Stats reports the current queue depths.
func (p *Pool) Stats() (warm, active int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm), len(p.active)
}

// Teardown destroys every instance, warm and active, and stops the
// maintenance loop. It is idempotent.
func (p *Pool) Teardown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	warm := p.warm
	p.warm = nil
	actives := make([]runtime.Runtime, 0, len(p.active))
	for _, rt := range p.active {
		actives = append(actives, rt)
	}
	p.active = make(map[string]runtime.Runtime)
	p.mu.Unlock()

	if p.loopCancel != nil {
		p.loopCancel()
		<-p.loopDone
	}

	for _, rt := range warm {
		p.destroyCtx(ctx, rt)
	}
	for _, rt := range actives {
		p.destroyCtx(ctx, rt)
	}
	p.logger.Info("runtime pool torn down", "destroyed", len(warm)+len(actives))
}

// maintenanceLoop tops the warm queue back up to target.
func (p *Pool) maintenanceLoop(ctx context.Context) {
	defer close(p.loopDone)

	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.replenish(ctx)
		}
	}
}

// replenish creates sandboxes until the warm queue reaches target. The
// deficit is read without holding the lock across the (slow) creations;
// concurrent Gets can race it, and the next tick simply corrects the count.
func (p *Pool) replenish(ctx context.Context) {
	p.mu.Lock()
	deficit := p.cfg.TargetWarm - len(p.warm)
	closed := p.closed
	p.mu.Unlock()
	if closed || deficit <= 0 {
		return
	}

	for range deficit {
		if ctx.Err() != nil {
			return
		}
		rt, err := p.create(ctx)
		if err != nil {
			p.logger.Warn("pool replenishment failed", "error", err)
			return
		}

		p.mu.Lock()
		if p.closed || len(p.warm) >= p.cfg.TargetWarm {
			p.mu.Unlock()
			p.destroy(rt)
			return
		}
		p.warm = append(p.warm, rt)
		depth := len(p.warm)
		p.mu.Unlock()
		p.logger.Debug("warm sandbox added", "warm", depth, "target", p.cfg.TargetWarm)
	}
}

// create builds and connects one sandbox.
func (p *Pool) create(ctx context.Context) (runtime.Runtime, error) {
	createCtx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()

	rt, err := p.factory()
	if err != nil {
		return nil, fmt.Errorf("sandbox factory failed: %w", err)
	}
	if err := rt.Connect(createCtx); err != nil {
		_ = rt.Close(context.WithoutCancel(createCtx))
		return nil, fmt.Errorf("sandbox failed to connect: %w", err)
	}
	return rt, nil
}

func (p *Pool) destroy(rt runtime.Runtime) {
	p.destroyCtx(context.Background(), rt)
}

func (p *Pool) destroyCtx(ctx context.Context, rt runtime.Runtime) {
	destroyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := rt.Close(destroyCtx); err != nil {
		p.logger.Warn("sandbox teardown failed", "session", rt.SessionID(), "error", err)
	}
}
