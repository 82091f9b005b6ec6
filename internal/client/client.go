// SPDX-License-Identifier: MPL-2.0

// Package client implements the control-plane side of the action execution
// protocol: it polls the in-sandbox server for liveness, ships actions over
// HTTP, and classifies transport failures into the two conditions callers
// act on (the action timed out vs. the sandbox is gone).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"agentbox/internal/action"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/semaphore"
)

const (
	// ConnStateDisconnected is the initial state and the state after Close.
	ConnStateDisconnected ConnState = iota
	// ConnStateStarting means the sandbox is being provisioned.
	ConnStateStarting
	// ConnStateWaitingAlive means the sandbox exists and liveness polling is
	// in progress.
	ConnStateWaitingAlive
	// ConnStateReady means the sandbox answered a liveness probe and actions
	// may be sent.
	ConnStateReady
)

const (
	// DefaultAliveInterval is the pause between liveness probes.
	DefaultAliveInterval = 2 * time.Second

	// DefaultActionTimeout bounds actions that carry no explicit timeout.
	DefaultActionTimeout = 120 * time.Second

	// transportGrace is added on top of the action timeout for the HTTP
	// round trip so the server-side kill fires before the client gives up.
	transportGrace = 15 * time.Second

	aliveProbeTimeout = 5 * time.Second
)

// ErrActionTimedOut is returned when an action did not complete within its
// timeout. The sandbox may still be healthy; the agent can retry, interrupt,
// or extend the timeout.
var ErrActionTimedOut = errors.New("action timed out")

// ErrRuntimeDisconnected is returned when the sandbox stopped answering
// (connection refused, reset, or truncated response). The sandbox must be
// considered gone; the owner should replace it.
var ErrRuntimeDisconnected = errors.New("runtime disconnected")

// ErrNotReady is returned when an action is sent before the connection
// reached the ready state.
var ErrNotReady = errors.New("runtime connection is not ready")

type (
	// ConnState tracks the client's view of the sandbox connection.
	ConnState int32

	// Option customizes a Client at construction time.
	Option func(*Client)

	// Client talks to one action execution server.
	//
	// Exactly one action is in flight at a time: SendAction serializes on an
	// internal semaphore, mirroring the single-session server.
	Client struct {
		baseURL string
		logger  *log.Logger

		// httpClient carries no global timeout; every request gets a
		// per-call deadline derived from the action timeout.
		httpClient *http.Client

		defaultTimeout time.Duration
		aliveInterval  time.Duration

		sem   *semaphore.Weighted
		state atomic.Int32
	}

	// ActionTimedOutError wraps ErrActionTimedOut with the action context.
	ActionTimedOutError struct {
		Kind    action.Kind
		Timeout time.Duration
	}

	// ServerError reports a non-200 transport response from the server.
	ServerError struct {
		StatusCode int
		Detail     string
	}
)

// String returns a human-readable representation of the connection state.
func (c ConnState) String() string {
	switch c {
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateStarting:
		return "starting"
	case ConnStateWaitingAlive:
		return "waiting_alive"
	case ConnStateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Error implements the error interface.
func (e *ActionTimedOutError) Error() string {
	return fmt.Sprintf("action %q timed out after %s", e.Kind, e.Timeout)
}

// Unwrap returns ErrActionTimedOut so callers can use errors.Is.
func (e *ActionTimedOutError) Unwrap() error { return ErrActionTimedOut }

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("server returned HTTP %d: %s", e.StatusCode, e.Detail)
}

// WithDefaultTimeout sets the timeout applied to actions without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithAliveInterval sets the pause between liveness probes.
func WithAliveInterval(d time.Duration) Option {
	return func(c *Client) { c.aliveInterval = d }
}

// WithLogger sets the client logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the execution server at baseURL
// (e.g. "http://127.0.0.1:31289").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		logger:         log.NewWithOptions(os.Stderr, log.Options{Prefix: "exec-client"}),
		httpClient:     &http.Client{},
		defaultTimeout: DefaultActionTimeout,
		aliveInterval:  DefaultAliveInterval,
		sem:            semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(int32(ConnStateStarting))
	return c
}

// State returns the client's view of the connection.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

// Alive sends a single liveness probe. A nil return means the server
// answered 200 within the probe window.
func (c *Client) Alive(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, aliveProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/alive", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportErr(err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &ServerError{StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	return nil
}

// WaitUntilAlive polls the liveness endpoint at a fixed interval until the
// server answers, the context expires, or the deadline passes. Connection
// refusals and not-ready responses both mean "keep waiting": the sandbox is
// still booting.
func (c *Client) WaitUntilAlive(ctx context.Context, deadline time.Duration) error {
	c.state.Store(int32(ConnStateWaitingAlive))

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(c.aliveInterval)
	defer ticker.Stop()

	attempt := 0
	for {
		attempt++
		err := c.Alive(waitCtx)
		if err == nil {
			c.state.Store(int32(ConnStateReady))
			c.logger.Debug("runtime is alive", "attempts", attempt)
			return nil
		}
		c.logger.Debug("liveness probe failed, retrying", "attempt", attempt, "error", err)

		select {
		case <-waitCtx.Done():
			c.state.Store(int32(ConnStateDisconnected))
			return fmt.Errorf("runtime did not become alive within %s: %w", deadline, ErrRuntimeDisconnected)
		case <-ticker.C:
		}
	}
}

// SendAction executes one action and returns its observation. The HTTP
// deadline is the action's timeout plus a transport grace period, so the
// server's own timeout handling (interrupt escalation) wins the race.
//
// Error contract: business failures arrive as error observations with a nil
// error; ErrActionTimedOut and ErrRuntimeDisconnected (via errors.Is) are
// the two transport conditions callers are expected to branch on.
func (c *Client) SendAction(ctx context.Context, act action.Action) (action.Observation, error) {
	if c.State() != ConnStateReady {
		return action.Observation{}, fmt.Errorf("%w (state: %s)", ErrNotReady, c.State())
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return action.Observation{}, fmt.Errorf("waiting for in-flight action: %w", err)
	}
	defer c.sem.Release(1)

	timeout := act.Timeout(c.defaultTimeout)
	reqCtx, cancel := context.WithTimeout(ctx, timeout+transportGrace)
	defer cancel()

	body, err := json.Marshal(action.Request{Action: act})
	if err != nil {
		return action.Observation{}, fmt.Errorf("failed to encode action: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/execute_action", bytes.NewReader(body))
	if err != nil {
		return action.Observation{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("sending action", "kind", act.Kind, "timeout", timeout)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		classified := classifyTransportErr(err)
		if errors.Is(classified, ErrActionTimedOut) {
			c.logger.Warn("action timed out", "kind", act.Kind, "timeout", timeout)
			return action.Observation{}, &ActionTimedOutError{Kind: act.Kind, Timeout: timeout}
		}
		if errors.Is(classified, ErrRuntimeDisconnected) {
			c.state.Store(int32(ConnStateDisconnected))
		}
		return action.Observation{}, classified
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return action.Observation{}, &ServerError{StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}

	var wire action.Response
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		// A truncated success body means the server died mid-response.
		c.state.Store(int32(ConnStateDisconnected))
		return action.Observation{}, fmt.Errorf("truncated response: %w", ErrRuntimeDisconnected)
	}
	return wire.Observation, nil
}

// Close marks the connection disconnected. The underlying transport keeps
// no persistent resources beyond pooled idle connections.
func (c *Client) Close() {
	c.state.Store(int32(ConnStateDisconnected))
	c.httpClient.CloseIdleConnections()
}

// classifyTransportErr maps raw transport failures onto the protocol's two
// sentinel conditions. Timeouts (deadline exceeded on an established
// connection) and disconnects (refused, reset, EOF) demand different
// recovery, so they must never be conflated.
func classifyTransportErr(err error) error {
	// A deliberate cancellation is neither condition: the caller asked the
	// request to stop, so the sandbox's health is unknown, not gone.
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("request canceled: %w", err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return fmt.Errorf("%v: %w", err, ErrActionTimedOut)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, ErrActionTimedOut)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%v: %w", err, ErrRuntimeDisconnected)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%v: %w", err, ErrActionTimedOut)
	}
	// Unknown transport failure: treat the sandbox as gone rather than
	// retrying into the void.
	return fmt.Errorf("%v: %w", err, ErrRuntimeDisconnected)
}

// readDetail extracts the {"detail": ...} body of a transport failure.
func readDetail(body io.Reader) string {
	var detail action.ErrorDetail
	if err := json.NewDecoder(io.LimitReader(body, 64<<10)).Decode(&detail); err != nil || detail.Detail == "" {
		return "(no detail)"
	}
	return detail.Detail
}

// drainAndClose consumes the remainder of a response body so the connection
// can be reused by the pool.
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
