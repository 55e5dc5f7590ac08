package action

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/symgrid/iot-cloud-apps/internal/protocol"
)

// Defaults for the sweep interval and the completion deadline.
const (
	DefaultSweepInterval = 200 * time.Millisecond
	DefaultTimeout       = 5 * time.Second

	// maxParallelPolls bounds concurrent backend polls within one sweep.
	maxParallelPolls = 16
)

// TimeoutMessage is the result message sent when no result arrives in time.
const TimeoutMessage = "Wait for action result timeout"

// Kind is the type of action a client can submit.
type Kind string

const (
	KindOutput  Kind = "output"
	KindCommand Kind = "command"
)

// ResultCode is the push code carrying this kind's terminal result.
func (k Kind) ResultCode() protocol.Code {
	if k == KindCommand {
		return protocol.CodeCommandResult
	}
	return protocol.CodeOutputResult
}

// Acknowledgement is the message replied when submission succeeds.
func (k Kind) Acknowledgement() string {
	if k == KindCommand {
		return "Send command done!"
	}
	return "Send output done!"
}

// KindForCode maps a request code to its action kind.
func KindForCode(c protocol.Code) (Kind, bool) {
	switch c {
	case protocol.CodeSendOutput:
		return KindOutput, true
	case protocol.CodeSendCommand:
		return KindCommand, true
	default:
		return "", false
	}
}

// Backend submits actions and reports their completion.
type Backend interface {
	// Submit hands the action to the backend and returns its correlation id.
	Submit(ctx context.Context, kind Kind, auth string, payload json.RawMessage) (string, error)
	// Poll returns the result once the action with the given id completed.
	Poll(ctx context.Context, auth, id string) (result json.RawMessage, done bool, err error)
}

// Client receives action results.
type Client interface {
	Send(env protocol.Envelope) error
}

// Logger is the logging dependency of Coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Request is one client action.
type Request struct {
	Kind    Kind
	Auth    string
	Payload json.RawMessage
	// ReplyID is the client's request id; results are sent on it.
	ReplyID json.RawMessage
	Client  Client
}

type pending struct {
	key      string
	id       string
	req      Request
	deadline time.Time
}

// Coordinator submits actions and waits for their results.
//
// Submitted actions join a wait list swept at a fixed interval. Each sweep
// times out actions past their deadline and polls the rest. An action leaves
// the wait list exactly once, under the lock, and only the caller that
// removed it notifies the client.
type Coordinator struct {
	backend  Backend
	logger   Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSweepInterval sets how often pending actions are polled.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithTimeout sets how long an action may wait for its result.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(backend Backend, logger Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		backend:  backend,
		logger:   logger,
		interval: DefaultSweepInterval,
		timeout:  DefaultTimeout,
		now:      time.Now,
		pending:  make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit hands req to the backend. On failure the client is notified with
// a failed result immediately and the error is returned; on success the
// action waits for its result and the correlation id is returned.
func (c *Coordinator) Submit(ctx context.Context, req Request) (string, error) {
	id, err := c.backend.Submit(ctx, req.Kind, req.Auth, req.Payload)
	if err == nil && id == "" {
		err = errors.New("backend returned no action id")
	}
	if err != nil {
		c.logger.Warn("action submission failed", "kind", req.Kind, "error", err)
		c.notify(req, protocol.Result{Message: err.Error(), Result: false})
		return "", fmt.Errorf("submitting %s: %w", req.Kind, err)
	}

	p := &pending{
		key:      uuid.NewString(),
		id:       id,
		req:      req,
		deadline: c.now().Add(c.timeout),
	}
	c.mu.Lock()
	c.pending[p.key] = p
	c.mu.Unlock()

	c.logger.Debug("action submitted", "kind", req.Kind, "action_id", id)
	return id, nil
}

// Run sweeps the wait list until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep times out expired actions and polls the others once.
func (c *Coordinator) Sweep(ctx context.Context) {
	now := c.now()

	var expired, live []*pending
	c.mu.Lock()
	for key, p := range c.pending {
		if now.After(p.deadline) {
			delete(c.pending, key)
			expired = append(expired, p)
			continue
		}
		live = append(live, p)
	}
	c.mu.Unlock()

	for _, p := range expired {
		c.logger.Info("action timed out", "kind", p.req.Kind, "action_id", p.id)
		c.notify(p.req, protocol.Result{Message: TimeoutMessage, Result: false})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelPolls)
	for _, p := range live {
		g.Go(func() error {
			c.poll(gctx, now, p)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Coordinator) poll(ctx context.Context, now time.Time, p *pending) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline.Sub(now))
	defer cancel()

	result, done, err := c.backend.Poll(ctx, p.req.Auth, p.id)
	if err != nil {
		c.logger.Debug("action poll failed", "action_id", p.id, "error", err)
		return
	}
	if !done {
		return
	}
	if !c.remove(p.key) {
		return
	}
	c.logger.Info("action completed", "kind", p.req.Kind, "action_id", p.id)
	c.notify(p.req, result)
}

func (c *Coordinator) remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[key]; !ok {
		return false
	}
	delete(c.pending, key)
	return true
}

func (c *Coordinator) notify(req Request, data any) {
	env := protocol.Envelope{ID: req.ReplyID, Code: req.Kind.ResultCode(), Data: data}
	if len(env.ID) == 0 {
		env.ID = json.RawMessage("null")
	}
	if err := req.Client.Send(env); err != nil {
		c.logger.Warn("action result not delivered", "kind", req.Kind, "error", err)
	}
}

// Pending returns the number of actions waiting for a result.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
