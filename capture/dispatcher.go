// Package capture correlates outbound capture commands with inbound
// results. Tool handlers ask for a heavy capture; the dispatcher enqueues a
// capture_command on the session's connection and suspends the caller until
// the matching capture_result arrives, the deadline passes, or the
// connection is lost.
package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tapbridge/tapbridge/idgen"
	"github.com/tapbridge/tapbridge/wire"
)

// Capture command kinds understood by the agent.
const (
	KindDomSubtree     = "dom_subtree"
	KindDomDocument    = "dom_document"
	KindComputedStyles = "computed_styles"
	KindLayoutMetrics  = "layout_metrics"
	KindUISnapshot     = "ui_snapshot"
)

// Sender enqueues one frame on a connection's outbound queue. Implemented
// by the ingest connection; returns false when the queue rejected the frame.
type Sender interface {
	Enqueue(msg wire.Message) bool
}

// Result is the dispatcher's answer to one capture request.
type Result struct {
	OK   bool            `json:"ok"`
	Data json.RawMessage `json:"data,omitempty"`
	Err  *Error          `json:"error,omitempty"`
}

type waiter struct {
	ch chan Result
}

// binding is the per-session connection state: one Sender plus the pending
// waiter table. Owned by the dispatcher, guarded by its mutex.
type binding struct {
	sender  Sender
	waiters map[string]*waiter
}

// Dispatcher routes capture results to waiters. Safe for concurrent use;
// multiple in-flight commands per session are allowed and never serialized.
type Dispatcher struct {
	mu       sync.Mutex
	sessions map[string]*binding

	newID  idgen.Generator
	logger *slog.Logger

	// lateResults counts capture_results that arrived after their waiter
	// was gone (timeout or cancellation). Surfaced via /stats.
	lateResults int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithIDGenerator sets the command ID strategy.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(d *Dispatcher) { d.newID = gen }
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sessions: make(map[string]*binding),
		newID:    idgen.Prefixed("cmd_", idgen.NanoID(12)),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Bind attaches a live connection to a session. At most one binding per
// session: a newer connection replaces the old one, whose waiters resolve
// with connection_lost.
func (d *Dispatcher) Bind(sessionID string, sender Sender) {
	d.mu.Lock()
	old := d.sessions[sessionID]
	d.sessions[sessionID] = &binding{sender: sender, waiters: make(map[string]*waiter)}
	d.mu.Unlock()

	if old != nil {
		resolveAll(old, Result{Err: &Error{Kind: ErrKindConnectionLost}})
	}
}

// Unbind detaches the connection if it is still the current one. All
// pending waiters resolve with connection_lost.
func (d *Dispatcher) Unbind(sessionID string, sender Sender) {
	d.mu.Lock()
	b := d.sessions[sessionID]
	if b == nil || b.sender != sender {
		d.mu.Unlock()
		return
	}
	delete(d.sessions, sessionID)
	d.mu.Unlock()

	resolveAll(b, Result{Err: &Error{Kind: ErrKindConnectionLost}})
}

func resolveAll(b *binding, res Result) {
	for id, w := range b.waiters {
		delete(b.waiters, id)
		w.ch <- res
	}
}

// HasConnection reports whether a live connection is bound to the session.
func (d *Dispatcher) HasConnection(sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[sessionID] != nil
}

// Request sends a capture command and waits for the matching result.
// Returns immediately with no_live_connection when the session has no
// bound connection. A timeout removes the waiter; a late result is dropped
// and counted, never delivered. Context cancellation resolves with
// cancelled.
func (d *Dispatcher) Request(ctx context.Context, sessionID, kind string, payload json.RawMessage, timeout time.Duration) Result {
	d.mu.Lock()
	b := d.sessions[sessionID]
	if b == nil {
		d.mu.Unlock()
		return Result{Err: &Error{Kind: ErrKindNoLiveConnection}}
	}

	commandID := d.newID()
	w := &waiter{ch: make(chan Result, 1)}
	b.waiters[commandID] = w
	d.mu.Unlock()

	cmd := &wire.CaptureCommand{
		CommandID: commandID,
		SessionID: sessionID,
		Command:   kind,
		Payload:   payload,
	}
	if !b.sender.Enqueue(cmd) {
		d.removeWaiter(sessionID, commandID)
		return Result{Err: &Error{Kind: ErrKindConnectionLost, Detail: "outbound queue rejected command"}}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res
	case <-timer.C:
		d.removeWaiter(sessionID, commandID)
		// Drain a result that raced the timeout.
		select {
		case res := <-w.ch:
			return res
		default:
		}
		return Result{Err: &Error{Kind: ErrKindTimeout}}
	case <-ctx.Done():
		d.removeWaiter(sessionID, commandID)
		select {
		case res := <-w.ch:
			return res
		default:
		}
		return Result{Err: &Error{Kind: ErrKindCancelled}}
	}
}

func (d *Dispatcher) removeWaiter(sessionID, commandID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b := d.sessions[sessionID]; b != nil {
		delete(b.waiters, commandID)
	}
}

// Resolve delivers a capture_result to its waiter. Unmatched results (late
// or unknown command_id) are dropped and counted.
func (d *Dispatcher) Resolve(sessionID string, res *wire.CaptureResult) {
	d.mu.Lock()
	b := d.sessions[sessionID]
	var w *waiter
	if b != nil {
		w = b.waiters[res.CommandID]
		delete(b.waiters, res.CommandID)
	}
	if w == nil {
		d.lateResults++
		d.mu.Unlock()
		d.logger.Debug("dropped unmatched capture result",
			"session_id", sessionID, "command_id", res.CommandID)
		return
	}
	d.mu.Unlock()

	out := Result{OK: res.OK, Data: res.Data}
	if !res.OK {
		out.Err = &Error{Kind: ErrKindAgent, Detail: res.Error}
	}
	w.ch <- out
}

// LateResults returns how many results arrived with no waiter.
func (d *Dispatcher) LateResults() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lateResults
}
