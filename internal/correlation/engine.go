// Package correlation multiplexes logical request/response and streaming
// exchanges over one persistent bidirectional connection.
//
// The engine assigns every outbound request a correlation identifier, keeps
// a registry of pending exchanges keyed by that identifier, routes inbound
// frames to the matching exchange's state machine, and settles the caller's
// Call exactly once when the exchange completes, errors out, or times out.
// One engine is bound to one transport for the transport's lifetime; frames
// must be fed to HandleFrame in the order the transport delivers them.
package correlation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cykonova/litellm/internal/requestid"
	"github.com/cykonova/litellm/internal/wire"
)

// DefaultPingTimeout bounds how long a heartbeat waits for its pong.
const DefaultPingTimeout = 5 * time.Second

var (
	// ErrPingTimeout is returned when no pong arrives before the heartbeat
	// deadline.
	ErrPingTimeout = errors.New("ping timed out")

	// ErrConnectionClosed is returned for exchanges that were still pending
	// when the connection went away, and for requests issued afterwards.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCanceled is returned for exchanges the caller abandoned locally.
	// The peer is not notified; its late frames are dropped as unmatched.
	ErrCanceled = errors.New("request canceled")
)

// PeerError carries a failure the server reported in an error frame.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// Sender is the slice of the transport the engine needs: hand one encoded
// frame to the peer.
type Sender interface {
	Send(data []byte) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(data []byte) error

// Send implements Sender.
func (f SenderFunc) Send(data []byte) error { return f(data) }

// Engine owns the registry of pending exchanges for one connection.
// It is safe for concurrent use: callers issue requests from their own
// goroutines while the transport's read loop feeds HandleFrame.
type Engine struct {
	sender      Sender
	logger      *slog.Logger
	pingTimeout time.Duration

	mu       sync.Mutex
	registry map[string]*exchange
	closed   bool
	closeErr error
}

// Option configures the engine.
type Option func(*Engine)

// WithPingTimeout sets the heartbeat deadline. Values <= 0 keep the default.
func WithPingTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pingTimeout = d
		}
	}
}

// WithLogger sets the logger used for frame routing diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an engine bound to the given sender.
func New(sender Sender, opts ...Option) *Engine {
	e := &Engine{
		sender:      sender,
		logger:      slog.Default(),
		pingTimeout: DefaultPingTimeout,
		registry:    make(map[string]*exchange),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Issue sends a chat completion request and registers a pending exchange
// for its responses. The request's RequestID is assigned here; any value
// set by the caller is overwritten.
//
// For streaming requests, onDelta (if non-nil) is invoked once per
// non-empty text fragment, in arrival order, before the fragment is folded
// into the final result. For non-streaming requests onDelta is ignored.
//
// The returned Call settles exactly once: with the concatenated fragments
// (streaming), the completion's message content or raw payload (unary), or
// an error.
func (e *Engine) Issue(req wire.ChatCompletionRequest, onDelta func(string)) (*Call, error) {
	m := modeUnary
	if req.Stream {
		m = modeStreaming
	}
	req.RequestID = requestid.New()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ex, call, err := e.register(req.RequestID, m)
	if err != nil {
		return nil, err
	}
	if m == modeStreaming {
		ex.onDelta = onDelta
	}

	if err := e.sender.Send(data); err != nil {
		e.remove(ex, "", fmt.Errorf("send request: %w", err))
		return nil, fmt.Errorf("send request: %w", err)
	}
	e.logger.Debug("request issued", "request_id", req.RequestID, "mode", m.String(), "model", req.Model)
	return call, nil
}

// Heartbeat sends a ping and registers a pending exchange that settles on
// the matching pong or, failing that, rejects when the ping timeout
// elapses. Exactly one of the two happens: a pong cancels the timer, and a
// pong arriving after the timer fired is dropped as unmatched.
func (e *Engine) Heartbeat() (*Call, error) {
	id := requestid.New()
	data, err := json.Marshal(wire.NewPingRequest(id))
	if err != nil {
		return nil, fmt.Errorf("encode ping: %w", err)
	}

	ex, call, err := e.register(id, modeHeartbeat)
	if err != nil {
		return nil, err
	}

	if err := e.sender.Send(data); err != nil {
		e.remove(ex, "", fmt.Errorf("send ping: %w", err))
		return nil, fmt.Errorf("send ping: %w", err)
	}

	e.mu.Lock()
	// The pong may have raced the timer arm; only arm for a live exchange.
	if !ex.settled {
		ex.timer = time.AfterFunc(e.pingTimeout, func() {
			e.expire(ex)
		})
	}
	e.mu.Unlock()

	e.logger.Debug("ping issued", "request_id", id, "timeout", e.pingTimeout)
	return call, nil
}

// HandleFrame is the single entry point for inbound data. Frames that carry
// no request_id, or one with no live exchange, are dropped: they may belong
// to an exchange that already settled or to another session, and that is
// not an error.
func (e *Engine) HandleFrame(f wire.Frame) {
	e.mu.Lock()
	ex, ok := e.registry[f.RequestID]
	if f.RequestID == "" || !ok {
		e.mu.Unlock()
		e.logger.Debug("dropping unmatched frame", "type", f.Type, "request_id", f.RequestID)
		return
	}

	switch {
	case ex.mode == modeStreaming && f.Type == wire.FrameTypeStreamChunk:
		delta := wire.StreamDelta(f.Data)
		if delta == "" {
			e.mu.Unlock()
			return
		}
		ex.acc.WriteString(delta)
		onDelta := ex.onDelta
		e.mu.Unlock()
		// Observer runs outside the lock so it may issue further requests.
		// Ordering is preserved: only the transport read loop reaches here.
		if onDelta != nil {
			onDelta(delta)
		}
		return

	case ex.mode == modeStreaming && f.Type == wire.FrameTypeStreamComplete:
		e.removeLocked(ex, ex.acc.String(), nil)

	case ex.mode == modeUnary && f.Type == wire.FrameTypeCompletion:
		if content, ok := wire.MessageContent(f.Data); ok {
			e.removeLocked(ex, content, nil)
		} else {
			e.removeLocked(ex, string(f.Data), nil)
		}

	case ex.mode == modeHeartbeat && f.Type == wire.FrameTypePong:
		e.removeLocked(ex, "", nil)

	case f.Type == wire.FrameTypeError:
		// Terminal failure for any mode.
		e.removeLocked(ex, "", &PeerError{Message: f.Error})

	default:
		e.logger.Debug("dropping frame with unexpected type for exchange",
			"type", f.Type, "request_id", f.RequestID, "mode", ex.mode.String())
	}
	e.mu.Unlock()
}

// Cancel abandons a pending exchange locally: it is removed from the
// registry and its Call rejects with ErrCanceled. The peer is not notified.
// Canceling an exchange that already settled is a no-op.
func (e *Engine) Cancel(call *Call) {
	e.remove(call.ex, "", ErrCanceled)
}

// Shutdown rejects every pending exchange with ErrConnectionClosed wrapping
// cause, and fails all requests issued afterwards. It is idempotent.
func (e *Engine) Shutdown(cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.closeErr = cause

	n := len(e.registry)
	for id, ex := range e.registry {
		delete(e.registry, id)
		ex.settle("", e.shutdownErr())
	}
	if n > 0 {
		e.logger.Debug("rejected pending exchanges on shutdown", "count", n, "cause", cause)
	}
}

// Pending reports the number of live exchanges.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.registry)
}

func (e *Engine) shutdownErr() error {
	if e.closeErr != nil {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, e.closeErr)
	}
	return ErrConnectionClosed
}

// register inserts a fresh exchange into the registry.
func (e *Engine) register(id string, m mode) (*exchange, *Call, error) {
	ex := &exchange{
		id:      id,
		mode:    m,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	call := &Call{Done: ex.done, ex: ex}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, e.shutdownErr()
	}
	e.registry[id] = ex
	return ex, call, nil
}

// expire is the heartbeat timer callback. It loses quietly if a pong
// settled the exchange first.
func (e *Engine) expire(ex *exchange) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex.settle("", ErrPingTimeout) {
		delete(e.registry, ex.id)
		e.logger.Debug("ping timed out", "request_id", ex.id)
	}
}

// remove settles an exchange and drops it from the registry in one step.
func (e *Engine) remove(ex *exchange, result string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(ex, result, err)
}

// removeLocked is remove for callers already holding the mutex. Settling
// and deleting happen in the same critical section: a settled exchange is
// never observable in the registry.
func (e *Engine) removeLocked(ex *exchange, result string, err error) {
	if ex.settle(result, err) {
		delete(e.registry, ex.id)
		e.logger.Debug("exchange settled",
			"request_id", ex.id, "mode", ex.mode.String(),
			"elapsed", time.Since(ex.started), "err", err)
	}
}
