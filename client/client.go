// Package client provides a Go client for the LiteLLM WebSocket
// chat-completions endpoint.
//
// One Client owns one persistent connection. Any number of chat
// completions (unary or streaming) and heartbeat pings may be in flight
// concurrently; responses are routed back to their callers by correlation
// identifier. The client does not reconnect: when the connection ends,
// every pending call fails with ErrConnectionClosed and a new Client must
// be dialed.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cykonova/litellm/internal/correlation"
	"github.com/cykonova/litellm/internal/transport"
	"github.com/cykonova/litellm/internal/wire"
)

// Errors surfaced by calls. They originate in the correlation engine and
// are re-exported so callers can match them with errors.Is / errors.As.
var (
	ErrPingTimeout      = correlation.ErrPingTimeout
	ErrConnectionClosed = correlation.ErrConnectionClosed
	ErrCanceled         = correlation.ErrCanceled
)

// PeerError carries a failure reported by the server for one request.
type PeerError = correlation.PeerError

// Message is one entry of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one chat completion.
type ChatRequest struct {
	// Model to use. Falls back to the client's default model when empty.
	Model string

	// Messages is the conversation so far.
	Messages []Message

	// Temperature and MaxTokens are optional sampling parameters.
	Temperature *float64
	MaxTokens   *int

	// Extra holds free-form provider parameters flattened into the request
	// frame (top_p, stop, user, ...).
	Extra map[string]any
}

// Client is a LiteLLM WebSocket client. It is safe for concurrent use.
type Client struct {
	transport    *transport.WebSocket
	engine       *correlation.Engine
	logger       *slog.Logger
	defaultModel string
}

type options struct {
	apiKey           string
	pingTimeout      time.Duration
	handshakeTimeout time.Duration
	logger           *slog.Logger
	defaultModel     string
}

// Option configures the client.
type Option func(*options)

// WithAPIKey sets the bearer token sent during the handshake.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithPingTimeout sets how long Ping waits for the server's pong.
// Default: 5s.
func WithPingTimeout(d time.Duration) Option {
	return func(o *options) { o.pingTimeout = d }
}

// WithHandshakeTimeout bounds the WebSocket opening handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDefaultModel sets the model used when a request leaves Model empty.
func WithDefaultModel(model string) Option {
	return func(o *options) { o.defaultModel = model }
}

// Connect dials the endpoint and returns a ready client.
// url may use a ws, wss, http or https scheme.
func Connect(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		logger:       o.logger,
		defaultModel: o.defaultModel,
	}

	var tOpts []transport.WebSocketOption
	if o.apiKey != "" {
		tOpts = append(tOpts, transport.WithAPIKey(o.apiKey))
	}
	if o.handshakeTimeout > 0 {
		tOpts = append(tOpts, transport.WithHandshakeTimeout(o.handshakeTimeout))
	}
	tOpts = append(tOpts, transport.WithLogger(o.logger))

	c.transport = transport.NewWebSocket(url, transport.Callbacks{
		OnMessage: c.handleMessage,
		OnError: func(err error) {
			c.logger.Warn("connection error", "error", err)
		},
		OnClose: func(err error) {
			// Reject everything still pending; leaving callers blocked on a
			// dead connection is never useful.
			c.engine.Shutdown(err)
		},
	}, tOpts...)

	var eOpts []correlation.Option
	if o.pingTimeout > 0 {
		eOpts = append(eOpts, correlation.WithPingTimeout(o.pingTimeout))
	}
	eOpts = append(eOpts, correlation.WithLogger(o.logger))
	c.engine = correlation.New(c.transport, eOpts...)

	if err := c.transport.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Complete sends a non-streaming chat completion and returns the
// assistant's message content. When the response payload carries no
// message content, the raw payload JSON is returned instead.
//
// Cancelling ctx abandons the exchange locally; the server is not told.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	call, err := c.engine.Issue(c.buildRequest(req, false), nil)
	if err != nil {
		return "", err
	}
	return c.await(ctx, call)
}

// Stream sends a streaming chat completion. onDelta, when non-nil, is
// invoked once per text fragment in arrival order; the return value is the
// concatenation of all fragments.
//
// onDelta runs on the connection's read goroutine: it must not block, or
// it stalls frame delivery for every exchange on this connection.
func (c *Client) Stream(ctx context.Context, req ChatRequest, onDelta func(delta string)) (string, error) {
	call, err := c.engine.Issue(c.buildRequest(req, true), onDelta)
	if err != nil {
		return "", err
	}
	return c.await(ctx, call)
}

// Ping sends a heartbeat and waits for the pong. It fails with
// ErrPingTimeout when the server does not answer within the ping timeout.
func (c *Client) Ping(ctx context.Context) error {
	call, err := c.engine.Heartbeat()
	if err != nil {
		return err
	}
	_, err = c.await(ctx, call)
	return err
}

// Pending reports the number of in-flight exchanges.
func (c *Client) Pending() int {
	return c.engine.Pending()
}

// Close tears down the connection. Pending calls fail with
// ErrConnectionClosed.
func (c *Client) Close() error {
	err := c.transport.Close()
	// The read loop's OnClose also shuts the engine down, but do it here
	// too so pending calls fail even if the loop never ran.
	c.engine.Shutdown(nil)
	return err
}

func (c *Client) buildRequest(req ChatRequest, stream bool) wire.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	messages := make([]wire.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = wire.Message{Role: m.Role, Content: m.Content}
	}
	return wire.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Stream:      stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Extra:       req.Extra,
	}
}

// await blocks until the call settles or ctx is done. Context cancellation
// abandons the exchange locally.
func (c *Client) await(ctx context.Context, call *correlation.Call) (string, error) {
	select {
	case <-call.Done:
		return call.Result(), call.Err()
	case <-ctx.Done():
		c.engine.Cancel(call)
		return "", fmt.Errorf("await response: %w", ctx.Err())
	}
}

// handleMessage decodes an inbound frame and hands it to the engine.
// Undecodable frames are dropped; they cannot be routed anywhere.
func (c *Client) handleMessage(data []byte) {
	frame, err := wire.ParseFrame(data)
	if err != nil {
		c.logger.Debug("dropping undecodable frame", "error", err)
		return
	}
	c.engine.HandleFrame(frame)
}
