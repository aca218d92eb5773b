package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// HandlerFunc reacts to one inbound message. Handlers run on the Run
// goroutine, one at a time, in arrival order.
type HandlerFunc func(ctx context.Context, m Message)

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// WithName labels log lines, e.g. "host" or "surface".
func WithName(name string) Option {
	return func(e *Endpoint) { e.name = name }
}

// Endpoint is one side of the bridge: it encodes and posts outbound
// messages and dispatches inbound ones to registered handlers.
type Endpoint struct {
	t      Transport
	name   string
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[Kind]HandlerFunc

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
}

// NewEndpoint wraps a transport.
func NewEndpoint(t Transport, opts ...Option) *Endpoint {
	e := &Endpoint{
		t:        t,
		name:     "bridge",
		handlers: make(map[Kind]HandlerFunc),
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("endpoint", e.name)
	return e
}

// Handle registers h for kind, replacing any previous handler.
func (e *Endpoint) Handle(kind Kind, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = h
}

// Post encodes and sends m. Delivery failures are logged and counted, never
// returned: the other side recovers from the next HistoryUpdate or push.
func (e *Endpoint) Post(ctx context.Context, m Message) {
	frame, err := Encode(m)
	if err != nil {
		e.dropped.Add(1)
		e.logger.Error("bridge: encode failed", "type", m.Kind(), "error", err)
		return
	}
	if err := e.t.Send(ctx, frame); err != nil {
		e.dropped.Add(1)
		e.logger.Debug("bridge: message dropped", "type", m.Kind(), "error", err)
		return
	}
	e.sent.Add(1)
}

// Run receives and dispatches until ctx is cancelled or the transport
// closes. Undecodable frames are logged and skipped.
func (e *Endpoint) Run(ctx context.Context) error {
	for {
		frame, err := e.t.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		e.received.Add(1)

		m, err := Decode(frame)
		if err != nil {
			e.logger.Warn("bridge: bad frame", "error", err, "size", len(frame))
			continue
		}

		e.mu.RLock()
		h := e.handlers[m.Kind()]
		e.mu.RUnlock()
		if h == nil {
			e.logger.Debug("bridge: no handler", "type", m.Kind())
			continue
		}
		h(ctx, m)
	}
}

// Close closes the underlying transport.
func (e *Endpoint) Close() error { return e.t.Close() }

// Stats reports frame counters.
type Stats struct {
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
	Dropped  int64 `json:"dropped"`
}

// Stats returns the current counters.
func (e *Endpoint) Stats() Stats {
	return Stats{
		Sent:     e.sent.Load(),
		Received: e.received.Load(),
		Dropped:  e.dropped.Load(),
	}
}
