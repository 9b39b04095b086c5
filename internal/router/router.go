// Package router dispatches typed events between local handlers and the
// transport. All handlers of one Router run on a single goroutine.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/elmops/elm/internal/metrics"
	"github.com/elmops/elm/internal/network"
	"github.com/elmops/elm/internal/proto"
)

var ErrClosed = errors.New("router closed")

// Event is a decoded frame as seen by handlers.
type Event struct {
	Type    proto.EventType
	Payload json.RawMessage
	Meta    proto.Meta
	// From is the transport peer the frame arrived on. Empty for events
	// that originated locally.
	From string
}

func (e Event) Local() bool {
	return e.From == ""
}

// Frame rebuilds the wire frame of e.
func (e Event) Frame() proto.Frame {
	meta := e.Meta
	return proto.Frame{Type: e.Type, Payload: e.Payload, Meta: &meta}
}

type Handler func(Event)

type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   func() time.Time
}

type subscription struct {
	id uint64
	fn Handler
}

type Router struct {
	transport network.Transport
	logger    *zap.Logger
	metrics   *metrics.Metrics
	clock     func() time.Time
	box       *mailbox

	mu       sync.Mutex
	nextID   uint64
	handlers map[proto.EventType][]subscription
	peerFn   func(network.PeerEvent)
}

// New attaches a router to t. The router replaces t's message and peer
// handlers.
func New(t network.Transport, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	r := &Router{
		transport: t,
		logger:    opts.Logger.Named("router"),
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		box:       newMailbox(),
		handlers:  make(map[proto.EventType][]subscription),
	}
	t.OnMessage(r.receive)
	t.OnPeer(func(ev network.PeerEvent) {
		r.box.put(func() {
			r.mu.Lock()
			fn := r.peerFn
			r.mu.Unlock()
			if fn != nil {
				r.safeCall("peer "+ev.Kind.String(), func() { fn(ev) })
			}
		})
	})
	return r
}

func (r *Router) Transport() network.Transport {
	return r.transport
}

// On registers h for events of type t and returns a function that removes
// exactly this registration.
func (r *Router) On(t proto.EventType, h Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[t] = append(r.handlers[t], subscription{id: id, fn: h})
	r.mu.Unlock()
	return func() { r.remove(t, id) }
}

// Off removes every handler registered for t.
func (r *Router) Off(t proto.EventType) {
	r.mu.Lock()
	delete(r.handlers, t)
	r.mu.Unlock()
}

func (r *Router) remove(t proto.EventType, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.handlers[t]
	for i, s := range subs {
		if s.id == id {
			r.handlers[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// OnPeer installs the handler for transport peer events. It runs on the
// router goroutine like every event handler.
func (r *Router) OnPeer(fn func(network.PeerEvent)) {
	r.mu.Lock()
	r.peerFn = fn
	r.mu.Unlock()
}

// Emit delivers f to local handlers and sends it over the transport.
func (r *Router) Emit(ctx context.Context, f proto.Frame) error {
	data, ev, err := r.encode(f, "")
	if err != nil {
		return err
	}
	r.deliver(ev)
	return r.transport.Send(ctx, data)
}

// EmitTo sends f to one peer only. It is never delivered locally.
func (r *Router) EmitTo(ctx context.Context, target string, f proto.Frame) error {
	data, _, err := r.encode(f, target)
	if err != nil {
		return err
	}
	return r.transport.SendTo(ctx, target, data)
}

// Inject delivers f to local handlers only.
func (r *Router) Inject(f proto.Frame) error {
	_, ev, err := r.encode(f, "")
	if err != nil {
		return err
	}
	r.deliver(ev)
	return nil
}

// Do runs fn on the router goroutine, serialized with event handlers.
func (r *Router) Do(fn func()) error {
	if !r.box.put(func() { r.safeCall("task", fn) }) {
		return ErrClosed
	}
	return nil
}

// Run runs fn on the router goroutine and waits for it. It must not be
// called from a handler.
func (r *Router) Run(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !r.box.put(func() {
		defer close(done)
		r.safeCall("task", fn)
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.box.done:
		return ErrClosed
	}
}

// Close stops dispatch. Pending events are dropped. The transport is left
// to its owner.
func (r *Router) Close() {
	r.box.close()
	r.transport.OnMessage(nil)
	r.transport.OnPeer(nil)
}

func (r *Router) encode(f proto.Frame, target string) ([]byte, Event, error) {
	if !f.Type.Known() {
		return nil, Event{}, fmt.Errorf("emit %q: unknown event type", f.Type)
	}
	meta := proto.Meta{
		Timestamp: r.clock().UnixMilli(),
		Sender:    r.transport.LocalID(),
		Target:    target,
	}
	f.Meta = &meta
	data, err := proto.EncodeFrameJSON(f)
	if err != nil {
		return nil, Event{}, err
	}
	return data, Event{Type: f.Type, Payload: f.Payload, Meta: meta}, nil
}

func (r *Router) receive(msg network.Message) {
	r.metrics.IncFrameReceived()
	f, err := proto.DecodeFrameJSON(msg.Data)
	if err != nil {
		r.metrics.IncFrameRejected()
		r.logger.Warn("dropping malformed frame", zap.String("from", msg.From), zap.Int("bytes", len(msg.Data)), zap.Error(err))
		return
	}
	ev := Event{Type: f.Type, Payload: f.Payload, From: msg.From}
	if f.Meta != nil {
		ev.Meta = *f.Meta
	}
	if ev.Meta.Target != "" && ev.Meta.Target != r.transport.LocalID() {
		r.logger.Debug("dropping frame for another target", zap.String("target", ev.Meta.Target), zap.Stringer("type", ev.Type))
		return
	}
	r.deliver(ev)
}

func (r *Router) deliver(ev Event) {
	r.box.put(func() { r.dispatch(ev) })
}

func (r *Router) dispatch(ev Event) {
	r.mu.Lock()
	subs := append([]subscription(nil), r.handlers[ev.Type]...)
	r.mu.Unlock()
	if len(subs) == 0 {
		r.logger.Debug("no handler", zap.Stringer("type", ev.Type), zap.String("from", ev.From))
		return
	}
	for _, s := range subs {
		r.safeCall(string(ev.Type), func() { s.fn(ev) })
	}
}

func (r *Router) safeCall(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.IncHandlerPanic()
			r.logger.Error("handler panicked", zap.String("handler", what), zap.Any("panic", rec))
		}
	}()
	fn()
}
