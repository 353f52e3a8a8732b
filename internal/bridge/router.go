package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cue-voice-lab/internal/logging"
	"github.com/cue-voice-lab/internal/metrics"
)

var (
	ErrNoRoute        = errors.New("bridge: no route to context")
	ErrRequestTimeout = errors.New("bridge: request timed out")
)

// Handler processes one inbound message. Handlers of one Endpoint run one at
// a time in arrival order.
type Handler func(ctx context.Context, msg *Message)

// Deliverer accepts messages addressed to a context. Local endpoints and
// websocket links both implement it.
type Deliverer interface {
	Deliver(ctx context.Context, msg *Message) error
}

// Router maps context names to deliverers.
type Router struct {
	metrics *metrics.Metrics

	mu     sync.RWMutex
	routes map[Context]Deliverer
}

func NewRouter(m *metrics.Metrics) *Router {
	return &Router{metrics: m, routes: make(map[Context]Deliverer)}
}

// Attach routes name to d, replacing any previous route.
func (r *Router) Attach(name Context, d Deliverer) {
	r.mu.Lock()
	r.routes[name] = d
	r.mu.Unlock()
	logging.Debugw("bridge: route attached", "context", string(name))
}

// Detach removes the route for name if it still points at d.
func (r *Router) Detach(name Context, d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.routes[name]; ok && cur == d {
		delete(r.routes, name)
	}
}

// Routes lists the reachable contexts.
func (r *Router) Routes() []Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Context, 0, len(r.routes))
	for c := range r.routes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send hands msg to the deliverer for msg.Target.
func (r *Router) Send(ctx context.Context, msg *Message) error {
	r.mu.RLock()
	d := r.routes[msg.Target]
	r.mu.RUnlock()
	if d == nil {
		r.metrics.MessageDropped(string(msg.Target))
		return fmt.Errorf("%w: %q", ErrNoRoute, msg.Target)
	}
	r.metrics.MessageRouted(string(msg.Type))
	logging.Debugw("bridge: route", "msg", Dump(msg))
	if err := d.Deliver(ctx, msg); err != nil {
		r.metrics.MessageDropped(string(msg.Target))
		return fmt.Errorf("bridge: deliver %s to %s: %w", msg.Type, msg.Target, err)
	}
	return nil
}

// Endpoint is a context's mailbox on a Router.
type Endpoint struct {
	name    Context
	router  *Router
	inbox   chan *Message
	handler Handler
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan Ack
}

// EndpointOptions tune a mailbox.
type EndpointOptions struct {
	InboxSize      int
	RequestTimeout time.Duration
}

// NewEndpoint attaches a mailbox named name to r. Messages are handled once
// Run is called.
func (r *Router) NewEndpoint(name Context, h Handler, opts EndpointOptions) *Endpoint {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	e := &Endpoint{
		name:    name,
		router:  r,
		inbox:   make(chan *Message, opts.InboxSize),
		handler: h,
		timeout: opts.RequestTimeout,
		pending: make(map[string]chan Ack),
	}
	r.Attach(name, e)
	return e
}

func (e *Endpoint) Name() Context { return e.name }

// Deliver queues msg. ACKs bypass the queue and wake the waiting Request so a
// handler may block on a request without stalling its own mailbox.
func (e *Endpoint) Deliver(ctx context.Context, msg *Message) error {
	if msg.Type == TypeAck {
		e.resolve(msg)
		return nil
	}
	select {
	case e.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes the mailbox until ctx is done.
func (e *Endpoint) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-e.inbox:
			e.handler(ctx, msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close detaches the endpoint from its router.
func (e *Endpoint) Close() { e.router.Detach(e.name, e) }

// Send posts a fire-and-forget message.
func (e *Endpoint) Send(ctx context.Context, t MessageType, target Context, payload any) error {
	msg, err := NewMessage(t, e.name, target, payload)
	if err != nil {
		return err
	}
	return e.router.Send(ctx, msg)
}

// Request posts a message and waits for the matching ACK.
func (e *Endpoint) Request(ctx context.Context, t MessageType, target Context, payload any) (Ack, error) {
	msg, err := NewMessage(t, e.name, target, payload)
	if err != nil {
		return Ack{}, err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	ch := make(chan Ack, 1)
	e.mu.Lock()
	e.pending[msg.ID] = ch
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, msg.ID)
		e.mu.Unlock()
	}()

	if err := e.router.Send(ctx, msg); err != nil {
		return Ack{}, err
	}
	select {
	case ack := <-ch:
		return ack, nil
	case <-ctx.Done():
		return Ack{}, fmt.Errorf("%w: %s to %s: %v", ErrRequestTimeout, t, target, ctx.Err())
	}
}

// Reply answers req with ack.
func (e *Endpoint) Reply(ctx context.Context, req *Message, ack Ack) error {
	msg, err := NewMessage(TypeAck, e.name, req.From, ack)
	if err != nil {
		return err
	}
	msg.ReplyTo = req.ID
	return e.router.Send(ctx, msg)
}

func (e *Endpoint) resolve(msg *Message) {
	e.mu.Lock()
	ch := e.pending[msg.ReplyTo]
	e.mu.Unlock()
	if ch == nil {
		logging.Debugw("bridge: ack without waiter", logging.MessageFields(msg.ID, string(msg.Type), string(msg.From), string(msg.Target))...)
		return
	}
	var ack Ack
	if err := msg.Decode(&ack); err != nil {
		ack = AckErr(err)
	}
	select {
	case ch <- ack:
	default:
	}
}
