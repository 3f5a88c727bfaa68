// Package bus implements the message bus: a single host-side receiver
// multiplexing two protocols. Request/response actions are dispatched by
// name to a registered handler; broadcast events fan out to every
// subscriber of a type, plus wildcard subscribers.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pharrisenterprises/sammy-sub004/internal/logging"
)

// Message is the action-protocol request envelope.
type Message struct {
	Action  string
	Payload any
}

// Response is the action-protocol reply envelope.
type Response struct {
	Success bool
	Data    any
	Error   string
	ID      int
	TabID   int
}

// OutcomeKind tags how a Handler's result should be dispatched: an
// immediate response, or a future the bus awaits and resolves exactly once.
type OutcomeKind int

const (
	// KindSync: Response is populated immediately.
	KindSync OutcomeKind = iota
	// KindPending: the bus awaits Future for the eventual Response.
	KindPending
)

// HandlerOutcome is what a Handler returns.
type HandlerOutcome struct {
	Kind     OutcomeKind
	Response Response
	Future   <-chan Response
}

// Sync wraps an immediate response.
func Sync(r Response) HandlerOutcome { return HandlerOutcome{Kind: KindSync, Response: r} }

// Pending wraps a future response the bus should await.
func Pending(ch <-chan Response) HandlerOutcome { return HandlerOutcome{Kind: KindPending, Future: ch} }

// Handler answers one action-protocol request. A handler that needs to do
// asynchronous work returns Pending(ch) and resolves ch exactly once.
type Handler func(ctx context.Context, payload any) HandlerOutcome

// BroadcastMessage is the broadcast-protocol envelope.
type BroadcastMessage struct {
	Type string
	Data any
}

type subscriber struct {
	id       int
	eventType string // "*" subscribers are kept in the wildcard bucket
	fn       func(BroadcastMessage)
}

// Bus is the single host-side receiver: one action dispatch table, one
// broadcast subscriber registry.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	subMu     sync.Mutex
	nextSubID int
	typed     map[string][]subscriber
	wildcard  []subscriber

	log *logging.Logger
}

// New constructs an empty Bus.
func New(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Nop()
	}
	return &Bus{
		handlers: make(map[string]Handler),
		typed:    make(map[string][]subscriber),
		log:      log,
	}
}

// RegisterHandler binds action to h. Registration is last-writer-wins; a
// second registration for the same action replaces the first and logs a
// warning.
func (b *Bus) RegisterHandler(action string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[action]; exists {
		b.log.Warn(logging.CategoryBus, "handler override", map[string]string{"action": action})
	}
	b.handlers[action] = h
}

// Dispatch routes msg to its handler and waits for the resolved Response.
// Invalid messages (empty Action) and unknown actions are answered directly
// without invoking any handler.
func (b *Bus) Dispatch(ctx context.Context, msg Message) Response {
	if msg.Action == "" {
		return Response{Success: false, Error: "Invalid message format"}
	}
	b.mu.RLock()
	h, ok := b.handlers[msg.Action]
	b.mu.RUnlock()
	if !ok {
		return Response{Success: false, Error: fmt.Sprintf("Unknown action: %s", msg.Action)}
	}

	outcome := b.invoke(ctx, h, msg.Payload)
	switch outcome.Kind {
	case KindSync:
		return outcome.Response
	case KindPending:
		select {
		case r, ok := <-outcome.Future:
			if !ok {
				return Response{Success: false, Error: "handler closed response channel without a value"}
			}
			return r
		case <-ctx.Done():
			return Response{Success: false, Error: ctx.Err().Error()}
		}
	default:
		return Response{Success: false, Error: "internal: unknown handler outcome kind"}
	}
}

// invoke calls h, converting a panic into a failure response. The panic is
// caught and logged; the handler stays registered.
func (b *Bus) invoke(ctx context.Context, h Handler, payload any) (outcome HandlerOutcome) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(logging.CategoryBus, "handler panicked", fmt.Sprintf("%v", r))
			outcome = Sync(Response{Success: false, Error: fmt.Sprintf("%v", r)})
		}
	}()
	return h(ctx, payload)
}

// Subscribe registers fn for eventType ("*" subscribes to every broadcast).
// Delivery order is registration order.
func (b *Bus) Subscribe(eventType string, fn func(BroadcastMessage)) func() {
	b.subMu.Lock()
	id := b.nextSubID
	b.nextSubID++
	sub := subscriber{id: id, eventType: eventType, fn: fn}
	if eventType == "*" {
		b.wildcard = append(b.wildcard, sub)
	} else {
		b.typed[eventType] = append(b.typed[eventType], sub)
	}
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		if eventType == "*" {
			b.wildcard = removeByID(b.wildcard, id)
		} else {
			b.typed[eventType] = removeByID(b.typed[eventType], id)
		}
	}
}

func removeByID(subs []subscriber, id int) []subscriber {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Broadcast delivers msg to every subscriber of msg.Type and every wildcard
// subscriber, in registration order. Subscriber panics are caught and
// logged; they never block other subscribers.
func (b *Bus) Broadcast(msg BroadcastMessage) {
	b.subMu.Lock()
	typed := append([]subscriber{}, b.typed[msg.Type]...)
	wild := append([]subscriber{}, b.wildcard...)
	b.subMu.Unlock()

	ordered := append(typed, wild...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].id < ordered[j].id })

	for _, sub := range ordered {
		b.deliver(sub, msg)
	}
}

func (b *Bus) deliver(sub subscriber, msg BroadcastMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(logging.CategoryBus, "broadcast subscriber panicked", fmt.Sprintf("%v", r))
		}
	}()
	sub.fn(msg)
}
