package drm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// EventKind identifies a gatekeeper event
type EventKind int

const (
	EventLicenseRequested EventKind = iota
	EventLicenseGranted
	EventLicenseDenied
	EventViolationDetected
	EventPlaybackBlocked
	EventPlaybackAllowed
	EventPlayLimitWarning
)

var eventNames = [...]string{
	EventLicenseRequested:  "licenseRequested",
	EventLicenseGranted:    "licenseGranted",
	EventLicenseDenied:     "licenseDenied",
	EventViolationDetected: "violationDetected",
	EventPlaybackBlocked:   "playbackBlocked",
	EventPlaybackAllowed:   "playbackAllowed",
	EventPlayLimitWarning:  "playLimitWarning",
}

// EventKinds lists every event kind in declaration order
func EventKinds() []EventKind {
	kinds := make([]EventKind, len(eventNames))
	for i := range eventNames {
		kinds[i] = EventKind(i)
	}
	return kinds
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventNames) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventNames[k]
}

// ParseEventKind resolves an event name such as "licenseGranted"
func ParseEventKind(name string) (EventKind, bool) {
	for i, n := range eventNames {
		if n == name {
			return EventKind(i), true
		}
	}
	return 0, false
}

// MarshalJSON encodes the kind by name
func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a kind name
func (k *EventKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	kind, ok := ParseEventKind(name)
	if !ok {
		return fmt.Errorf("unknown event kind %q", name)
	}
	*k = kind
	return nil
}

// Event is delivered to listeners
type Event struct {
	Kind      EventKind              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Listener handles an event. Listeners run synchronously on the emitting
// goroutine and must not block.
type Listener func(Event)

// ListenerID identifies a registration for Off
type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

// EventBus fans events out to listeners registered per kind. A panicking
// listener is recovered and logged; the remaining listeners still run.
type EventBus struct {
	mu        sync.RWMutex
	listeners map[EventKind][]registration
	any       []registration
	nextID    ListenerID
	logger    *slog.Logger
	now       func() time.Time
}

// NewEventBus creates an empty bus
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		listeners: make(map[EventKind][]registration),
		logger:    logger.With("component", "drm_events"),
		now:       time.Now,
	}
}

// On registers fn for kind
func (b *EventBus) On(kind EventKind, fn Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[kind] = append(b.listeners[kind], registration{id: b.nextID, fn: fn})
	return b.nextID
}

// OnAll registers fn for every kind
func (b *EventBus) OnAll(fn Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.any = append(b.any, registration{id: b.nextID, fn: fn})
	return b.nextID
}

// Off removes a registration. It reports whether one was removed.
func (b *EventBus) Off(id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if regs, ok := remove(b.any, id); ok {
		b.any = regs
		return true
	}
	for kind, regs := range b.listeners {
		if next, ok := remove(regs, id); ok {
			b.listeners[kind] = next
			return true
		}
	}
	return false
}

func remove(regs []registration, id ListenerID) ([]registration, bool) {
	for i, r := range regs {
		if r.id == id {
			next := make([]registration, 0, len(regs)-1)
			next = append(next, regs[:i]...)
			return append(next, regs[i+1:]...), true
		}
	}
	return regs, false
}

// ListenerCount returns how many listeners would receive kind
func (b *EventBus) ListenerCount(kind EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[kind]) + len(b.any)
}

// Emit delivers an event to kind's listeners and then to OnAll listeners
func (b *EventBus) Emit(ctx context.Context, kind EventKind, payload map[string]interface{}) {
	b.mu.RLock()
	regs := make([]registration, 0, len(b.listeners[kind])+len(b.any))
	regs = append(regs, b.listeners[kind]...)
	regs = append(regs, b.any...)
	b.mu.RUnlock()

	if len(regs) == 0 {
		return
	}

	ev := Event{Kind: kind, Timestamp: b.now(), Payload: payload}
	for _, r := range regs {
		b.dispatch(ctx, r, ev)
	}
}

func (b *EventBus) dispatch(ctx context.Context, r registration, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.ErrorContext(ctx, "event listener panicked",
				slog.String("event", ev.Kind.String()),
				slog.Uint64("listener_id", uint64(r.id)),
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	r.fn(ev)
}
