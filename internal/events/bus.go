package events

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 32

	// EventTypeStateTransition identifies harness lifecycle transitions.
	EventTypeStateTransition = "StateTransition"
	// EventTypeServerStarted identifies a successfully spawned server.
	EventTypeServerStarted = "ServerStarted"
	// EventTypeServerTerminated identifies a server torn down by Close.
	EventTypeServerTerminated = "ServerTerminated"
	// EventTypeLaunchFailed identifies an aborted harness construction.
	EventTypeLaunchFailed = "LaunchFailed"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// Event is one harness lifecycle notification.
type Event struct {
	Type      string
	Timestamp time.Time
	PID       int
	Port      int
	Payload   any
	Severity  string
}

// Handler consumes a published event.
type Handler func(Event)

// Bus defines event subscription and publish behavior.
type Bus interface {
	Subscribe(eventType string, handler Handler)
	SubscribeAll(handler Handler)
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures the logger used for dropped-event warnings.
func WithLogger(logger *log.Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is an in-process pub/sub bus. Each subscriber drains its own
// buffered channel; a full channel drops the event rather than blocking Publish.
type InMemoryBus struct {
	mu         sync.RWMutex
	bufferSize int
	logger     *log.Logger
	typedSubs  map[string][]chan Event
	allSubs    []chan Event
	closed     bool
}

// New creates an in-memory event bus.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.New(io.Discard),
		typedSubs:  make(map[string][]chan Event),
	}
	for _, option := range options {
		if option != nil {
			option(bus)
		}
	}
	return bus
}

// Subscribe registers a handler for one event type.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" || handler == nil {
		return
	}
	ch := make(chan Event, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.typedSubs[eventType] = append(b.typedSubs[eventType], ch)
	b.mu.Unlock()

	go consume(ch, handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *InMemoryBus) SubscribeAll(handler Handler) {
	if handler == nil {
		return
	}
	ch := make(chan Event, b.bufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.allSubs = append(b.allSubs, ch)
	b.mu.Unlock()

	go consume(ch, handler)
}

// Publish delivers event to matching subscribers without blocking.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.typedSubs[strings.TrimSpace(event.Type)] {
		b.deliver(ch, event)
	}
	for _, ch := range b.allSubs {
		b.deliver(ch, event)
	}
}

// Close stops delivery and lets subscriber goroutines exit once drained.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.typedSubs {
		for _, ch := range subs {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}

func (b *InMemoryBus) deliver(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.logger.Warn("dropping harness event", "type", event.Type, "pid", event.PID)
	}
}

func consume(ch <-chan Event, handler Handler) {
	for event := range ch {
		handler(event)
	}
}

var _ Bus = (*InMemoryBus)(nil)
