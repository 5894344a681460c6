// Package bus carries change notifications between execution contexts that
// share no memory.
//
// Delivery is best effort: no ordering, at most once, and a broadcast with no
// listener is not an error. Contexts that start late catch up by reading the
// snapshot persisted for each event type in the local store.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shavsss/wordstream/internal/localstore"
)

type EventType string

const (
	EventAuthChanged       EventType = "auth.changed"
	EventVocabularyChanged EventType = "vocabulary.changed"
	EventSyncCompleted     EventType = "sync.completed"
)

// SnapshotKeyPrefix prefixes the local store key holding the latest event of
// each type.
const SnapshotKeyPrefix = "bus_snapshot:"

var (
	ErrNoReceiver    = errors.New("no receiver")
	ErrBufferFull    = errors.New("receiver buffer full")
	ErrNotSubscribed = errors.New("transport does not support listening")
)

type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Origin    string          `json:"origin"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the event payload into out.
func (e Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, out)
}

// Transport sends an event to every other context. It returns ErrNoReceiver
// when nobody is listening and a *DeliveryError when some recipients failed.
type Transport interface {
	Send(ctx context.Context, event Event) error
}

// Subscriber is implemented by transports that can also receive.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// DeliveryError lists recipients a send could not reach, by origin.
type DeliveryError struct {
	Failures map[string]error
}

func (e *DeliveryError) Error() string {
	origins := make([]string, 0, len(e.Failures))
	for origin := range e.Failures {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	parts := make([]string, 0, len(origins))
	for _, origin := range origins {
		parts = append(parts, fmt.Sprintf("%s: %v", origin, e.Failures[origin]))
	}
	return "delivery failed for " + strings.Join(parts, "; ")
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Origin identifies this context; a random one is generated when empty.
	Origin    string
	Transport Transport
	// Store holds snapshots. Without it snapshots are disabled.
	Store  localstore.Store
	Logger Logger
	Now    func() time.Time
}

type Bus struct {
	origin    string
	transport Transport
	store     localstore.Store
	logger    Logger
	now       func() time.Time
}

func New(options Options) *Bus {
	origin := strings.TrimSpace(options.Origin)
	if origin == "" {
		origin = uuid.NewString()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Bus{
		origin:    origin,
		transport: options.Transport,
		store:     options.Store,
		logger:    options.Logger,
		now:       now,
	}
}

func (b *Bus) Origin() string {
	return b.origin
}

func (b *Bus) newEvent(eventType EventType, payload any) (Event, error) {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Origin:    b.origin,
		Timestamp: b.now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		event.Payload = raw
	}
	return event, nil
}

// Broadcast sends a fire-and-forget notification. Having no receiver is
// normal and silent; other failures are logged, never returned.
func (b *Bus) Broadcast(ctx context.Context, eventType EventType, payload any) {
	event, err := b.newEvent(eventType, payload)
	if err != nil {
		b.logf("bus: %v", err)
		return
	}
	b.send(ctx, event)
}

func (b *Bus) send(ctx context.Context, event Event) {
	if b.transport == nil {
		return
	}
	err := b.transport.Send(ctx, event)
	switch {
	case err == nil, errors.Is(err, ErrNoReceiver):
	default:
		b.logf("bus: broadcast %s failed: %v", event.Type, err)
	}
}

// PersistSnapshot records payload as the latest state for eventType, unless
// the stored snapshot is newer.
func (b *Bus) PersistSnapshot(ctx context.Context, eventType EventType, payload any) error {
	event, err := b.newEvent(eventType, payload)
	if err != nil {
		return err
	}
	return b.persist(ctx, event)
}

func (b *Bus) persist(ctx context.Context, event Event) error {
	if b.store == nil {
		return nil
	}
	current, found, err := b.ReadSnapshot(ctx, event.Type)
	if err != nil {
		return err
	}
	if found && current.Timestamp > event.Timestamp {
		return nil
	}
	return localstore.SetJSON(ctx, b.store, SnapshotKeyPrefix+string(event.Type), event)
}

// ReadSnapshot returns the latest persisted event of eventType.
func (b *Bus) ReadSnapshot(ctx context.Context, eventType EventType) (Event, bool, error) {
	if b.store == nil {
		return Event{}, false, nil
	}
	var event Event
	found, err := localstore.GetJSON(ctx, b.store, SnapshotKeyPrefix+string(eventType), &event)
	if err != nil || !found {
		return Event{}, false, err
	}
	return event, true, nil
}

// Publish persists the snapshot and then broadcasts the same event.
func (b *Bus) Publish(ctx context.Context, eventType EventType, payload any) error {
	event, err := b.newEvent(eventType, payload)
	if err != nil {
		return err
	}
	if err := b.persist(ctx, event); err != nil {
		return err
	}
	b.send(ctx, event)
	return nil
}

// Listen calls handler for each event from another origin until ctx is done
// or the transport closes its stream.
func (b *Bus) Listen(ctx context.Context, handler func(Event)) error {
	subscriber, ok := b.transport.(Subscriber)
	if !ok {
		return ErrNotSubscribed
	}
	events, err := subscriber.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if event.Origin == b.origin {
				continue
			}
			handler(event)
		}
	}
}

func (b *Bus) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}
