package bus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	frameEvent = "event"
	frameAck   = "ack"

	websocketWriteTimeout = 5 * time.Second
	websocketAckTimeout   = 5 * time.Second
)

// frame is the wire unit between WebsocketHub and WebsocketTransport. Events
// flow both ways; acks flow from the hub back to the sender.
type frame struct {
	Kind  string    `json:"kind"`
	Event *Event    `json:"event,omitempty"`
	Ack   *ackFrame `json:"ack,omitempty"`
}

type ackFrame struct {
	ID        string            `json:"id"`
	Delivered int               `json:"delivered"`
	Failed    map[string]string `json:"failed,omitempty"`
}

func (a ackFrame) err() error {
	if len(a.Failed) > 0 {
		failures := make(map[string]error, len(a.Failed))
		for origin, message := range a.Failed {
			failures[origin] = errors.New(message)
		}
		return &DeliveryError{Failures: failures}
	}
	if a.Delivered == 0 {
		return ErrNoReceiver
	}
	return nil
}

// WebsocketHub is the long-lived relay other contexts connect to. It forwards
// every event to all other connected contexts and is itself a Transport, so
// the process running it can take part in the bus.
type WebsocketHub struct {
	origin string
	logger Logger

	mu        sync.RWMutex
	clients   map[string]*websocket.Conn
	local     chan Event
	listening atomic.Bool
}

func NewWebsocketHub(origin string, logger Logger) *WebsocketHub {
	return &WebsocketHub{
		origin:  origin,
		logger:  logger,
		clients: map[string]*websocket.Conn{},
		local:   make(chan Event, defaultHubBuffer),
	}
}

// ServeHTTP accepts a context connection. The caller names itself with the
// origin query parameter.
func (h *WebsocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := strings.TrimSpace(r.URL.Query().Get("origin"))
	if origin == "" {
		http.Error(w, "origin query parameter is required", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logf("bus: websocket accept failed for %s: %v", origin, err)
		return
	}
	h.mu.Lock()
	if previous, ok := h.clients[origin]; ok {
		_ = previous.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	}
	h.clients[origin] = conn
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		if h.clients[origin] == conn {
			delete(h.clients, origin)
		}
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		var in frame
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			return
		}
		if in.Kind != frameEvent || in.Event == nil {
			continue
		}
		ack := h.relay(ctx, origin, *in.Event)
		writeCtx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
		err := wsjson.Write(writeCtx, conn, frame{Kind: frameAck, Ack: &ack})
		cancel()
		if err != nil {
			return
		}
	}
}

// relay delivers event to every context except from, including the hub's own
// local listener, and reports each recipient's outcome.
func (h *WebsocketHub) relay(ctx context.Context, from string, event Event) ackFrame {
	ack := ackFrame{ID: event.ID}
	if from != h.origin && h.listening.Load() {
		select {
		case h.local <- event:
			ack.Delivered++
		default:
			ack.Failed = map[string]string{h.origin: ErrBufferFull.Error()}
		}
	}

	h.mu.RLock()
	recipients := make(map[string]*websocket.Conn, len(h.clients))
	for origin, conn := range h.clients {
		if origin != from {
			recipients[origin] = conn
		}
	}
	h.mu.RUnlock()

	for origin, conn := range recipients {
		writeCtx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
		err := wsjson.Write(writeCtx, conn, frame{Kind: frameEvent, Event: &event})
		cancel()
		if err != nil {
			h.logf("bus: relay %s to %s failed: %v", event.Type, origin, err)
			if ack.Failed == nil {
				ack.Failed = map[string]string{}
			}
			ack.Failed[origin] = err.Error()
			continue
		}
		ack.Delivered++
	}
	return ack
}

// Send broadcasts an event originating in the hub's own process.
func (h *WebsocketHub) Send(ctx context.Context, event Event) error {
	return h.relay(ctx, h.origin, event).err()
}

// Subscribe returns events sent by connected contexts. Until it is called
// the hub only relays.
func (h *WebsocketHub) Subscribe(context.Context) (<-chan Event, error) {
	h.listening.Store(true)
	return h.local, nil
}

// Clients returns the origins currently connected.
func (h *WebsocketHub) Clients() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for origin := range h.clients {
		out = append(out, origin)
	}
	return out
}

func (h *WebsocketHub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}

// WebsocketTransport connects one context to a WebsocketHub.
type WebsocketTransport struct {
	conn   *websocket.Conn
	logger Logger

	mu      sync.Mutex
	pending map[string]chan ackFrame
	events  chan Event
	done    chan struct{}
}

// DialWebsocket connects to the hub at hubURL (ws:// or wss://) as origin.
func DialWebsocket(ctx context.Context, hubURL, origin string, logger Logger) (*WebsocketTransport, error) {
	parsed, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub url: %w", err)
	}
	q := parsed.Query()
	q.Set("origin", origin)
	parsed.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	t := &WebsocketTransport{
		conn:    conn,
		logger:  logger,
		pending: map[string]chan ackFrame{},
		events:  make(chan Event, defaultHubBuffer),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *WebsocketTransport) readLoop() {
	defer close(t.done)
	defer close(t.events)
	for {
		var in frame
		if err := wsjson.Read(context.Background(), t.conn, &in); err != nil {
			return
		}
		switch in.Kind {
		case frameAck:
			if in.Ack == nil {
				continue
			}
			t.mu.Lock()
			waiter, ok := t.pending[in.Ack.ID]
			delete(t.pending, in.Ack.ID)
			t.mu.Unlock()
			if ok {
				waiter <- *in.Ack
			}
		case frameEvent:
			if in.Event == nil {
				continue
			}
			select {
			case t.events <- *in.Event:
			default:
				if t.logger != nil {
					t.logger.Printf("bus: dropping %s, listener buffer full", in.Event.Type)
				}
			}
		}
	}
}

// Send writes event to the hub and waits for its delivery report.
func (t *WebsocketTransport) Send(ctx context.Context, event Event) error {
	waiter := make(chan ackFrame, 1)
	t.mu.Lock()
	t.pending[event.ID] = waiter
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, event.ID)
		t.mu.Unlock()
	}()

	writeCtx, cancel := context.WithTimeout(ctx, websocketWriteTimeout)
	err := wsjson.Write(writeCtx, t.conn, frame{Kind: frameEvent, Event: &event})
	cancel()
	if err != nil {
		return err
	}

	timer := time.NewTimer(websocketAckTimeout)
	defer timer.Stop()
	select {
	case ack := <-waiter:
		return ack.err()
	case <-t.done:
		return errors.New("hub connection closed")
	case <-timer.C:
		return errors.New("timed out waiting for hub delivery report")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns events relayed by the hub. The channel closes when the
// connection does.
func (t *WebsocketTransport) Subscribe(context.Context) (<-chan Event, error) {
	return t.events, nil
}

func (t *WebsocketTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
