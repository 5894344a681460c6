package bus

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRedisTransportIntegration(t *testing.T) {
	redisURL := strings.TrimSpace(os.Getenv("WORDSTREAM_TEST_REDIS_URL"))
	if redisURL == "" {
		t.Skip("WORDSTREAM_TEST_REDIS_URL not set")
	}
	channel := "wordstream:bus:test:" + uuid.NewString()

	sender, err := NewRedisTransport(redisURL, channel, nil)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	defer sender.Close()
	receiver, err := NewRedisTransport(redisURL, channel, nil)
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}
	defer receiver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sender.Send(ctx, Event{ID: "lonely"}); !errors.Is(err, ErrNoReceiver) {
		t.Fatalf("expected no receiver before subscribing, got %v", err)
	}

	events, err := receiver.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// A context's own subscription does not count as a receiver.
	if err := receiver.Send(ctx, Event{ID: "self"}); !errors.Is(err, ErrNoReceiver) {
		t.Fatalf("expected own subscription to be ignored, got %v", err)
	}
	<-events

	if err := sender.Send(ctx, Event{ID: "e1", Type: EventVocabularyChanged, Origin: "sender"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case event := <-events:
		if event.ID != "e1" || event.Origin != "sender" {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-ctx.Done():
		t.Fatalf("receiver did not get the event")
	}
}
