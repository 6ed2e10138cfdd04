package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/dictum/adapter"
)

func testEvent() *adapter.OutcomeEvent {
	return &adapter.OutcomeEvent{
		Version:         adapter.EventVersion,
		EventType:       adapter.EventConsultationCompleted,
		ConsultationID:  "c-001",
		SessionID:       "sess-001",
		Subject:         "Ana Pérez",
		Status:          "completed",
		AudioReference:  "s3://bucket/datasets/dictum/files/day=2026-03-01/session_id=sess-001/recording.webm",
		DurationSeconds: 65,
		Timestamp:       "2026-03-01T10:00:00Z",
	}
}

// asyncReceive starts a goroutine that reads one message from the subscriber
// and sends it to the returned channel. Must be called BEFORE Publish to avoid
// deadlocking miniredis's synchronous pub/sub delivery.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{}
	}
}

func TestPublish_Success(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannel)
	ch := asyncReceive(sub)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := waitMessage(t, ch)
	if msg.Channel != DefaultChannel {
		t.Errorf("channel = %q, want %q", msg.Channel, DefaultChannel)
	}

	var received adapter.OutcomeEvent
	if err := json.Unmarshal([]byte(msg.Message), &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.ConsultationID != "c-001" || received.Status != "completed" {
		t.Errorf("received %+v", received)
	}

	if mr.Exists("dictum:consultation:c-001") {
		t.Error("status key written without KeyPrefix")
	}
}

func TestPublish_StatusKey(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{
		URL:       "redis://" + mr.Addr(),
		Channel:   "custom:outcomes",
		KeyPrefix: "dictum:consultation:",
		KeyTTL:    time.Hour,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	sub := mr.NewSubscriber()
	sub.Subscribe("custom:outcomes")
	ch := asyncReceive(sub)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if msg := waitMessage(t, ch); msg.Channel != "custom:outcomes" {
		t.Errorf("channel = %q", msg.Channel)
	}

	stored, err := mr.Get("dictum:consultation:c-001")
	if err != nil {
		t.Fatalf("get status key: %v", err)
	}
	var ev adapter.OutcomeEvent
	if err := json.Unmarshal([]byte(stored), &ev); err != nil || ev.SessionID != "sess-001" {
		t.Errorf("stored = %q (%v)", stored, err)
	}
	if ttl := mr.TTL("dictum:consultation:c-001"); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}
}

func TestPublish_ExhaustsRetries(t *testing.T) {
	a, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 2, Timeout: 100 * time.Millisecond, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	if err := a.Publish(t.Context(), testEvent()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	a, err := New(Config{URL: "redis://127.0.0.1:1", Retries: 5, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := New(Config{URL: "not-a-redis-url"}); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = a.Close() }()

	if a.config.Channel != DefaultChannel || a.config.Timeout != DefaultTimeout ||
		a.config.Retries != DefaultRetries || a.config.Backoff != DefaultBackoff {
		t.Errorf("config = %+v", a.config)
	}

	b, err := New(Config{URL: "redis://" + mr.Addr(), Retries: -1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = b.Close() }()
	if b.config.Retries != 0 {
		t.Errorf("negative retries = %d, want 0", b.config.Retries)
	}
}

func TestClose_ClosesConnection(t *testing.T) {
	mr := miniredis.RunT(t)

	a, err := New(Config{URL: "redis://" + mr.Addr(), Retries: -1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Publish(t.Context(), testEvent()); err == nil {
		t.Fatal("expected error after close")
	}
}
