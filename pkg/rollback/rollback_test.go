package rollback

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetwarden/fleetwarden/pkg/hub"
	"github.com/fleetwarden/fleetwarden/pkg/snapshot"
)

type fakeBus struct {
	mu       sync.Mutex
	handlers map[hub.EventType]hub.Handler
	sent     []sentEvent
	sendErr  error
}

type sentEvent struct {
	nodeID string
	event  hub.EventType
	payload any
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[hub.EventType]hub.Handler)}
}

func (f *fakeBus) Send(ctx context.Context, nodeID string, eventType hub.EventType, payload any) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentEvent{nodeID: nodeID, event: eventType, payload: payload})
	f.mu.Unlock()
	return nil
}

func (f *fakeBus) On(eventType hub.EventType, h hub.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[eventType] = h
}

func (f *fakeBus) deliver(eventType hub.EventType, peerID string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[eventType]
	f.mu.Unlock()
	h("controller", hub.Envelope{Type: eventType, Payload: payload})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func extractRequestID(t *testing.T, sent []sentEvent) string {
	t.Helper()
	if len(sent) != 1 {
		t.Fatalf("expected 1 dispatched event, got %d", len(sent))
	}
	payload, ok := sent[0].payload.(map[string]any)
	if !ok {
		t.Fatalf("payload is %T, want map[string]any", sent[0].payload)
	}
	id, _ := payload["request_id"].(string)
	if id == "" {
		t.Fatal("expected a non-empty request_id")
	}
	return id
}

func TestCoordinator_RollbackSnapshot_Success(t *testing.T) {
	bus := newFakeBus()
	c := NewCoordinator(testLogger(), bus, nil)

	done := make(chan *snapshot.RollbackResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := c.RollbackSnapshot(context.Background(), "device-1", "snap-1", time.Second)
		done <- result
		errCh <- err
	}()

	// wait for the dispatch to land before replying, same race-avoidance
	// shape as pkg/group's completion tests.
	var sent []sentEvent
	for i := 0; i < 100; i++ {
		bus.mu.Lock()
		sent = append([]sentEvent(nil), bus.sent...)
		bus.mu.Unlock()
		if len(sent) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	requestID := extractRequestID(t, sent)

	bus.deliver(hub.EventRollbackResult, "device-1", []byte(
		`{"request_id":"`+requestID+`","snapshot_id":"snap-1","successes":1,"failures":0,"ok":true}`,
	))

	result := <-done
	if err := <-errCh; err != nil {
		t.Fatalf("RollbackSnapshot: %v", err)
	}
	if !result.OK {
		t.Error("expected OK rollback result")
	}
	if result.SnapshotID != "snap-1" {
		t.Errorf("SnapshotID = %q, want snap-1", result.SnapshotID)
	}
}

func TestCoordinator_RollbackSnapshot_Timeout(t *testing.T) {
	bus := newFakeBus()
	c := NewCoordinator(testLogger(), bus, nil)

	_, err := c.RollbackSnapshot(context.Background(), "device-1", "snap-1", 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestCoordinator_RollbackSnapshot_DispatchError(t *testing.T) {
	bus := newFakeBus()
	bus.sendErr = context.DeadlineExceeded
	c := NewCoordinator(testLogger(), bus, nil)

	_, err := c.RollbackSnapshot(context.Background(), "device-1", "snap-1", time.Second)
	if err == nil {
		t.Fatal("expected a dispatch error")
	}
}

func TestCoordinator_RollbackBatch_Success(t *testing.T) {
	bus := newFakeBus()
	c := NewCoordinator(testLogger(), bus, nil)

	done := make(chan *snapshot.BatchRollbackResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := c.RollbackBatch(context.Background(), "device-1", "batch-1", time.Second)
		done <- result
		errCh <- err
	}()

	var sent []sentEvent
	for i := 0; i < 100; i++ {
		bus.mu.Lock()
		sent = append([]sentEvent(nil), bus.sent...)
		bus.mu.Unlock()
		if len(sent) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	requestID := extractRequestID(t, sent)

	bus.deliver(hub.EventBatchRollbackResult, "device-1", []byte(
		`{"request_id":"`+requestID+`","batch_id":"batch-1","ok":true,"results":[]}`,
	))

	result := <-done
	if err := <-errCh; err != nil {
		t.Fatalf("RollbackBatch: %v", err)
	}
	if !result.OK {
		t.Error("expected OK batch rollback result")
	}
	if result.BatchID != "batch-1" {
		t.Errorf("BatchID = %q, want batch-1", result.BatchID)
	}
}

func TestCoordinator_DeliverForUnknownRequestIsIgnored(t *testing.T) {
	bus := newFakeBus()
	NewCoordinator(testLogger(), bus, nil)

	// No pending request registered; delivering a result must not panic or
	// block on a channel no one is reading from.
	bus.deliver(hub.EventRollbackResult, "device-1", []byte(
		`{"request_id":"unknown","snapshot_id":"snap-1","ok":true}`,
	))
}

func TestCoordinator_WrongResultShapeIsAnError(t *testing.T) {
	bus := newFakeBus()
	c := NewCoordinator(testLogger(), bus, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.RollbackSnapshot(context.Background(), "device-1", "snap-1", time.Second)
		done <- err
	}()

	var sent []sentEvent
	for i := 0; i < 100; i++ {
		bus.mu.Lock()
		sent = append([]sentEvent(nil), bus.sent...)
		bus.mu.Unlock()
		if len(sent) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	requestID := extractRequestID(t, sent)

	// Reply on the batch event even though a single rollback was requested.
	bus.deliver(hub.EventBatchRollbackResult, "device-1", []byte(
		`{"request_id":"`+requestID+`","batch_id":"b1","ok":true}`,
	))

	if err := <-done; err == nil {
		t.Fatal("expected an error when the reply shape does not match the request")
	}
}
