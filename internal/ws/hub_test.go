package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/statikk/internal/domain"
)

type fakeSubscriber struct {
	mu      sync.Mutex
	frames  chan []byte
	sendErr error
	closed  bool
	done    chan struct{}
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.mu.Lock()
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.frames <- payload
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
}

func (f *fakeSubscriber) Done() <-chan struct{} {
	return f.done
}

func (f *fakeSubscriber) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func expectFrame(t *testing.T, sub *fakeSubscriber) Frame {
	t.Helper()
	select {
	case payload := <-sub.frames:
		frame, err := DecodeFrame(payload)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return frame
	case <-time.After(time.Second):
		t.Fatal("expected frame")
	}
	return Frame{}
}

func expectNoFrame(t *testing.T, sub *fakeSubscriber) {
	t.Helper()
	select {
	case payload := <-sub.frames:
		t.Fatalf("unexpected frame %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubBroadcastScopedToProject(t *testing.T) {
	hub := NewHub(8, testLogger(), nil)
	defer hub.Close()
	a, b := newFakeSubscriber(), newFakeSubscriber()
	hub.Join("project-x", a)
	hub.Join("project-y", b)

	if !hub.BroadcastLog("project-x", []byte("compiling")) {
		t.Fatal("expected broadcast to be queued")
	}
	frame := expectFrame(t, a)
	if frame.Event != EventLiveLogs {
		t.Fatalf("expected live-logs, got %s", frame.Event)
	}
	var data LogData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Project != "project-x" || data.Message != "compiling" {
		t.Fatalf("unexpected data %+v", data)
	}
	expectNoFrame(t, b)
}

func TestHubJoinReplacesPreviousProject(t *testing.T) {
	hub := NewHub(8, testLogger(), nil)
	defer hub.Close()
	sub := newFakeSubscriber()
	hub.Join("first", sub)
	hub.Join("second", sub)

	if n := hub.Subscribers("first"); n != 0 {
		t.Fatalf("expected first project to be empty, got %d", n)
	}
	if n := hub.Subscribers("second"); n != 1 {
		t.Fatalf("expected one subscriber on second project, got %d", n)
	}
	hub.BroadcastLog("first", []byte("old"))
	expectNoFrame(t, sub)
}

func TestHubLeaveAndRemove(t *testing.T) {
	hub := NewHub(8, testLogger(), nil)
	defer hub.Close()
	sub := newFakeSubscriber()
	hub.Join("p", sub)
	hub.Leave(sub)
	if n := hub.Subscribers("p"); n != 0 {
		t.Fatalf("expected no subscribers after leave, got %d", n)
	}
	if sub.isClosed() {
		t.Fatal("leave must not close the subscriber")
	}
	hub.Join("p", sub)
	hub.Remove(sub)
	if !sub.isClosed() {
		t.Fatal("remove must close the subscriber")
	}
	if n := hub.Subscribers("p"); n != 0 {
		t.Fatalf("expected no subscribers after remove, got %d", n)
	}
}

func TestHubBroadcastStatusFrame(t *testing.T) {
	hub := NewHub(8, testLogger(), nil)
	defer hub.Close()
	sub := newFakeSubscriber()
	hub.Join("p", sub)
	hub.BroadcastStatus(domain.Build{ID: "b1", ProjectID: "p", Stage: domain.StageSucceeded})
	frame := expectFrame(t, sub)
	var data StatusData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if frame.Event != EventBuildStatus || data.Build != "b1" || data.Stage != "SUCCEEDED" {
		t.Fatalf("unexpected frame %s %+v", frame.Event, data)
	}
}

func TestHubKeepsLaggingSubscriber(t *testing.T) {
	hub := NewHub(8, testLogger(), nil)
	defer hub.Close()
	sub := newFakeSubscriber()
	sub.sendErr = ErrBackpressure
	hub.Join("p", sub)
	hub.BroadcastLog("p", []byte("dropped"))
	// Subscribers is served by the same loop, so the broadcast has been handled.
	if n := hub.Subscribers("p"); n != 1 {
		t.Fatalf("lagging subscriber must stay registered, got %d", n)
	}
	if sub.isClosed() {
		t.Fatal("lagging subscriber must not be closed")
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub(8, testLogger(), nil)
	defer hub.Close()
	sub := newFakeSubscriber()
	sub.sendErr = errors.New("broken pipe")
	hub.Join("p", sub)
	hub.BroadcastLog("p", []byte("x"))
	if n := hub.Subscribers("p"); n != 0 {
		t.Fatalf("failing subscriber must be removed, got %d", n)
	}
	if !sub.isClosed() {
		t.Fatal("failing subscriber must be closed")
	}
}

func TestHubBroadcastDoesNotBlockWhenFull(t *testing.T) {
	// No run loop: the queue never drains.
	hub := &Hub{
		broadcast: make(chan message, 1),
		done:      make(chan struct{}),
		logger:    testLogger(),
	}
	if !hub.Broadcast("p", []byte("1")) {
		t.Fatal("first broadcast should fit")
	}
	done := make(chan bool)
	go func() { done <- hub.Broadcast("p", []byte("2")) }()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected full queue to drop the frame")
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full queue")
	}
}

func TestHubClosedRejectsBroadcast(t *testing.T) {
	hub := NewHub(1, testLogger(), nil)
	hub.Close()
	if hub.Broadcast("p", []byte("x")) {
		t.Fatal("closed hub must not accept broadcasts")
	}
	if n := hub.Subscribers("p"); n != 0 {
		t.Fatalf("expected 0 from closed hub, got %d", n)
	}
}
