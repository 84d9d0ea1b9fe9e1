package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestClientSendBackpressure(t *testing.T) {
	c := NewClient(nil, 1, testLogger())
	if err := c.Send([]byte("a")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send([]byte("b")); !errors.Is(err, ErrBackpressure) {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
}

func TestClientWritePumpDelivers(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverClient := make(chan *Client, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		c := NewClient(conn, 4, testLogger())
		go c.WritePump()
		serverClient <- c
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	c := <-serverClient
	defer c.Close()
	if err := c.Send([]byte(`{"event":"ready"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(payload) != `{"event":"ready"}` {
		t.Fatalf("unexpected payload %s", payload)
	}

	c.Close()
	if err := c.Send([]byte("late")); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}
