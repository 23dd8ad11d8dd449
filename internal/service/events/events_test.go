package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"visiongate/internal/logger"
	"visiongate/internal/model"
)

type recorder struct {
	mu     sync.Mutex
	events []JobEvent
}

func (r *recorder) Publish(e JobEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func TestFanout_DeliversToAll(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	f := Fanout{a, nil, b}

	f.Publish(JobEvent{TaskID: "job-1", State: model.StatePending})

	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("Expected one event each, got %d and %d", len(a.events), len(b.events))
	}
}

func TestHub_BroadcastsEventsToViewers(t *testing.T) {
	hub := NewHubService(logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(time.Second)
	for hub.GetClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.GetClientCount() != 1 {
		t.Fatalf("Expected 1 viewer, got %d", hub.GetClientCount())
	}

	report := model.NewReport([]model.Detection{{Label: "cat"}})
	hub.Publish(JobEvent{TaskID: "job-1", State: model.StateSuccess, Status: "Task completed", Report: &report})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read event: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("Invalid JSON %q: %v", msg, err)
	}
	if got["task_id"] != "job-1" || got["state"] != "SUCCESS" {
		t.Errorf("Unexpected event: %v", got)
	}
	if _, ok := got["analysis_data"]; !ok {
		t.Error("Expected analysis_data in success event")
	}
}

func TestHub_UnregisterAfterStopDoesNotBlock(t *testing.T) {
	hub := NewHubService(logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	done := make(chan struct{})
	go func() {
		hub.Unregister(nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Unregister blocked after hub stopped")
	}
}

func TestHub_CountsDroppedBroadcasts(t *testing.T) {
	hub := NewHubService(logger.Nop())
	for i := 0; i < cap(hub.broadcast)+3; i++ {
		hub.Broadcast([]byte("event"))
	}
	if got := hub.Dropped(); got != 3 {
		t.Errorf("Expected 3 dropped messages, got %d", got)
	}
}

func TestMQTTEmitter_TopicPerState(t *testing.T) {
	e := NewMQTTEmitter(MQTTOptions{Broker: "localhost:1883", Topic: "visiongate/jobs"}, logger.Nop())

	if got := e.Topic(JobEvent{State: model.StateSuccess}); got != "visiongate/jobs/success" {
		t.Errorf("Unexpected topic %q", got)
	}
	if e.opts.Broker != "tcp://localhost:1883" {
		t.Errorf("Expected tcp scheme to be added, got %q", e.opts.Broker)
	}
}

func TestMQTTEmitter_DropsWhenBufferFull(t *testing.T) {
	e := NewMQTTEmitter(MQTTOptions{Broker: "tcp://localhost:1883", Buffer: 1}, logger.Nop())

	e.Publish(JobEvent{TaskID: "a"})
	e.Publish(JobEvent{TaskID: "b"})

	if stats := e.Stats(); stats.Dropped != 1 {
		t.Errorf("Expected 1 dropped event, got %d", stats.Dropped)
	}
}

func TestMQTTEmitter_SendWithoutConnection(t *testing.T) {
	e := NewMQTTEmitter(MQTTOptions{Broker: "localhost:1883"}, logger.Nop())

	if err := e.send(JobEvent{TaskID: "a", State: model.StatePending}); err == nil {
		t.Error("Expected error when not connected")
	}
	if stats := e.Stats(); stats.Errors != 1 || stats.Connected {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}
