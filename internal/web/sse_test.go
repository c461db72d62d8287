package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/RevCBH/safewalk/internal/events"
)

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.Count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, hub.Count())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	c := NewClient("c1", "")
	hub.Register(c)
	waitForClients(t, hub, 1)

	hub.Unregister(c)
	waitForClients(t, hub, 0)

	if _, ok := <-c.events; ok {
		t.Error("expected client channel closed after unregister")
	}
}

func TestHub_SessionFilter(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	all := NewClient("all", "")
	one := NewClient("one", "S1")
	hub.Register(all)
	hub.Register(one)

	hub.Broadcast(events.NewEvent(events.SessionStarted, "S2"))
	hub.Broadcast(events.NewEvent(events.SessionStarted, "S1"))

	for _, want := range []string{"S2", "S1"} {
		select {
		case e := <-all.events:
			if e.Session != want {
				t.Errorf("all: expected %s, got %s", want, e.Session)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	select {
	case e := <-one.events:
		if e.Session != "S1" {
			t.Errorf("filtered client got event for %s", e.Session)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
	select {
	case e := <-one.events:
		t.Errorf("unexpected extra event %v", e)
	default:
	}
}

func TestHub_SlowClientDropsEvents(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	slow := NewClient("slow", "")
	hub.Register(slow)

	for i := 0; i < clientBuffer+10; i++ {
		hub.Broadcast(events.NewEvent(events.SmsSent, "S1"))
	}
	// The marker is queued behind every earlier broadcast.
	marker := NewClient("marker", "S2")
	hub.Register(marker)
	hub.Broadcast(events.NewEvent(events.SessionConfirmed, "S2"))
	select {
	case <-marker.events:
	case <-time.After(time.Second):
		t.Fatal("hub blocked on a full client")
	}

	if n := len(slow.events); n != clientBuffer {
		t.Errorf("expected slow client capped at %d events, got %d", clientBuffer, n)
	}
}

func TestHub_StopClosesClientsAndUnblocks(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	c := NewClient("c1", "")
	hub.Register(c)
	hub.Stop()
	hub.Stop()

	select {
	case _, ok := <-c.events:
		if ok {
			t.Error("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("client not closed on stop")
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(events.NewEvent(events.SmsSent, "S1"))
		hub.Unregister(c)
		if hub.Register(NewClient("late", "")) {
			t.Error("register succeeded after stop")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub calls blocked after stop")
	}
}

func TestEventsHandler_StreamsSessionEvents(t *testing.T) {
	ta := newTestAPI(t, Config{})
	s := ta.start(t)
	other := ta.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ta.url+"/api/events?session="+s.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("expected connected comment, got %q (%v)", line, err)
	}

	ta.do(t, http.MethodPost, "/api/sessions/"+other.ID+"/extend", ExtendRequest{Minutes: 5})
	ta.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/extend", ExtendRequest{Minutes: 10})

	// session.started may still be in flight from before the subscription.
	var eventLine, dataLine string
	for eventLine != "event: session.extended" || dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended: %v", err)
		}
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimSpace(line)
			dataLine = ""
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	var e events.Event
	if err := json.Unmarshal([]byte(dataLine), &e); err != nil {
		t.Fatalf("bad event payload: %v", err)
	}
	if e.Session != s.ID {
		t.Errorf("expected event for %s, got %s", s.ID, e.Session)
	}
}
