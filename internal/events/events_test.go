package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLogHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	handler := LogHandler(LogConfig{Writer: &buf})

	handler(NewEvent(TierFired, "01HZX").WithTier("overdue", 1))

	output := buf.String()
	for _, want := range []string{"[tier.fired]", "session=01HZX", "tier=overdue round=1"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
	if !strings.HasSuffix(output, "\n") {
		t.Errorf("expected trailing newline, got: %q", output)
	}
}

func TestLogHandler_DefaultWriter(t *testing.T) {
	handler := LogHandler(LogConfig{})

	// Should not panic
	handler(Event{Type: SessionStarted})
}

func TestLogHandler_IncludePayload(t *testing.T) {
	var buf bytes.Buffer
	handler := LogHandler(LogConfig{Writer: &buf, IncludePayload: true})

	handler(NewEvent(SessionExtended, "s1").WithPayload(map[string]int{"minutes": 15}))

	if !strings.Contains(buf.String(), "payload=map[minutes:15]") {
		t.Errorf("expected payload in output, got: %s", buf.String())
	}
}

func TestLogHandler_Time(t *testing.T) {
	var buf bytes.Buffer
	handler := LogHandler(LogConfig{Writer: &buf, TimeFormat: "15:04"})

	e := NewEvent(SmsSent, "s1").WithContact("+33612345678")
	e.Time = time.Date(2026, 3, 14, 18, 5, 0, 0, time.UTC)
	handler(e)

	if !strings.HasPrefix(buf.String(), "18:05 [sms.sent]") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestEvent_IsFailure(t *testing.T) {
	tests := []struct {
		typ  EventType
		want bool
	}{
		{SmsFailed, true},
		{EvaluateFailed, true},
		{SmsGaveUp, true},
		{SmsSent, false},
		{SessionStarted, false},
	}
	for _, tt := range tests {
		if got := (Event{Type: tt.typ}).IsFailure(); got != tt.want {
			t.Errorf("%s.IsFailure() = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestEvent_WithError(t *testing.T) {
	e := NewEvent(SmsFailed, "s1").WithError(errors.New("carrier down"))
	if e.Error != "carrier down" {
		t.Errorf("Error = %q", e.Error)
	}
	if !strings.Contains(e.String(), `error="carrier down"`) {
		t.Errorf("String() = %s", e.String())
	}

	e = NewEvent(SmsSent, "s1").WithError(nil)
	if e.Error != "" {
		t.Errorf("nil error should leave Error empty, got %q", e.Error)
	}
}

func TestBus_DeliversInOrder(t *testing.T) {
	bus := NewBus(4)

	var (
		mu  sync.Mutex
		got []EventType
	)
	bus.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
	})

	bus.Emit(NewEvent(SessionStarted, "s1"))
	bus.Emit(NewEvent(TierFired, "s1"))
	bus.Emit(NewEvent(SessionConfirmed, "s1"))
	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := []EventType{SessionStarted, TierFired, SessionConfirmed}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestBus_SetsTime(t *testing.T) {
	bus := NewBus(1)
	var stamped time.Time
	bus.Subscribe(func(e Event) { stamped = e.Time })

	bus.Emit(NewEvent(SessionStarted, "s1"))
	bus.Close()

	if stamped.IsZero() {
		t.Error("expected bus to stamp event time")
	}
}

func TestBus_NilAndClosed(t *testing.T) {
	var nilBus *Bus
	nilBus.Emit(NewEvent(SessionStarted, "s1"))

	bus := NewBus(1)
	bus.Close()
	bus.Emit(NewEvent(SessionStarted, "s1"))
	if err := bus.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestFilterHandler(t *testing.T) {
	var seen []EventType
	h := FilterHandler(func(e Event) { seen = append(seen, e.Type) }, SmsFailed, SmsGaveUp)

	h(Event{Type: SmsSent})
	h(Event{Type: SmsFailed})
	h(Event{Type: SmsGaveUp})

	if len(seen) != 2 || seen[0] != SmsFailed || seen[1] != SmsGaveUp {
		t.Errorf("seen = %v", seen)
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	handler := JSONEmitterHandler(NewJSONEmitter(&buf))

	handler(NewEvent(SmsDelivered, "s1").WithTier("sos", 0).WithContact("+33612345678"))
	handler(NewEvent(SessionCancelled, "s1"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %s", len(lines), buf.String())
	}

	var e Event
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if e.Type != SmsDelivered || e.Tier != "sos" || e.Contact != "+33612345678" {
		t.Errorf("decoded %+v", e)
	}
}

func TestIsJSONMode_Force(t *testing.T) {
	if !IsJSONMode(true) {
		t.Error("forceJSON should enable JSON mode")
	}
}
