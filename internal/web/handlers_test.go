package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevCBH/safewalk/internal/clock"
	"github.com/RevCBH/safewalk/internal/engine"
	"github.com/RevCBH/safewalk/internal/events"
	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/session"
	"github.com/RevCBH/safewalk/internal/sms"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type testAPI struct {
	url    string
	eng    *engine.Engine
	clk    *clock.Fake
	ledger *ledger.Memory
	store  *session.MemoryStore
	bus    *events.Bus
}

func newTestAPI(t *testing.T, cfg Config) *testAPI {
	t.Helper()
	ta := &testAPI{
		clk:    clock.NewFake(t0),
		ledger: ledger.NewMemory(),
		store:  session.NewMemoryStore(),
		bus:    events.NewBus(64),
	}
	eng, err := engine.New(engine.Config{}, engine.Deps{
		Sessions:  ta.store,
		Ledger:    ta.ledger,
		Transport: sms.NewTerminalWriter(io.Discard),
		Clock:     ta.clk,
		Logger:    log.New(io.Discard, "", 0),
		Bus:       ta.bus,
	})
	require.NoError(t, err)
	ta.eng = eng

	srv, err := New(cfg, eng, ta.bus)
	require.NoError(t, err)
	go srv.hub.Run()

	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(func() {
		srv.hub.Stop()
		ts.Close()
		ta.bus.Close()
	})
	ta.url = ts.URL
	return ta
}

func (ta *testAPI) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ta.url+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ta *testAPI) start(t *testing.T) *session.Session {
	t.Helper()
	resp := ta.do(t, http.MethodPost, "/api/sessions", engine.StartRequest{
		OwnerName:        "Camille",
		DueTime:          t0.Add(30 * time.Minute),
		ToleranceMinutes: 5,
		Contacts: []session.Contact{
			{Name: "Alice", Phone: "06 12 34 56 78"},
			{Name: "Bob", Phone: "+33 6 98 76 54 32"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[*session.Session](t, resp)
}

// overdue moves past the tolerance and runs one evaluation.
func (ta *testAPI) overdue(t *testing.T, id string) {
	t.Helper()
	ta.clk.Advance(36 * time.Minute)
	_, err := ta.eng.Evaluate(context.Background(), id)
	require.NoError(t, err)
}

func TestHealthHandler(t *testing.T) {
	ta := newTestAPI(t, Config{})
	resp := ta.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestStartSessionHandler(t *testing.T) {
	ta := newTestAPI(t, Config{})
	s := ta.start(t)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, session.StateActive, s.State)
	assert.Len(t, s.Contacts, 2)
}

func TestStartSessionHandler_Invalid(t *testing.T) {
	ta := newTestAPI(t, Config{})

	resp := ta.do(t, http.MethodPost, "/api/sessions", engine.StartRequest{
		OwnerName: "Camille",
		DueTime:   t0.Add(time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	e := decode[ErrorResponse](t, resp)
	assert.Equal(t, CodeInvalid, e.Code)
	assert.Contains(t, e.Error, "contacts")
}

func TestStartSessionHandler_MalformedBody(t *testing.T) {
	ta := newTestAPI(t, Config{})

	resp, err := http.Post(ta.url+"/api/sessions", "application/json", strings.NewReader(`{"owner_name":`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Post(ta.url+"/api/sessions", "application/json", strings.NewReader(`{"owner":"x"}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode, "unknown fields are rejected")
}

func TestStatusHandler(t *testing.T) {
	ta := newTestAPI(t, Config{})
	s := ta.start(t)
	ta.clk.Advance(10 * time.Minute)

	resp := ta.do(t, http.MethodGet, "/api/sessions/"+s.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	v := decode[engine.StatusView](t, resp)
	assert.Equal(t, s.ID, v.Session.ID)
	assert.Equal(t, int64(20*60), v.RemainingSeconds)
	assert.True(t, v.ContactsConfigured)
}

func TestStatusHandler_NotFound(t *testing.T) {
	ta := newTestAPI(t, Config{})
	resp := ta.do(t, http.MethodGet, "/api/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, decode[ErrorResponse](t, resp).Code)
}

func TestConfirmHandler_ThenTerminal(t *testing.T) {
	ta := newTestAPI(t, Config{})
	s := ta.start(t)

	resp := ta.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/confirm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, session.StateConfirmed, decode[*session.Session](t, resp).State)

	for _, action := range []string{"confirm", "cancel", "sos"} {
		resp := ta.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/"+action, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode, action)
		assert.Equal(t, CodeTerminal, decode[ErrorResponse](t, resp).Code, action)
	}
}

func TestCancelHandler(t *testing.T) {
	ta := newTestAPI(t, Config{})
	s := ta.start(t)

	resp := ta.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, session.StateCancelled, decode[*session.Session](t, resp).State)
}

func TestExtendHandler(t *testing.T) {
	ta := newTestAPI(t, Config{})
	s := ta.start(t)

	resp := ta.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/extend", ExtendRequest{Minutes: 15})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[*session.Session](t, resp)
	assert.True(t, got.DueTime.Equal(t0.Add(45*time.Minute)))

	for _, m := range []int{0, -5, engine.MaxExtendMinutes + 1} {
		resp := ta.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/extend", ExtendRequest{Minutes: m})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "minutes=%d", m)
	}
}

func TestSosHandler_WithLocation(t *testing.T) {
	ta := newTestAPI(t, Config{})
	s := ta.start(t)

	resp := ta.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/sos", SosRequest{
		Location: &session.Location{Latitude: 48.8809, Longitude: 2.3828},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[engine.Outcome](t, resp)
	assert.Equal(t, []session.Tier{session.TierSos}, out.Fired)
	require.Len(t, out.Attempts, 2)
	for _, a := range out.Attempts {
		assert.Equal(t, ledger.StatusSent, a.Status)
		assert.Contains(t, a.Message, "48.8809")
	}

	stored, err := ta.store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Location)
	assert.Equal(t, session.StateActive, stored.State)
}

func TestSosHandler_EmptyBody(t *testing.T) {
	ta := newTestAPI(t, Config{})
	s := ta.start(t)

	resp, err := http.Post(ta.url+"/api/sessions/"+s.ID+"/sos", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLocationHandler_OutOfRange(t *testing.T) {
	ta := newTestAPI(t, Config{})
	s := ta.start(t)

	resp := ta.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/location", session.Location{Latitude: 91})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ta.do(t, http.MethodPost, "/api/sessions/"+s.ID+"/location", session.Location{Latitude: 45.76, Longitude: 4.83})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 45.76, decode[*session.Session](t, resp).Location.Latitude)
}

func TestAttemptsHandler(t *testing.T) {
	ta := newTestAPI(t, Config{})
	s := ta.start(t)

	resp := ta.do(t, http.MethodGet, "/api/sessions/"+s.ID+"/attempts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[AttemptsResponse](t, resp).Attempts)

	ta.overdue(t, s.ID)

	resp = ta.do(t, http.MethodGet, "/api/sessions/"+s.ID+"/attempts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[AttemptsResponse](t, resp)
	assert.Equal(t, s.ID, got.SessionID)
	require.Len(t, got.Attempts, 2)
	assert.Equal(t, session.TierOverdue, got.Attempts[0].Tier)

	resp = ta.do(t, http.MethodGet, "/api/sessions/missing/attempts", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTestSMSHandler(t *testing.T) {
	ta := newTestAPI(t, Config{})

	resp := ta.do(t, http.MethodPost, "/api/sms/test", TestSMSRequest{Phone: "06 12 34 56 78"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	a := decode[*ledger.Attempt](t, resp)
	assert.Equal(t, ledger.StatusSent, a.Status)
	assert.Empty(t, a.SessionID)

	resp = ta.do(t, http.MethodPost, "/api/sms/test", TestSMSRequest{Phone: "123"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func postStatus(t *testing.T, ta *testAPI, form url.Values, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ta.url+"/api/webhooks/sms-status", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(sms.TwilioSignatureHeader, signature)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

const (
	testToken  = "secret"
	testPublic = "https://safewalk.example"
)

func newSignedAPI(t *testing.T) *testAPI {
	return newTestAPI(t, Config{TwilioAuthToken: testToken, PublicURL: testPublic + "/"})
}

func postSigned(t *testing.T, ta *testAPI, form url.Values) *http.Response {
	t.Helper()
	return postStatus(t, ta, form, sms.TwilioSignature(testToken, testPublic+"/api/webhooks/sms-status", form))
}

func TestSMSStatusHandler(t *testing.T) {
	ta := newSignedAPI(t)
	s := ta.start(t)
	ta.overdue(t, s.ID)

	attempts, err := ta.eng.Attempts(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	first, second := attempts[0], attempts[1]

	resp := postSigned(t, ta, url.Values{"MessageSid": {first.ProviderMessageID}, "MessageStatus": {"delivered"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ledger.StatusDelivered, decode[*ledger.Attempt](t, resp).Status)

	resp = postSigned(t, ta, url.Values{
		"MessageSid":    {second.ProviderMessageID},
		"MessageStatus": {"undelivered"},
		"ErrorCode":     {"30003"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	failed := decode[*ledger.Attempt](t, resp)
	assert.Equal(t, ledger.StatusFailed, failed.Status)
	assert.Equal(t, "carrier reported undelivered (code 30003)", failed.FailureReason)
}

func TestSMSStatusHandler_Ignored(t *testing.T) {
	ta := newSignedAPI(t)

	resp := postSigned(t, ta, url.Values{"MessageSid": {"SM123"}, "MessageStatus": {"sent"}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postSigned(t, ta, url.Values{"MessageSid": {"SMunknown"}, "MessageStatus": {"delivered"}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = postSigned(t, ta, url.Values{"MessageStatus": {"delivered"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSMSStatusHandler_Signature(t *testing.T) {
	ta := newSignedAPI(t)

	form := url.Values{"MessageSid": {"SM999"}, "MessageStatus": {"queued"}}

	resp := postStatus(t, ta, form, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = postStatus(t, ta, form, sms.TwilioSignature("wrong", testPublic+"/api/webhooks/sms-status", form))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = postSigned(t, ta, form)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSMSStatusHandler_RejectsWithoutToken(t *testing.T) {
	ta := newTestAPI(t, Config{})
	s := ta.start(t)
	ta.overdue(t, s.ID)

	attempts, err := ta.eng.Attempts(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, attempts)
	sent := attempts[0]

	// A forged failure report for a real message id must not reach the ledger.
	resp := postStatus(t, ta, url.Values{"MessageSid": {sent.ProviderMessageID}, "MessageStatus": {"failed"}}, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	after, err := ta.eng.Attempts(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, sent.Status, after[0].Status)
}

func TestDeliveryStatus(t *testing.T) {
	tests := []struct {
		in, code string
		want     ledger.Status
		reason   string
		ok       bool
	}{
		{"delivered", "", ledger.StatusDelivered, "", true},
		{"DELIVERED", "", ledger.StatusDelivered, "", true},
		{"failed", "30008", ledger.StatusFailed, "carrier reported failed (code 30008)", true},
		{"undelivered", "", ledger.StatusFailed, "carrier reported undelivered", true},
		{"queued", "", "", "", false},
		{"sent", "", "", "", false},
		{"", "", "", "", false},
	}
	for _, tt := range tests {
		got, reason, ok := deliveryStatus(tt.in, tt.code)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.reason, reason, tt.in)
	}
}
