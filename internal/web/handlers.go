package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/RevCBH/safewalk/internal/engine"
	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/session"
	"github.com/RevCBH/safewalk/internal/sms"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 64 << 10

// Engine is the set of session operations the API exposes.
type Engine interface {
	StartSession(ctx context.Context, req engine.StartRequest) (*session.Session, error)
	Status(ctx context.Context, id string) (*engine.StatusView, error)
	ConfirmReturn(ctx context.Context, id string) (*session.Session, error)
	CancelSession(ctx context.Context, id string) (*session.Session, error)
	ExtendDeadline(ctx context.Context, id string, extraMinutes int) (*session.Session, error)
	TriggerSos(ctx context.Context, id string) (*engine.Outcome, error)
	UpdateLocation(ctx context.Context, id string, loc session.Location) (*session.Session, error)
	Attempts(ctx context.Context, id string) ([]*ledger.Attempt, error)
	SendTest(ctx context.Context, rawPhone string) (*ledger.Attempt, error)
	RecordDeliveryReport(ctx context.Context, providerMessageID string, status ledger.Status, reason string) (*ledger.Attempt, error)
}

type api struct {
	eng    Engine
	logger *log.Logger

	twilioToken string
	publicURL   string
}

// StartSessionHandler opens a session.
// POST /api/sessions
func (a *api) StartSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req engine.StartRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	s, err := a.eng.StartSession(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

// StatusHandler returns the live view of a session.
// GET /api/sessions/{id}
func (a *api) StatusHandler(w http.ResponseWriter, r *http.Request) {
	v, err := a.eng.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ConfirmHandler records a safe return.
// POST /api/sessions/{id}/confirm
func (a *api) ConfirmHandler(w http.ResponseWriter, r *http.Request) {
	a.sessionAction(w, r, a.eng.ConfirmReturn)
}

// CancelHandler cancels a session without notifying anyone.
// POST /api/sessions/{id}/cancel
func (a *api) CancelHandler(w http.ResponseWriter, r *http.Request) {
	a.sessionAction(w, r, a.eng.CancelSession)
}

func (a *api) sessionAction(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*session.Session, error)) {
	s, err := op(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ExtendHandler pushes the deadline back.
// POST /api/sessions/{id}/extend
func (a *api) ExtendHandler(w http.ResponseWriter, r *http.Request) {
	var req ExtendRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	s, err := a.eng.ExtendDeadline(r.Context(), r.PathValue("id"), req.Minutes)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// SosHandler fires the SOS tier, attaching a fresh location first when
// the body carries one.
// POST /api/sessions/{id}/sos
func (a *api) SosHandler(w http.ResponseWriter, r *http.Request) {
	var req SosRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	id := r.PathValue("id")
	if req.Location != nil {
		if _, err := a.eng.UpdateLocation(r.Context(), id, *req.Location); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	out, err := a.eng.TriggerSos(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// LocationHandler attaches the latest position.
// POST /api/sessions/{id}/location
func (a *api) LocationHandler(w http.ResponseWriter, r *http.Request) {
	var loc session.Location
	if !decodeJSON(w, r, &loc, false) {
		return
	}
	s, err := a.eng.UpdateLocation(r.Context(), r.PathValue("id"), loc)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// AttemptsHandler lists the delivery ledger of a session.
// GET /api/sessions/{id}/attempts
func (a *api) AttemptsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	attempts, err := a.eng.Attempts(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []*ledger.Attempt{}
	}
	writeJSON(w, http.StatusOK, AttemptsResponse{SessionID: id, Attempts: attempts})
}

// TestSMSHandler sends the diagnostic message. A carrier failure still
// answers 200 with the failed attempt.
// POST /api/sms/test
func (a *api) TestSMSHandler(w http.ResponseWriter, r *http.Request) {
	var req TestSMSRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	att, err := a.eng.SendTest(r.Context(), req.Phone)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// SMSStatusHandler receives Twilio message status callbacks.
// POST /api/webhooks/sms-status
func (a *api) SMSStatusHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid form body", Code: CodeInvalid})
		return
	}

	// Without a token nothing can be verified, so nothing is accepted.
	if a.twilioToken == "" {
		a.logger.Printf("rejected status callback from %s: no Twilio auth token configured", r.RemoteAddr)
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "status callbacks are disabled", Code: CodeForbidden})
		return
	}
	sig := r.Header.Get(sms.TwilioSignatureHeader)
	if !sms.ValidTwilioSignature(a.twilioToken, a.callbackURL(r), r.PostForm, sig) {
		a.logger.Printf("rejected status callback with bad signature from %s", r.RemoteAddr)
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "invalid signature", Code: CodeForbidden})
		return
	}

	sid := r.PostForm.Get("MessageSid")
	if sid == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "missing MessageSid", Code: CodeInvalid})
		return
	}

	status, reason, ok := deliveryStatus(r.PostForm.Get("MessageStatus"), r.PostForm.Get("ErrorCode"))
	if !ok {
		// Intermediate states (queued, sending, sent) carry nothing to record.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	att, err := a.eng.RecordDeliveryReport(r.Context(), sid, status, reason)
	if errors.Is(err, engine.ErrNotFound) {
		a.logger.Printf("status callback for unknown message %s", sid)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

// deliveryStatus maps a Twilio MessageStatus to a ledger status.
func deliveryStatus(twilioStatus, errorCode string) (ledger.Status, string, bool) {
	switch strings.ToLower(twilioStatus) {
	case "delivered":
		return ledger.StatusDelivered, "", true
	case "failed", "undelivered":
		reason := "carrier reported " + strings.ToLower(twilioStatus)
		if code, err := strconv.Atoi(errorCode); err == nil && code != 0 {
			reason = fmt.Sprintf("%s (code %d)", reason, code)
		}
		return ledger.StatusFailed, reason, true
	default:
		return "", "", false
	}
}

// callbackURL rebuilds the URL Twilio signed.
func (a *api) callbackURL(r *http.Request) string {
	if a.publicURL != "" {
		return strings.TrimRight(a.publicURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// HealthHandler answers liveness checks.
// GET /healthz
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// EventsHandler provides the SSE event stream.
// GET /api/events[?session=ID]
func EventsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		client := NewClient(ulid.Make().String(), r.URL.Query().Get("session"))
		if !hub.Register(client) {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		defer hub.Unregister(client)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		fmt.Fprintf(w, ": connected\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-client.events:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
				flusher.Flush()
			}
		}
	}
}

// decodeJSON reads the request body into v. An empty body is accepted
// only when optional is set. It writes the 400 itself and reports false
// on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  CodeInvalid,
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine sentinels onto HTTP statuses.
func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, CodeInternal
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status, code = http.StatusNotFound, CodeNotFound
	case errors.Is(err, engine.ErrTerminal):
		status, code = http.StatusConflict, CodeTerminal
	case errors.Is(err, engine.ErrInvalidSession), errors.Is(err, engine.ErrInvalidArgument):
		status, code = http.StatusBadRequest, CodeInvalid
	case errors.Is(err, engine.ErrPersistenceUnavailable):
		status, code = http.StatusServiceUnavailable, CodeUnavailable
	}
	if status >= http.StatusInternalServerError {
		a.logger.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}
