package web

import (
	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/session"
)

// ExtendRequest is the body of POST /api/sessions/{id}/extend.
type ExtendRequest struct {
	Minutes int `json:"minutes"`
}

// SosRequest is the optional body of POST /api/sessions/{id}/sos. A
// location, when present, is attached before the alert is composed.
type SosRequest struct {
	Location *session.Location `json:"location,omitempty"`
}

// TestSMSRequest is the body of POST /api/sms/test.
type TestSMSRequest struct {
	Phone string `json:"phone"`
}

// AttemptsResponse lists the delivery attempts of one session.
type AttemptsResponse struct {
	SessionID string            `json:"session_id"`
	Attempts  []*ledger.Attempt `json:"attempts"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound    = "not_found"
	CodeTerminal    = "terminal"
	CodeInvalid     = "invalid"
	CodeUnavailable = "unavailable"
	CodeForbidden   = "forbidden"
	CodeInternal    = "internal"
)
