// Package client talks to a running SafeWalk server over its HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/RevCBH/safewalk/internal/engine"
	"github.com/RevCBH/safewalk/internal/events"
	"github.com/RevCBH/safewalk/internal/ledger"
	"github.com/RevCBH/safewalk/internal/session"
	"github.com/RevCBH/safewalk/internal/web"
)

// Client wraps the HTTP API of one server.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client for the server at addr. A bare host:port is
// treated as http.
func New(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q: missing host", addr)
	}
	return &Client{base: u, http: &http.Client{}}, nil
}

// Close releases idle connections.
// It is safe to call Close multiple times.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// StartSession opens a new session and returns it as stored.
func (c *Client) StartSession(ctx context.Context, req engine.StartRequest) (*session.Session, error) {
	var s session.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Status returns the live view of a session.
func (c *Client) Status(ctx context.Context, id string) (*engine.StatusView, error) {
	var v engine.StatusView
	if err := c.do(ctx, http.MethodGet, sessionPath(id, ""), nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Confirm records a safe return.
func (c *Client) Confirm(ctx context.Context, id string) (*session.Session, error) {
	return c.sessionAction(ctx, id, "confirm", nil)
}

// Cancel closes a session without notifying anyone.
func (c *Client) Cancel(ctx context.Context, id string) (*session.Session, error) {
	return c.sessionAction(ctx, id, "cancel", nil)
}

// Extend pushes the deadline back by minutes.
func (c *Client) Extend(ctx context.Context, id string, minutes int) (*session.Session, error) {
	return c.sessionAction(ctx, id, "extend", web.ExtendRequest{Minutes: minutes})
}

// UpdateLocation attaches the latest position.
func (c *Client) UpdateLocation(ctx context.Context, id string, loc session.Location) (*session.Session, error) {
	return c.sessionAction(ctx, id, "location", loc)
}

func (c *Client) sessionAction(ctx context.Context, id, action string, body any) (*session.Session, error) {
	var s session.Session
	if err := c.do(ctx, http.MethodPost, sessionPath(id, action), body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Sos fires the SOS tier. loc may be nil.
func (c *Client) Sos(ctx context.Context, id string, loc *session.Location) (*engine.Outcome, error) {
	var out engine.Outcome
	if err := c.do(ctx, http.MethodPost, sessionPath(id, "sos"), web.SosRequest{Location: loc}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Attempts lists the delivery ledger of a session.
func (c *Client) Attempts(ctx context.Context, id string) ([]*ledger.Attempt, error) {
	var resp web.AttemptsResponse
	if err := c.do(ctx, http.MethodGet, sessionPath(id, "attempts"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Attempts, nil
}

// SendTest sends the diagnostic message to rawPhone.
func (c *Client) SendTest(ctx context.Context, rawPhone string) (*ledger.Attempt, error) {
	var a ledger.Attempt
	if err := c.do(ctx, http.MethodPost, "/api/sms/test", web.TestSMSRequest{Phone: rawPhone}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// WatchEvents streams server events, calling handler for each one. An
// empty sessionID watches every session. It blocks until the server ends
// the stream (returns nil), the context is cancelled (returns the context
// error), or the connection fails.
func (c *Client) WatchEvents(ctx context.Context, sessionID string, handler func(events.Event)) error {
	u := c.url("/api/events")
	if sessionID != "" {
		u += "?" + url.Values{"session": {sessionID}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var e events.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		handler(e)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return scanner.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.base.String(), "/") + path
}

func sessionPath(id, action string) string {
	p := "/api/sessions/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return e.Message
}

// Unwrap maps the error code back onto the engine sentinel, so callers
// can use errors.Is(err, engine.ErrNotFound) across the wire.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case web.CodeNotFound:
		return engine.ErrNotFound
	case web.CodeTerminal:
		return engine.ErrTerminal
	case web.CodeInvalid:
		return engine.ErrInvalidArgument
	case web.CodeUnavailable:
		return engine.ErrPersistenceUnavailable
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body web.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// IsUnavailable reports whether err means the server could not be reached.
func IsUnavailable(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
