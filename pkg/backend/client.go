// Package backend wraps the external conversational-agent service: session
// lifecycle, synchronous and fire-and-forget message sends, health checks,
// and the live server-push event stream.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ClientError is the single distinguishable error kind for backend transport
// and protocol failures. StatusCode is zero when no HTTP status was received.
type ClientError struct {
	Message    string
	StatusCode int
}

func (e *ClientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend API error %d: %s", e.StatusCode, e.Message)
	}

	return "backend API error: " + e.Message
}

// Session identifies one conversational session on the backend.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MessagePart is one typed content part of a backend reply.
type MessagePart struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Message is a structured backend reply carrying one or more typed parts.
type Message struct {
	ID    string        `json:"id"`
	Parts []MessagePart `json:"parts"`
}

// TextContent concatenates all text-typed parts in order. It returns an empty
// string when the reply carries no text parts; that is not itself an error.
func (m *Message) TextContent() string {
	texts := make([]string, 0, len(m.Parts))

	for _, part := range m.Parts {
		if part.Type == "text" && part.Content != "" {
			texts = append(texts, part.Content)
		}
	}

	return strings.Join(texts, "\n")
}

// Client is a thin request/response wrapper over the backend's HTTP API.
// All session calls are bounded by the caller's context; the per-step
// wall-clock budget is enforced by the engine, not here.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

func NewClient(logger *slog.Logger, baseURL string) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   client,
		logger: logger,
	}
}

// HealthCheck reports whether the backend answers its health endpoint.
func (c *Client) HealthCheck(ctx context.Context) bool {
	resp, err := c.http.R().SetContext(ctx).Get("/global/health")
	if err != nil {
		return false
	}

	return resp.StatusCode() == http.StatusOK
}

// WaitHealthy polls the health endpoint until the backend answers or the
// attempt budget is exhausted. This is the only polling loop in the system.
func (c *Client) WaitHealthy(ctx context.Context, attempts int, interval time.Duration) error {
	for i := range attempts {
		if c.HealthCheck(ctx) {
			return nil
		}

		c.logger.InfoContext(ctx, "Backend not ready, retrying", "attempt", i+1, "attempts", attempts)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	return fmt.Errorf("backend not healthy after %d attempts", attempts)
}

// CreateSession opens a new conversational session.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	body := map[string]any{}
	if title != "" {
		body["title"] = title
	}

	var session Session

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&session).
		Post("/session")
	if err != nil {
		return nil, wrapTransport(err)
	}

	if resp.IsError() {
		return nil, errorFrom(resp)
	}

	return &session, nil
}

// ListSessions returns every session known to the backend.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&sessions).
		Get("/session")
	if err != nil {
		return nil, wrapTransport(err)
	}

	if resp.IsError() {
		return nil, errorFrom(resp)
	}

	return sessions, nil
}

// GetSession fetches one session by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&session).
		Get("/session/" + sessionID)
	if err != nil {
		return nil, wrapTransport(err)
	}

	if resp.IsError() {
		return nil, errorFrom(resp)
	}

	return &session, nil
}

// DeleteSession removes a session. Callers treat failures as best-effort.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/session/" + sessionID)
	if err != nil {
		return wrapTransport(err)
	}

	if resp.IsError() {
		return errorFrom(resp)
	}

	return nil
}

// AbortSession interrupts whatever the session is doing. Best-effort.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/session/" + sessionID + "/abort")
	if err != nil {
		return wrapTransport(err)
	}

	if resp.IsError() {
		return errorFrom(resp)
	}

	return nil
}

// SendMessage sends a prompt and awaits the single synchronous reply. The
// caller bounds the call through ctx.
func (c *Client) SendMessage(ctx context.Context, sessionID, prompt, agent, model string) (*Message, error) {
	body := map[string]any{
		"parts": []map[string]string{{"type": "text", "text": prompt}},
	}
	if agent != "" {
		body["agent"] = agent
	}

	if model != "" {
		body["model"] = model
	}

	var message Message

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&message).
		Post("/session/" + sessionID + "/message")
	if err != nil {
		return nil, wrapTransport(err)
	}

	if resp.IsError() {
		return nil, errorFrom(resp)
	}

	return &message, nil
}

// SendMessageAsync fires a prompt without awaiting a reply. Unused by the
// engine's synchronous step path.
func (c *Client) SendMessageAsync(ctx context.Context, sessionID, prompt, agent string) error {
	body := map[string]any{
		"parts": []map[string]string{{"type": "text", "text": prompt}},
	}
	if agent != "" {
		body["agent"] = agent
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post("/session/" + sessionID + "/prompt_async")
	if err != nil {
		return wrapTransport(err)
	}

	if resp.IsError() {
		return errorFrom(resp)
	}

	return nil
}

// wrapTransport converts transport failures into ClientError. Context
// cancellation and deadline expiry pass through unchanged so callers can
// tell a timeout apart from a protocol error.
func wrapTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	return &ClientError{Message: err.Error()}
}

func errorFrom(resp *resty.Response) error {
	return &ClientError{
		Message:    strings.TrimSpace(string(resp.Body())),
		StatusCode: resp.StatusCode(),
	}
}
