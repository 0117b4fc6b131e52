package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// EventFrame is one frame from the backend's live event stream. Data holds
// the parsed JSON payload, or the raw string when the payload is not valid
// JSON.
type EventFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// EventCallback receives every frame read from the stream.
type EventCallback func(ctx context.Context, frame EventFrame)

// StreamEvents connects to the backend's server-push event stream and invokes
// callback for each frame until ctx is cancelled. Transport-level disconnects
// trigger an automatic reconnect after reconnectDelay; a clean EOF ends the
// stream without reconnecting.
func (c *Client) StreamEvents(ctx context.Context, callback EventCallback, reconnectDelay time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		err := c.streamOnce(ctx, callback)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return nil
		}

		c.logger.WarnContext(ctx, "Event stream disconnected, reconnecting",
			"delay", reconnectDelay, "error", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, callback EventCallback) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		Get("/global/event")
	if err != nil {
		return wrapTransport(err)
	}

	body := resp.RawBody()

	defer func() {
		if err := body.Close(); err != nil {
			c.logger.WarnContext(ctx, "Failed to close event stream body", "error", err)
		}
	}()

	if resp.IsError() {
		// Drain nothing; the body of an error response is not a stream.
		return &ClientError{Message: resp.Status(), StatusCode: resp.StatusCode()}
	}

	return parseSSE(ctx, body, callback)
}

// parseSSE reads event:/data: framed lines. Blank lines mark frame
// boundaries, lines starting with ":" are comments and silently ignored, and
// a data payload that fails to parse as JSON is delivered as its literal
// string form.
func parseSSE(ctx context.Context, r io.Reader, callback EventCallback) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		eventType string
		data      string
		hasData   bool
	)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())

		switch {
		case strings.HasPrefix(line, ":"):
			// SSE comment, ignored.
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			hasData = true
		case line == "":
			if hasData {
				callback(ctx, buildFrame(eventType, data))
			}

			eventType = ""
			data = ""
			hasData = false
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return wrapTransport(err)
	}

	return nil
}

func buildFrame(eventType, data string) EventFrame {
	if eventType == "" {
		eventType = "message"
	}

	var parsed any
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		parsed = data
	}

	return EventFrame{Event: eventType, Data: parsed}
}
