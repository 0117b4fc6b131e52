package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_TextContent(t *testing.T) {
	message := &Message{Parts: []MessagePart{
		{Type: "text", Content: "first"},
		{Type: "tool", Content: "ignored"},
		{Type: "text", Content: "second"},
		{Type: "text", Content: ""},
	}}

	assert.Equal(t, "first\nsecond", message.TextContent())
	assert.Empty(t, (&Message{}).TextContent())
}

func TestClient_CreateSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/session", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "developer-step-1", body["title"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "ses_123", "title": "developer-step-1"}`))
	}))
	defer server.Close()

	client := NewClient(slog.Default(), server.URL)

	session, err := client.CreateSession(t.Context(), "developer-step-1")
	require.NoError(t, err)
	assert.Equal(t, "ses_123", session.ID)
}

func TestClient_SendMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/ses_123/message", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "build", body["agent"])
		assert.Equal(t, "anthropic/claude-sonnet", body["model"])

		parts, ok := body["parts"].([]any)
		require.True(t, ok)
		require.Len(t, parts, 1)

		part, ok := parts[0].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "Fix it", part["text"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "msg_1", "parts": [{"type": "text", "content": "done"}]}`))
	}))
	defer server.Close()

	client := NewClient(slog.Default(), server.URL)

	message, err := client.SendMessage(t.Context(), "ses_123", "Fix it", "build", "anthropic/claude-sonnet")
	require.NoError(t, err)
	assert.Equal(t, "done", message.TextContent())
}

func TestClient_ErrorResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	client := NewClient(slog.Default(), server.URL)

	_, err := client.CreateSession(t.Context(), "title")
	require.Error(t, err)

	var clientErr *ClientError

	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, http.StatusBadGateway, clientErr.StatusCode)
	assert.Contains(t, clientErr.Error(), "upstream unavailable")
}

func TestClient_TimeoutPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices the client disconnect and
		// cancels r.Context(); with an unread body it never would, and the
		// deferred server.Close() would deadlock.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient(slog.Default(), server.URL)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	_, err := client.SendMessage(ctx, "ses_123", "prompt", "build", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestClient_HealthCheck(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/global/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	assert.True(t, NewClient(slog.Default(), healthy.URL).HealthCheck(t.Context()))

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	assert.False(t, NewClient(slog.Default(), unhealthy.URL).HealthCheck(t.Context()))
}

func TestClient_WaitHealthy_Exhausts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(slog.Default(), server.URL)

	err := client.WaitHealthy(t.Context(), 2, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not healthy after 2 attempts")
}

func TestClient_AbortAndDeleteSession(t *testing.T) {
	var aborted, deleted atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/session/ses_123/abort":
			aborted.Store(true)
		case r.Method == http.MethodDelete && r.URL.Path == "/session/ses_123":
			deleted.Store(true)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(slog.Default(), server.URL)

	require.NoError(t, client.AbortSession(t.Context(), "ses_123"))
	require.NoError(t, client.DeleteSession(t.Context(), "ses_123"))
	assert.True(t, aborted.Load())
	assert.True(t, deleted.Load())
}

func TestParseSSE_Framing(t *testing.T) {
	stream := `: welcome comment
event: session.updated
data: {"session": "ses_123"}

data: not json at all

event: other
data: {"n": 1}

`

	var frames []EventFrame

	err := parseSSE(t.Context(), strings.NewReader(stream), func(_ context.Context, frame EventFrame) {
		frames = append(frames, frame)
	})
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, "session.updated", frames[0].Event)
	assert.Equal(t, map[string]any{"session": "ses_123"}, frames[0].Data)

	// Default event type, payload kept as literal string when not JSON.
	assert.Equal(t, "message", frames[1].Event)
	assert.Equal(t, "not json at all", frames[1].Data)

	assert.Equal(t, "other", frames[2].Event)
}

func TestStreamEvents_CleanEOFEndsWithoutReconnect(t *testing.T) {
	var connections atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		connections.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"ok\": true}\n\n"))
	}))
	defer server.Close()

	client := NewClient(slog.Default(), server.URL)

	var frames atomic.Int32

	err := client.StreamEvents(t.Context(), func(_ context.Context, _ EventFrame) {
		frames.Add(1)
	}, time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, int32(1), connections.Load())
	assert.Equal(t, int32(1), frames.Load())
}

func TestStreamEvents_StopsOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient(slog.Default(), server.URL)

	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)

	go func() {
		done <- client.StreamEvents(ctx, func(_ context.Context, _ EventFrame) {}, time.Millisecond)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}
