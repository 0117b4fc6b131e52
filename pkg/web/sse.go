package web

import (
	"bufio"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/baton-dev/baton/pkg/broker"
)

// heartbeatInterval bounds each subscriber read so a dead connection is
// detected even when no events flow.
const heartbeatInterval = 15 * time.Second

// StreamEvents serves the live backend event stream over SSE. Each connected
// client gets its own broker subscription; a flush failure ends the loop and
// releases it.
func (h *APIHandlers) StreamEvents(c fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	sub := h.broker.Subscribe()

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer h.broker.Unsubscribe(sub)

		for {
			select {
			case frame := <-sub.C:
				if frame == broker.Stop {
					return
				}

				if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
					return
				}
			case <-time.After(heartbeatInterval):
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
			}

			if err := w.Flush(); err != nil {
				return
			}
		}
	})
}
