// Package broker relays the backend's live event stream to any number of
// independent observers without back-pressure coupling.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/baton-dev/baton/pkg/backend"
)

// queueSize bounds each observer's queue so one slow client cannot grow
// memory without limit.
const queueSize = 512

// Stop is the shutdown sentinel delivered to every subscriber when the broker
// stops. Read loops should terminate when they receive it.
const Stop = "\x00stop"

// Subscriber is one observer's handle: a bounded queue of serialized frames.
type Subscriber struct {
	C chan string
}

// Broker maintains exactly one upstream connection to the backend event
// stream and replicates every frame to all current subscribers. A full
// subscriber queue drops the frame for that subscriber only; the upstream
// reader is never blocked by a slow observer.
type Broker struct {
	client *backend.Client
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[*Subscriber]bool
	cancel      context.CancelFunc
	done        chan struct{}
}

func New(logger *slog.Logger, client *backend.Client) *Broker {
	return &Broker{
		client:      client,
		logger:      logger,
		subscribers: make(map[*Subscriber]bool),
	}
}

// Subscribe registers a new observer queue.
func (b *Broker) Subscribe() *Subscriber {
	sub := &Subscriber{C: make(chan string, queueSize)}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return sub
}

// Unsubscribe removes an observer. Safe to call after the broker stopped or
// for an already-removed subscriber.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, sub)
	b.mu.Unlock()
}

// Start opens the upstream connection in a background goroutine. Idempotent:
// a second call while already running is a no-op.
func (b *Broker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.run(runCtx, b.done)
}

// Stop closes the upstream connection, waits for the background goroutine,
// and places the shutdown sentinel on every subscriber queue.
func (b *Broker) Stop() {
	b.mu.Lock()
	cancel := b.cancel
	done := b.done
	b.cancel = nil
	b.done = nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		select {
		case sub.C <- Stop:
		default:
		}
	}
}

func (b *Broker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	err := b.client.StreamEvents(ctx, b.fanOut, time.Second)
	if err != nil {
		b.logger.ErrorContext(ctx, "Event stream terminated", "error", err)
	}
}

func (b *Broker) fanOut(ctx context.Context, frame backend.EventFrame) {
	serialized, err := json.Marshal(frame)
	if err != nil {
		b.logger.WarnContext(ctx, "Failed to serialize event frame", "error", err)

		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		select {
		case sub.C <- string(serialized):
		default:
			b.logger.WarnContext(ctx, "Subscriber queue full, dropping frame", "event", frame.Event)
		}
	}
}
