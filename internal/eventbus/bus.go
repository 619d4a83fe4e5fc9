// Package eventbus fans outbound messages out to subscribers (the client
// hub, metrics) on a bounded worker pool so the control loop never blocks
// on slow consumers.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeOutbound carries a message for one client or all clients.
	EventTypeOutbound EventType = "outbound"
)

// Data keys
const (
	KeyClientID = "client_id"
	KeyPayload  = "payload"
)

// Default configuration. A single worker keeps outbound messages in
// publish order.
const (
	DefaultWorkerCount = 1
	DefaultQueueSize   = 256
)

// Event represents an event in the system
type Event struct {
	Type EventType
	Data map[string]interface{}
}

// Handler is a function that handles events
type Handler func(Event)

// work represents a unit of work for the worker pool
type work struct {
	event   Event
	handler Handler
}

// Bus provides event routing with a bounded worker pool
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler

	// Worker pool
	workQueue chan work
	wg        sync.WaitGroup

	closed  bool
	dropped atomic.Uint64
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount < 1 {
		workerCount = DefaultWorkerCount
	}
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	b := &Bus{
		handlers:  make(map[EventType][]Handler),
		workQueue: make(chan work, queueSize),
	}

	// Start worker pool
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

// worker processes events from the work queue
func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish sends an event to all subscribed handlers.
// Non-blocking: if the work queue is full or bus is closing, events are dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		log.Warn().Str("event_type", string(event.Type)).Msg("Event bus closing, dropping event")
		return
	}

	for _, handler := range b.handlers[event.Type] {
		select {
		case b.workQueue <- work{event: event, handler: handler}:
			// Successfully queued
		default:
			b.dropped.Add(1)
			log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Dropped returns the number of events dropped because the queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the worker pool gracefully.
// First signals publishers to stop, then closes the work queue and waits for workers.
func (b *Bus) Close(ctx context.Context) {
	// Publishers hold the read lock while sending, so once closed is set
	// under the write lock no send can hit the closed queue.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.workQueue)
	b.mu.Unlock()

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}

// Clear removes all handlers
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[EventType][]Handler)
}
