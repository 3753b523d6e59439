package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"clinicBack/internal/models"
)

// ErrQueueFull is recorded on events dropped because every worker is busy.
var ErrQueueFull = errors.New("event queue full")

// EventProcessor is what the queue hands events to.
type EventProcessor interface {
	HandleEvent(ctx context.Context, ev models.ProcessorEvent) error
	RecordFailed(ctx context.Context, ev models.ProcessorEvent, cause error) error
}

type EventQueueConfig struct {
	Workers  int
	Capacity int
	Timeout  time.Duration
	Logger   *slog.Logger
}

// EventQueue decouples webhook acknowledgement from processing.
type EventQueue struct {
	proc    EventProcessor
	events  chan models.ProcessorEvent
	workers int
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewEventQueue(proc EventProcessor, cfg EventQueueConfig) *EventQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &EventQueue{
		proc:    proc,
		events:  make(chan models.ProcessorEvent, cfg.Capacity),
		workers: cfg.Workers,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Start launches the workers. They exit after Stop once the buffer is drained.
func (q *EventQueue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	q.logger.Info("event queue started", "workers", q.workers, "capacity", cap(q.events))
}

func (q *EventQueue) work() {
	defer q.wg.Done()
	for ev := range q.events {
		q.process(ev)
	}
}

func (q *EventQueue) process(ev models.ProcessorEvent) {
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error("event handler panic", "event", ev.ID, "type", ev.Type, "panic", p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	if err := q.proc.HandleEvent(ctx, ev); err != nil {
		q.logger.Error("event processing failed", "event", ev.ID, "type", ev.Type, "err", err)
	}
}

// Enqueue never blocks. A full or stopped queue records the event as failed
// so the replay sweeper picks it up.
func (q *EventQueue) Enqueue(ev models.ProcessorEvent) bool {
	q.mu.RLock()
	if !q.closed {
		select {
		case q.events <- ev:
			q.mu.RUnlock()
			return true
		default:
		}
	}
	q.mu.RUnlock()

	q.logger.Warn("event queue full, deferring to replay", "event", ev.ID, "type", ev.Type)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := q.proc.RecordFailed(ctx, ev, ErrQueueFull); err != nil {
			q.logger.Error("record dropped event failed", "event", ev.ID, "err", err)
		}
	}()
	return false
}

// Stop stops accepting events and waits for queued ones to finish.
func (q *EventQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
