/*
dispatcher.go - Asynchronous fan-out of events to sinks

DESIGN:
  - Notify does a non-blocking send into a bounded queue; a full or
    stopped queue drops the event (logged, counted)
  - Workers deliver each event to every sink with a per-send timeout
  - Sink errors and panics are logged and counted, never propagated

USAGE:
  d := notify.NewDispatcher(notify.DispatcherOptions{Workers: 4}, sinks...)
  d.Start()
  defer d.Stop()
  ledger := wallet.NewLedger(store, wallet.Options{Notifier: d})
*/
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twezimbe/bf-ledger/metrics"
)

type DispatcherOptions struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
	Logger      *zap.Logger
}

type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	workers int
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(opts DispatcherOptions, sinks ...Sink) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, opts.QueueSize),
		workers: opts.Workers,
		timeout: opts.SendTimeout,
		logger:  opts.Logger,
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	d.logger.Info("notification dispatcher started",
		zap.Int("workers", d.workers), zap.Int("sinks", len(d.sinks)))
}

// Stop closes the queue and waits for queued events to be delivered.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("notification dispatcher stopped")
}

// Notify enqueues e without blocking.
func (d *Dispatcher) Notify(_ context.Context, e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.drop(e, "stopped")
		return
	}
	select {
	case d.queue <- e:
	default:
		d.drop(e, "queue full")
	}
}

func (d *Dispatcher) drop(e Event, reason string) {
	metrics.NotificationsDropped.Inc()
	d.logger.Warn("notification dropped",
		zap.String("reason", reason),
		zap.String("kind", string(e.Kind)),
		zap.String("key", e.Key()))
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.queue {
		for _, s := range d.sinks {
			d.deliver(s, e)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sink panic: %v", r)
			}
		}()
		return s.Send(ctx, e)
	}()
	if err != nil {
		metrics.NotificationFailures.WithLabelValues(s.Name()).Inc()
		d.logger.Error("notification delivery failed",
			zap.String("sink", s.Name()),
			zap.String("kind", string(e.Kind)),
			zap.String("event_id", e.ID),
			zap.Error(err))
	}
}
