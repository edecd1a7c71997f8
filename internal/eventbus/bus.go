// Package eventbus implements the Event Bus of spec.md §4.5: a bounded
// queue for ordinary events plus a separate priority lane for critical
// topics, each critical event written to the WAL before publication
// acknowledges. The priority lane holds at most 4096 events; when it is
// full, publishing a critical event blocks until space frees up or the
// caller's context ends, and critical events are never dropped.
//
// Grounded on original_source/core/event_bus.py's two-queue discipline
// (asyncio.Queue with a critical bypass that drops the oldest non-critical
// event to make room) and on the teacher's internal/alert/alert.go
// fan-out-to-subscribers shape, re-expressed with pkg/concurrency's
// alitto/pond-backed WorkerPool instead of a bare goroutine-per-alert.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradegateway/internal/core"
	"tradegateway/pkg/concurrency"
	apperrors "tradegateway/pkg/errors"
	"tradegateway/pkg/telemetry"
)

// walRecord is the JSON-serialized form of a critical core.Event written to
// the WAL. Only topic/source/payload/critical are carried; sequence and
// timestamp are assigned by the WAL itself on append.
type walRecord struct {
	Topic    string      `json:"topic"`
	Source   string      `json:"source"`
	Payload  interface{} `json:"payload"`
	Critical bool        `json:"critical"`
}

func encodeEvent(event core.Event) ([]byte, error) {
	return json.Marshal(walRecord{
		Topic:    event.Topic,
		Source:   event.Source,
		Payload:  event.Payload,
		Critical: event.Critical,
	})
}

// Config configures a Bus instance.
type Config struct {
	MaxQueueSize   int
	CriticalTopics map[string]bool
	DrainDeadline  time.Duration
}

type subscription struct {
	id      uint64
	topic   string // "" for SubscribeAll wildcard subscribers
	handler func(core.Event)
}

// Bus is the Event Bus.
type Bus struct {
	mu            sync.Mutex
	subs          []*subscription
	nextSubID     uint64
	nextSeq       uint64
	queue         chan core.Event
	criticalQueue chan core.Event
	dropped       uint64

	shuttingDown atomic.Bool
	done         chan struct{}
	wg           sync.WaitGroup

	wal    core.IWAL
	logger core.ILogger
	config Config

	dispatchPool *concurrency.WorkerPool
}

// New constructs and starts a Bus. wal may be nil, in which case critical
// events skip WAL durability (only acceptable outside production wiring;
// the gateway always supplies one).
func New(config Config, wal core.IWAL, logger core.ILogger) *Bus {
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 10000
	}
	if config.DrainDeadline <= 0 {
		config.DrainDeadline = 30 * time.Second
	}

	b := &Bus{
		queue:         make(chan core.Event, config.MaxQueueSize),
		criticalQueue: make(chan core.Event, 4096), // priority lane, bounded at 4096 events; Publish blocks when full
		done:          make(chan struct{}),
		wal:           wal,
		logger:        logger.WithField("component", "event_bus"),
		config:        config,
		dispatchPool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "event_bus_dispatch",
			MaxWorkers:  16,
			MaxCapacity: config.MaxQueueSize,
		}, logger),
	}

	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Publish enqueues an event. Critical topics are flushed to the WAL
// synchronously before this call returns (spec invariant 6); non-critical
// topics are dropped (oldest first) when the bounded lane is full.
func (b *Bus) Publish(ctx context.Context, topic string, payload interface{}, source string) error {
	if b.shuttingDown.Load() {
		return apperrors.ErrEventBusShutdown
	}

	seq := atomic.AddUint64(&b.nextSeq, 1)
	event := core.Event{
		Topic:     topic,
		Payload:   payload,
		Source:    source,
		Sequence:  seq,
		Timestamp: time.Now(),
		Critical:  b.config.CriticalTopics[topic],
	}

	if event.Critical {
		if b.wal != nil {
			data, err := encodeEvent(event)
			if err != nil {
				return fmt.Errorf("encoding critical event for WAL: %w", err)
			}
			if _, err := b.wal.Append(topic, data); err != nil {
				return fmt.Errorf("writing critical event to WAL: %w", err)
			}
		}
		select {
		case b.criticalQueue <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	select {
	case b.queue <- event:
		return nil
	default:
		b.dropOldestLocked(event)
		return nil
	}
}

func (b *Bus) dropOldestLocked(incoming core.Event) {
	ctx := context.Background()
	select {
	case dropped := <-b.queue:
		atomic.AddUint64(&b.dropped, 1)
		telemetry.GetGlobalMetrics().IncEventBusDropped(ctx)
		b.updateQueueDepthMetrics()
		b.logger.Warn("event bus full, dropped oldest non-critical event",
			"dropped_topic", dropped.Topic, "incoming_topic", incoming.Topic)
		select {
		case b.queue <- incoming:
		default:
			atomic.AddUint64(&b.dropped, 1)
			telemetry.GetGlobalMetrics().IncEventBusDropped(ctx)
			b.logger.Error("event bus still full after eviction, dropping incoming event",
				"topic", incoming.Topic)
		}
	default:
		atomic.AddUint64(&b.dropped, 1)
		telemetry.GetGlobalMetrics().IncEventBusDropped(ctx)
		b.logger.Error("event bus full and empty of non-critical events to evict, dropping",
			"topic", incoming.Topic)
	}
}

func (b *Bus) updateQueueDepthMetrics() {
	telemetry.GetGlobalMetrics().SetEventBusQueueDepth("standard", int64(len(b.queue)))
	telemetry.GetGlobalMetrics().SetEventBusQueueDepth("critical", int64(len(b.criticalQueue)))
}

// Subscribe registers handler for topic. Delivery is in monotonic sequence
// order per topic (spec §4.5). The returned func unsubscribes.
func (b *Bus) Subscribe(topic string, handler func(core.Event)) func() {
	return b.addSub(topic, handler)
}

// SubscribeAll registers a wildcard handler invoked for every topic.
func (b *Bus) SubscribeAll(handler func(core.Event)) func() {
	return b.addSub("", handler)
}

func (b *Bus) addSub(topic string, handler func(core.Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	sub := &subscription{id: b.nextSubID, topic: topic, handler: handler}
	b.subs = append(b.subs, sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.criticalQueue:
			b.deliver(event)
		default:
			select {
			case event := <-b.criticalQueue:
				b.deliver(event)
			case event := <-b.queue:
				b.deliver(event)
			case <-b.done:
				b.drainRemaining()
				return
			}
		}
	}
}

// drainRemaining flushes whatever is still queued, up to DrainDeadline,
// implementing the two-phase shutdown of spec §4.5.
func (b *Bus) drainRemaining() {
	deadline := time.After(b.config.DrainDeadline)
	for {
		select {
		case event := <-b.criticalQueue:
			b.deliver(event)
		case event := <-b.queue:
			b.deliver(event)
		case <-deadline:
			remaining := len(b.queue) + len(b.criticalQueue)
			if remaining > 0 {
				b.logger.Warn("event bus shutdown deadline reached with events still queued",
					"remaining", remaining)
			}
			return
		default:
			return
		}
	}
}

// deliver invokes every matching subscriber (and wildcard subscribers),
// isolating panics/errors per spec §4.5 ("a misbehaving subscriber is
// isolated").
func (b *Bus) deliver(event core.Event) {
	b.updateQueueDepthMetrics()

	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.topic == event.Topic || s.topic == "" {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	// Each subscriber runs on the pond-backed dispatch pool but is waited on
	// before the next subscriber (and the next event) proceeds, preserving
	// the "monotonic sequence order per topic, single-producer-multi-consumer
	// per subscriber" delivery guarantee of spec §4.5 while still running
	// off the single dispatch-loop goroutine's stack.
	for _, s := range targets {
		sub := s
		b.dispatchPool.SubmitAndWait(func() { b.invokeSafely(sub, event) })
	}
}

func (b *Bus) invokeSafely(s *subscription, event core.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "topic", event.Topic, "panic", r)
			if event.Topic != core.TopicSystemError {
				_ = b.Publish(context.Background(), core.TopicSystemError,
					fmt.Sprintf("subscriber panic on topic %s: %v", event.Topic, r), "event_bus")
			}
		}
	}()
	s.handler(event)
}

// Shutdown stops accepting new events and flushes what remains, up to
// ctx's deadline or config.DrainDeadline, whichever is shorter.
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)

	waited := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.dispatchPool.Stop()
	return err
}

// DroppedCount returns the number of non-critical events dropped due to a
// full queue since the bus was constructed.
func (b *Bus) DroppedCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}

var _ core.IEventBus = (*Bus)(nil)
