package agentdesk

import (
	"container/heap"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	ErrQueueStarted = errors.New("agentdesk: event queue already started")
	ErrQueueStopped = errors.New("agentdesk: event queue stopped")
)

// Event is one inbound server message waiting to be applied.
type Event struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Message        json.RawMessage `json:"message"`

	seq uint64
}

// ApplyFunc applies a single event to local state.
type ApplyFunc func(ctx context.Context, ev Event) error

// QueueStats is a point-in-time view of the queue counters.
type QueueStats struct {
	Started  bool   `json:"started"`
	Depth    int    `json:"depth"`
	InFlight int64  `json:"in_flight"`
	Pushed   uint64 `json:"pushed"`
	Applied  uint64 `json:"applied"`
	Failed   uint64 `json:"failed"`
}

// EventQueue orders events by timestamp and applies them one at a time on a
// single consumer goroutine. Push never blocks.
type EventQueue struct {
	apply   ApplyFunc
	onError func(Event, error)
	logger  zerolog.Logger

	mu       sync.Mutex
	pending  eventHeap
	nextSeq  uint64
	started  bool
	stopping bool
	cancel   context.CancelFunc
	done     chan struct{}
	notify   chan struct{}

	inFlight atomic.Int64
	pushed   atomic.Uint64
	applied  atomic.Uint64
	failed   atomic.Uint64
}

// NewEventQueue creates a queue that hands events to apply. onError may be nil.
func NewEventQueue(apply ApplyFunc, onError func(Event, error), logger zerolog.Logger) *EventQueue {
	return &EventQueue{
		apply:   apply,
		onError: onError,
		logger:  logger,
		notify:  make(chan struct{}, 1),
	}
}

// Push enqueues ev. Events pushed before Start are held until the loop runs.
func (q *EventQueue) Push(ev Event) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	q.nextSeq++
	ev.seq = q.nextSeq
	heap.Push(&q.pending, ev)
	depth := q.pending.Len()
	q.mu.Unlock()

	q.pushed.Add(1)
	queueDepth.Set(float64(depth))
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the consumer loop. It may be called once.
func (q *EventQueue) Start(parent context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return ErrQueueStarted
	}
	if q.stopping {
		return ErrQueueStopped
	}
	ctx, cancel := context.WithCancel(parent)
	q.cancel = cancel
	q.started = true
	q.done = make(chan struct{})
	go q.loop(ctx, q.done)
	return nil
}

// Stop refuses new events, waits for queued ones to be applied or for ctx to
// expire, then ends the loop.
func (q *EventQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return nil
	}
	q.stopping = true
	started := q.started
	cancel := q.cancel
	done := q.done
	q.mu.Unlock()

	if !started {
		return nil
	}
	err := q.WaitIdle(ctx)
	cancel()
	<-done
	return err
}

// WaitIdle blocks until nothing is queued or being applied.
func (q *EventQueue) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if q.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "wait for event queue")
		case <-ticker.C:
		}
	}
}

// Stats returns a snapshot of the queue counters.
func (q *EventQueue) Stats() QueueStats {
	q.mu.Lock()
	started := q.started && !q.stopping
	depth := q.pending.Len()
	q.mu.Unlock()

	return QueueStats{
		Started:  started,
		Depth:    depth,
		InFlight: q.inFlight.Load(),
		Pushed:   q.pushed.Load(),
		Applied:  q.applied.Load(),
		Failed:   q.failed.Load(),
	}
}

func (q *EventQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len() == 0 && q.inFlight.Load() == 0
}

func (q *EventQueue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		ev, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		q.run(ctx, ev)
		q.inFlight.Add(-1)
	}
}

// pop removes the earliest event and marks it in flight under the same lock,
// so WaitIdle never observes the gap between the two.
func (q *EventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return Event{}, false
	}
	ev := heap.Pop(&q.pending).(Event)
	q.inFlight.Add(1)
	queueDepth.Set(float64(q.pending.Len()))
	return ev, true
}

func (q *EventQueue) run(ctx context.Context, ev Event) {
	start := time.Now()
	err := q.safeApply(ctx, ev)
	applyDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		q.applied.Add(1)
		eventsApplied.WithLabelValues(string(ev.Type)).Inc()
		return
	}

	q.failed.Add(1)
	eventsFailed.WithLabelValues(string(ev.Type)).Inc()
	q.logger.Error().Err(err).
		Str("event_type", string(ev.Type)).
		Str("conversation_id", ev.ConversationID).
		Time("timestamp", ev.Timestamp).
		Msg("apply event failed")
	if q.onError != nil {
		q.onError(ev, err)
	}
}

func (q *EventQueue) safeApply(ctx context.Context, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while applying %s: %v", ev.Type, r)
		}
	}()
	return q.apply(ctx, ev)
}

// eventHeap is a min-heap on (Timestamp, seq).
type eventHeap []Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if !h[i].Timestamp.Equal(h[j].Timestamp) {
		return h[i].Timestamp.Before(h[j].Timestamp)
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(Event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = Event{}
	*h = old[:n-1]
	return ev
}
