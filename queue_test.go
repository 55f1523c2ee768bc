package agentdesk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	seen   []string
	failed []Event
}

func (r *recorder) apply(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ev.ConversationID)
	return nil
}

func (r *recorder) onError(ev Event, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, ev)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEventQueueOrdersByTimestamp(t *testing.T) {
	rec := &recorder{}
	q := NewEventQueue(rec.apply, rec.onError, zerolog.Nop())

	require.NoError(t, q.Push(Event{Type: EventActivity, ConversationID: "third", Timestamp: at(3)}))
	require.NoError(t, q.Push(Event{Type: EventActivity, ConversationID: "first", Timestamp: at(1)}))
	require.NoError(t, q.Push(Event{Type: EventActivity, ConversationID: "second-a", Timestamp: at(2)}))
	require.NoError(t, q.Push(Event{Type: EventActivity, ConversationID: "second-b", Timestamp: at(2)}))
	assert.Equal(t, 4, q.Stats().Depth)

	ctx := waitCtx(t)
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.WaitIdle(ctx))

	assert.Equal(t, []string{"first", "second-a", "second-b", "third"}, rec.snapshot())
	stats := q.Stats()
	assert.True(t, stats.Started)
	assert.EqualValues(t, 4, stats.Pushed)
	assert.EqualValues(t, 4, stats.Applied)
	assert.Zero(t, stats.Depth)
	require.NoError(t, q.Stop(ctx))
}

func TestEventQueueStartTwice(t *testing.T) {
	q := NewEventQueue(func(context.Context, Event) error { return nil }, nil, zerolog.Nop())
	ctx := waitCtx(t)
	require.NoError(t, q.Start(ctx))
	assert.ErrorIs(t, q.Start(ctx), ErrQueueStarted)
	require.NoError(t, q.Stop(ctx))
}

func TestEventQueueFailuresDoNotStopProcessing(t *testing.T) {
	rec := &recorder{}
	failing := errors.New("boom")
	apply := func(ctx context.Context, ev Event) error {
		switch ev.ConversationID {
		case "err":
			return failing
		case "panic":
			panic("bad event")
		}
		return rec.apply(ctx, ev)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	q := NewEventQueue(apply, func(ev Event, err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}, zerolog.Nop())

	failedBefore := testutil.ToFloat64(eventsFailed.WithLabelValues(string(EventConversationTagsUpdated)))

	ctx := waitCtx(t)
	require.NoError(t, q.Start(ctx))
	for i, id := range []string{"a", "err", "panic", "b"} {
		require.NoError(t, q.Push(Event{Type: EventConversationTagsUpdated, ConversationID: id, Timestamp: at(i)}))
	}
	require.NoError(t, q.WaitIdle(ctx))

	assert.Equal(t, []string{"a", "b"}, rec.snapshot())
	mu.Lock()
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], failing)
	assert.Contains(t, errs[1].Error(), "bad event")
	mu.Unlock()

	stats := q.Stats()
	assert.EqualValues(t, 2, stats.Applied)
	assert.EqualValues(t, 2, stats.Failed)
	assert.Equal(t, failedBefore+2, testutil.ToFloat64(eventsFailed.WithLabelValues(string(EventConversationTagsUpdated))))
	require.NoError(t, q.Stop(ctx))
}

func TestEventQueueStopDrains(t *testing.T) {
	rec := &recorder{}
	slow := func(ctx context.Context, ev Event) error {
		time.Sleep(5 * time.Millisecond)
		return rec.apply(ctx, ev)
	}
	q := NewEventQueue(slow, nil, zerolog.Nop())
	ctx := waitCtx(t)
	require.NoError(t, q.Start(ctx))
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(Event{Type: EventActivity, ConversationID: "c", Timestamp: at(i)}))
	}

	require.NoError(t, q.Stop(ctx))
	assert.Len(t, rec.snapshot(), 5)
	assert.ErrorIs(t, q.Push(Event{Type: EventActivity}), ErrQueueStopped)
	assert.False(t, q.Stats().Started)
}

func TestEventQueueWaitIdleHonorsContext(t *testing.T) {
	block := make(chan struct{})
	q := NewEventQueue(func(context.Context, Event) error {
		<-block
		return nil
	}, nil, zerolog.Nop())
	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Push(Event{Type: EventActivity, ConversationID: "c"}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := q.WaitIdle(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	require.NoError(t, q.Stop(waitCtx(t)))
}

func TestEventQueuePushDefaultsTimestamp(t *testing.T) {
	var got Event
	q := NewEventQueue(func(_ context.Context, ev Event) error {
		got = ev
		return nil
	}, nil, zerolog.Nop())
	ctx := waitCtx(t)
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Push(Event{Type: EventActivity, ConversationID: "c"}))
	require.NoError(t, q.Stop(ctx))
	assert.False(t, got.Timestamp.IsZero())
}
