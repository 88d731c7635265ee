package stream_test

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
	"github.com/capitalize-ai/resumable-chat/internal/model"
	"github.com/capitalize-ai/resumable-chat/internal/stream"
	"github.com/capitalize-ai/resumable-chat/pkg/logger"
)

func newRegistry(t *testing.T, opts ...stream.Option) *stream.Registry {
	t.Helper()
	return stream.NewRegistry(stream.DefaultConfig(), stream.NewMemoryIndex(), logger.Nop(), opts...)
}

func textEvent(t *testing.T, text string) model.Event {
	t.Helper()
	ev, err := model.NewEvent(model.EventTextDelta, model.TextDelta{Text: text})
	require.NoError(t, err)
	return ev
}

func doneEvent(t *testing.T) model.Event {
	t.Helper()
	ev, err := model.NewEvent(model.EventDone, model.DoneEvent{MessageID: "m1", FinishReason: "stop"})
	require.NoError(t, err)
	return ev
}

// staticProducer emits events in order and returns err at the end.
func staticProducer(events []model.Event, err error) stream.Producer {
	return func(ctx context.Context) iter.Seq2[model.Event, error] {
		return func(yield func(model.Event, error) bool) {
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
			if err != nil {
				yield(model.Event{}, err)
			}
		}
	}
}

// gatedProducer emits one event per value received on gate and finishes when
// gate is closed.
func gatedProducer(gate <-chan model.Event) stream.Producer {
	return func(ctx context.Context) iter.Seq2[model.Event, error] {
		return func(yield func(model.Event, error) bool) {
			for {
				select {
				case ev, ok := <-gate:
					if !ok {
						return
					}
					if !yield(ev, nil) {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func collect(t *testing.T, seq iter.Seq[model.Event]) []model.Event {
	t.Helper()
	var out []model.Event
	for ev := range seq {
		out = append(out, ev)
	}
	return out
}

func texts(t *testing.T, events []model.Event) []string {
	t.Helper()
	var out []string
	for _, ev := range events {
		if ev.Type != model.EventTextDelta {
			continue
		}
		var d model.TextDelta
		require.NoError(t, ev.Decode(&d))
		out = append(out, d.Text)
	}
	return out
}

func waitFinal(t *testing.T, reg *stream.Registry, id string) stream.Info {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reg.Wait(ctx, id))
	info, err := reg.Lookup(ctx, id)
	require.NoError(t, err)
	return info
}

func TestCreateStreamUpdatesIndex(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	_, ok, err := reg.ResolveCurrent(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	s1, err := reg.CreateStream(ctx, "c1")
	require.NoError(t, err)
	s2, err := reg.CreateStream(ctx, "c1")
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)

	current, ok, err := reg.ResolveCurrent(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s2, current)

	// The superseded record is still addressable by its own id.
	info, err := reg.Lookup(ctx, s1)
	require.NoError(t, err)
	assert.Equal(t, "c1", info.ConversationID)
	assert.Equal(t, stream.StatusActive, info.Status)
}

func TestReplayFidelity(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	id, err := reg.CreateStream(ctx, "c1")
	require.NoError(t, err)

	gate := make(chan model.Event)
	require.NoError(t, reg.AttachProducer(ctx, id, gatedProducer(gate)))

	live, err := reg.Tail(ctx, id)
	require.NoError(t, err)

	var got []model.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		got = collect(t, live)
	}()

	gate <- textEvent(t, "Hi")
	gate <- textEvent(t, " there")
	gate <- doneEvent(t)
	close(gate)
	<-done

	info := waitFinal(t, reg, id)
	assert.Equal(t, stream.StatusCompleted, info.Status)

	replay, err := reg.Tail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, got, collect(t, replay))
	assert.Equal(t, []string{"Hi", " there"}, texts(t, got))
	for i, ev := range got {
		assert.Equal(t, i, ev.Seq)
	}
}

func TestConcurrentTails(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	id, err := reg.CreateStream(ctx, "c1")
	require.NoError(t, err)

	gate := make(chan model.Event)
	require.NoError(t, reg.AttachProducer(ctx, id, gatedProducer(gate)))

	var wg sync.WaitGroup
	results := make([][]model.Event, 2)
	startTail := func(i int) {
		seq, err := reg.Tail(ctx, id)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = collect(t, seq)
		}()
	}

	startTail(0)
	for _, s := range []string{"a", "b", "c"} {
		gate <- textEvent(t, s)
	}
	// The second consumer joins mid-stream.
	startTail(1)
	for _, s := range []string{"d", "e"} {
		gate <- textEvent(t, s)
	}
	gate <- doneEvent(t)
	close(gate)
	wg.Wait()

	require.Len(t, results[0], 6)
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, texts(t, results[1]))
}

func TestProducerErrorKeepsPartialBuffer(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	id, err := reg.CreateStream(ctx, "c1")
	require.NoError(t, err)

	failure := apperr.Wrap(apperr.KindProvider, "provider unavailable", errors.New("503"))
	require.NoError(t, reg.AttachProducer(ctx, id, staticProducer(
		[]model.Event{textEvent(t, "partial")}, failure,
	)))

	info := waitFinal(t, reg, id)
	assert.Equal(t, stream.StatusErrored, info.Status)

	seq, err := reg.Tail(ctx, id)
	require.NoError(t, err)
	events := collect(t, seq)
	require.Len(t, events, 2)
	assert.Equal(t, []string{"partial"}, texts(t, events))
	assert.Equal(t, model.EventError, events[1].Type)

	var payload model.ErrorEvent
	require.NoError(t, events[1].Decode(&payload))
	assert.Equal(t, string(apperr.KindProvider), payload.Code)
	assert.Equal(t, "provider unavailable", payload.Message)
}

func TestInBandErrorIsNotDuplicated(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	id, err := reg.CreateStream(ctx, "c1")
	require.NoError(t, err)

	errEv, err := model.NewEvent(model.EventError, model.ErrorEvent{Code: "provider_error", Message: "boom"})
	require.NoError(t, err)
	require.NoError(t, reg.AttachProducer(ctx, id, staticProducer(
		[]model.Event{textEvent(t, "x"), errEv}, errors.New("boom"),
	)))

	info := waitFinal(t, reg, id)
	assert.Equal(t, stream.StatusErrored, info.Status)
	assert.Equal(t, 2, info.Events)
}

func TestCancelFinalizesAsCompleted(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	id, err := reg.CreateStream(ctx, "c1")
	require.NoError(t, err)

	started := make(chan struct{})
	var cause error
	require.NoError(t, reg.AttachProducer(ctx, id, func(ctx context.Context) iter.Seq2[model.Event, error] {
		return func(yield func(model.Event, error) bool) {
			if !yield(textEvent(t, "partial"), nil) {
				return
			}
			close(started)
			<-ctx.Done()
			cause = context.Cause(ctx)
		}
	}))

	<-started
	activeID, ok := reg.Active(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, id, activeID)

	assert.True(t, reg.Cancel(id))

	info := waitFinal(t, reg, id)
	assert.Equal(t, stream.StatusCompleted, info.Status)
	assert.ErrorIs(t, cause, stream.ErrStopped)
	assert.False(t, reg.Cancel(id), "a final stream cannot be cancelled again")

	_, ok = reg.Active(ctx, "c1")
	assert.False(t, ok)
}

func TestAttachProducerTwice(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	id, err := reg.CreateStream(ctx, "c1")
	require.NoError(t, err)

	gate := make(chan model.Event)
	require.NoError(t, reg.AttachProducer(ctx, id, gatedProducer(gate)))
	assert.ErrorIs(t, reg.AttachProducer(ctx, id, gatedProducer(gate)), stream.ErrProducerAttached)
	close(gate)
	waitFinal(t, reg, id)
}

func TestConcurrentCreateStreamSameConversation(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := reg.CreateStream(ctx, "c1")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	current, ok, err := reg.ResolveCurrent(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, ids, current)

	for _, id := range ids {
		info, err := reg.Lookup(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "c1", info.ConversationID)
	}
	assert.Equal(t, n, reg.Len())
}

func TestTailUnknownStream(t *testing.T) {
	reg := newRegistry(t)

	_, err := reg.Tail(context.Background(), "missing")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestTailStopsWithContext(t *testing.T) {
	reg := newRegistry(t)

	id, err := reg.CreateStream(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	seq, err := reg.Tail(ctx, id)
	require.NoError(t, err)

	done := make(chan []model.Event)
	go func() { done <- collect(t, seq) }()
	cancel()

	select {
	case events := <-done:
		assert.Empty(t, events)
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not stop after context cancellation")
	}
}

func TestEvictExpired(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	reg := stream.NewRegistry(stream.Config{Retention: time.Minute, JanitorInterval: 10 * time.Millisecond},
		stream.NewMemoryIndex(), logger.Nop(), stream.WithClock(clock.Now))
	ctx := context.Background()

	finished, err := reg.CreateStream(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, reg.Finalize(ctx, finished, stream.StatusCompleted))
	active, err := reg.CreateStream(ctx, "c2")
	require.NoError(t, err)

	assert.False(t, reg.Evict(active), "active records are never evicted")

	clock.Advance(2 * time.Minute)
	runCtx, stop := context.WithCancel(ctx)
	go reg.Run(runCtx)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	stop()

	_, err = reg.Lookup(ctx, finished)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = reg.Lookup(ctx, active)
	assert.NoError(t, err)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memJournal is an in-memory Journal.
type memJournal struct {
	mu        sync.Mutex
	events    map[string][]model.Event
	convs     map[string]string
	lifecycle []model.LifecycleEvent
}

func newMemJournal() *memJournal {
	return &memJournal{events: map[string][]model.Event{}, convs: map[string]string{}}
}

func (j *memJournal) Append(_ context.Context, conversationID, streamID string, ev model.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events[streamID] = append(j.events[streamID], ev)
	j.convs[streamID] = conversationID
	return nil
}

func (j *memJournal) Replay(_ context.Context, streamID string) (*stream.Replay, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	events, ok := j.events[streamID]
	if !ok {
		return nil, stream.ErrNotJournaled
	}
	return &stream.Replay{ConversationID: j.convs[streamID], Events: append([]model.Event(nil), events...)}, nil
}

func (j *memJournal) Lifecycle(_ context.Context, ev model.LifecycleEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lifecycle = append(j.lifecycle, ev)
	return nil
}

func TestJournalReplayAfterEviction(t *testing.T) {
	journal := newMemJournal()
	reg := newRegistry(t, stream.WithJournal(journal))
	ctx := context.Background()

	id, err := reg.CreateStream(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, reg.AttachProducer(ctx, id, staticProducer(
		[]model.Event{textEvent(t, "Hi"), textEvent(t, " there"), doneEvent(t)}, nil,
	)))
	waitFinal(t, reg, id)

	seq, err := reg.Tail(ctx, id)
	require.NoError(t, err)
	original := collect(t, seq)

	require.True(t, reg.Evict(id))
	assert.Equal(t, 0, reg.Len())

	seq, err = reg.Tail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, original, collect(t, seq))

	info, err := reg.Lookup(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stream.StatusCompleted, info.Status)
	assert.Equal(t, "c1", info.ConversationID)

	lifecycleTypes := func() []model.LifecycleType {
		journal.mu.Lock()
		defer journal.mu.Unlock()
		types := make([]model.LifecycleType, 0, len(journal.lifecycle))
		for _, ev := range journal.lifecycle {
			types = append(types, ev.Type)
		}
		return types
	}
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(
			[]model.LifecycleType{model.LifecycleStarted, model.LifecycleCompleted},
			lifecycleTypes(),
		)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInterruptedJournalGetsErrorMarker(t *testing.T) {
	journal := newMemJournal()
	require.NoError(t, journal.Append(context.Background(), "c1", "s-lost", textEvent(t, "half")))

	reg := newRegistry(t, stream.WithJournal(journal))
	seq, err := reg.Tail(context.Background(), "s-lost")
	require.NoError(t, err)

	events := collect(t, seq)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventError, events[1].Type)
	assert.Equal(t, 1, events[1].Seq)

	info, err := reg.Lookup(context.Background(), "s-lost")
	require.NoError(t, err)
	assert.Equal(t, stream.StatusErrored, info.Status)
}

// lossyJournal fails to journal the event with sequence number drop.
type lossyJournal struct {
	*memJournal
	drop int
}

func (j *lossyJournal) Append(ctx context.Context, conversationID, streamID string, ev model.Event) error {
	if ev.Seq == j.drop {
		return errors.New("publish timed out")
	}
	return j.memJournal.Append(ctx, conversationID, streamID, ev)
}

func TestJournalWithGapIsNotRestored(t *testing.T) {
	journal := &lossyJournal{memJournal: newMemJournal(), drop: 1}
	reg := newRegistry(t, stream.WithJournal(journal))
	ctx := context.Background()

	id, err := reg.CreateStream(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, reg.AttachProducer(ctx, id, staticProducer(
		[]model.Event{textEvent(t, "Hi"), textEvent(t, " there"), doneEvent(t)}, nil,
	)))
	waitFinal(t, reg, id)

	seq, err := reg.Tail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi", " there"}, texts(t, collect(t, seq)), "live readers see every event")

	require.True(t, reg.Evict(id))

	_, err = reg.Tail(ctx, id)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	_, err = reg.Lookup(ctx, id)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestJournalRedeliveryIsDeduplicated(t *testing.T) {
	journal := newMemJournal()
	ctx := context.Background()
	for i, ev := range []model.Event{textEvent(t, "Hi"), textEvent(t, " there"), doneEvent(t)} {
		ev.Seq = i
		require.NoError(t, journal.Append(ctx, "c1", "s1", ev))
		if i == 0 {
			require.NoError(t, journal.Append(ctx, "c1", "s1", ev))
		}
	}

	reg := newRegistry(t, stream.WithJournal(journal))
	seq, err := reg.Tail(ctx, "s1")
	require.NoError(t, err)

	events := collect(t, seq)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, i, ev.Seq)
	}
	assert.Equal(t, []string{"Hi", " there"}, texts(t, events))
}
