// Package stream holds in-flight and recently finished generation output so
// that clients can tail a generation live or replay it after reconnecting.
package stream

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
	"github.com/capitalize-ai/resumable-chat/internal/model"
	"github.com/capitalize-ai/resumable-chat/pkg/logger"
	"github.com/capitalize-ai/resumable-chat/pkg/metrics"
)

// ErrStopped is the cancellation cause of a generation stopped by the client.
var ErrStopped = errors.New("generation stopped by client")

// ErrProducerAttached is returned when a record already has a producer.
var ErrProducerAttached = errors.New("stream already has a producer")

const journalTimeout = 5 * time.Second

// Producer emits the events of one generation. It must stop when ctx is
// done. A non-nil error ends the stream as errored.
type Producer func(ctx context.Context) iter.Seq2[model.Event, error]

// Config controls record retention.
type Config struct {
	// Retention is how long finalized records stay in memory.
	Retention time.Duration
	// JanitorInterval is how often expired records are evicted.
	JanitorInterval time.Duration
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Retention:       10 * time.Minute,
		JanitorInterval: time.Minute,
	}
}

// Registry owns stream records and the conversation → stream index.
type Registry struct {
	cfg     Config
	index   Index
	journal Journal
	logger  *logger.Logger
	now     func() time.Time

	mu      sync.RWMutex
	records map[string]*Record

	convLocks *keyedMutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithJournal mirrors every event into j.
func WithJournal(j Journal) Option {
	return func(r *Registry) { r.journal = j }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry backed by index.
func NewRegistry(cfg Config, index Index, log *logger.Logger, opts ...Option) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = DefaultConfig().JanitorInterval
	}
	r := &Registry{
		cfg:       cfg,
		index:     index,
		logger:    log.Named("stream"),
		now:       time.Now,
		records:   make(map[string]*Record),
		convLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateStream allocates a new active record for conversationID and makes it
// the conversation's current stream. Calls for the same conversation are
// serialized; the last one wins the index.
func (r *Registry) CreateStream(ctx context.Context, conversationID string) (string, error) {
	unlock := r.convLocks.Lock(conversationID)
	defer unlock()

	id := uuid.Must(uuid.NewV7()).String()
	rec := newRecord(id, conversationID, r.now())

	r.mu.Lock()
	r.records[id] = rec
	r.mu.Unlock()

	if err := r.index.SetCurrent(ctx, conversationID, id); err != nil {
		r.mu.Lock()
		delete(r.records, id)
		r.mu.Unlock()
		return "", fmt.Errorf("failed to update stream index: %w", err)
	}

	metrics.StreamsActive.Inc()
	r.lifecycle(ctx, rec, model.LifecycleStarted, "")
	r.logger.Debug("stream created",
		zap.String("conversation_id", conversationID),
		zap.String("stream_id", id),
	)
	return id, nil
}

// AttachProducer runs produce in the background and feeds its events into
// the record. The producer's context is detached from ctx's cancellation and
// is only cancelled through Cancel.
func (r *Registry) AttachProducer(ctx context.Context, streamID string, produce Producer) error {
	rec, ok := r.record(streamID)
	if !ok {
		return apperr.NotFound("stream not found")
	}

	genCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))

	rec.mu.Lock()
	if rec.producing || rec.status.Final() {
		rec.mu.Unlock()
		cancel(nil)
		return ErrProducerAttached
	}
	rec.producing = true
	rec.cancel = cancel
	rec.mu.Unlock()

	go r.run(genCtx, cancel, rec, produce)
	return nil
}

func (r *Registry) run(ctx context.Context, cancel context.CancelCauseFunc, rec *Record, produce Producer) {
	defer cancel(nil)

	log := r.logger.WithStream(rec.conversationID, rec.id)
	status := StatusCompleted
	var failure error

	for ev, err := range produce(ctx) {
		if err != nil {
			failure = err
			break
		}
		if ev.Type == model.EventError {
			status = StatusErrored
		}
		r.append(ctx, rec, ev)
	}

	if failure != nil {
		// A producer that already reported the failure in-band does not get
		// a second error event.
		if status != StatusErrored {
			ev, err := model.NewEvent(model.EventError, model.ErrorEvent{
				Code:    string(apperr.KindOf(failure)),
				Message: apperr.Message(failure),
			})
			if err == nil {
				r.append(ctx, rec, ev)
			}
		}
		status = StatusErrored
		log.Warn("producer failed", zap.Error(failure))
	}

	if err := r.Finalize(ctx, rec.id, status); err != nil {
		log.Error("failed to finalize stream", zap.Error(err))
	}
}

// append journals ev and then adds it to the record buffer, waking tailers.
// Only the producer goroutine of rec calls it. Events after finalization are
// dropped.
func (r *Registry) append(ctx context.Context, rec *Record, ev model.Event) bool {
	rec.mu.Lock()
	ev.Seq = len(rec.events)
	final := rec.status.Final()
	rec.mu.Unlock()
	if final {
		return false
	}

	if r.journal != nil {
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
		if err := r.journal.Append(jctx, rec.conversationID, rec.id, ev); err != nil {
			metrics.JournalErrorsTotal.Inc()
			r.logger.Warn("failed to journal stream event",
				zap.String("stream_id", rec.id),
				zap.Int("seq", ev.Seq),
				zap.Error(err),
			)
		}
		cancel()
	}

	if _, ok := rec.append(ev); !ok {
		return false
	}
	metrics.StreamEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	return true
}

// Finalize marks the record completed or errored. After this, tails replay
// the buffer and terminate immediately. Finalizing twice is a no-op.
func (r *Registry) Finalize(ctx context.Context, streamID string, status Status) error {
	if !status.Final() {
		return fmt.Errorf("invalid final status %q", status)
	}
	rec, ok := r.record(streamID)
	if !ok {
		return apperr.NotFound("stream not found")
	}
	if !rec.finalize(status, r.now()) {
		return nil
	}

	metrics.StreamsActive.Dec()
	metrics.StreamsFinalized.WithLabelValues(string(status)).Inc()

	lt := model.LifecycleCompleted
	if status == StatusErrored {
		lt = model.LifecycleError
	}
	r.lifecycle(ctx, rec, lt, "")
	r.logger.Debug("stream finalized",
		zap.String("stream_id", streamID),
		zap.String("status", string(status)),
	)
	return nil
}

// Tail returns the events of a stream: the whole buffer from position zero,
// followed by live events until the record is final. A record that is no
// longer in memory is replayed from the journal.
func (r *Registry) Tail(ctx context.Context, streamID string) (iter.Seq[model.Event], error) {
	rec, err := r.open(ctx, streamID)
	if err != nil {
		return nil, err
	}
	return rec.follow(ctx), nil
}

// Lookup returns the state of a stream, restoring it from the journal when
// needed.
func (r *Registry) Lookup(ctx context.Context, streamID string) (Info, error) {
	rec, err := r.open(ctx, streamID)
	if err != nil {
		return Info{}, err
	}
	return rec.Info(), nil
}

// ResolveCurrent returns the current stream of a conversation.
func (r *Registry) ResolveCurrent(ctx context.Context, conversationID string) (string, bool, error) {
	id, ok, err := r.index.Current(ctx, conversationID)
	if err != nil {
		return "", false, fmt.Errorf("failed to read stream index: %w", err)
	}
	return id, ok, nil
}

// Active returns the current stream of a conversation if it is still
// generating in this process.
func (r *Registry) Active(ctx context.Context, conversationID string) (string, bool) {
	id, ok, err := r.ResolveCurrent(ctx, conversationID)
	if err != nil || !ok {
		return "", false
	}
	rec, ok := r.record(id)
	if !ok || rec.Info().Status.Final() {
		return "", false
	}
	return id, true
}

// Cancel stops the producer of an active stream. The record is finalized by
// the producer once it has wound down. It reports whether a running producer
// was signalled.
func (r *Registry) Cancel(streamID string) bool {
	rec, ok := r.record(streamID)
	if !ok {
		return false
	}
	rec.mu.Lock()
	cancel := rec.cancel
	final := rec.status.Final()
	rec.mu.Unlock()

	if final || cancel == nil {
		return false
	}
	cancel(ErrStopped)
	r.lifecycle(context.Background(), rec, model.LifecycleCancel, ErrStopped.Error())
	return true
}

// Wait blocks until the stream is final or ctx is done.
func (r *Registry) Wait(ctx context.Context, streamID string) error {
	rec, ok := r.record(streamID)
	if !ok {
		return nil
	}
	select {
	case <-rec.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget removes a conversation from the index, for conversation deletion.
func (r *Registry) Forget(ctx context.Context, conversationID string) error {
	unlock := r.convLocks.Lock(conversationID)
	defer unlock()
	return r.index.ClearCurrent(ctx, conversationID)
}

// Evict drops a finalized record from memory. Active records are kept.
func (r *Registry) Evict(streamID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[streamID]
	if !ok || !rec.Info().Status.Final() {
		return false
	}
	delete(r.records, streamID)
	return true
}

// Len returns the number of records held in memory.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Run evicts finalized records older than the retention period until ctx is
// done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.evictExpired(); n > 0 {
				r.logger.Debug("evicted expired streams", zap.Int("count", n))
			}
		}
	}
}

func (r *Registry) evictExpired() int {
	cutoff := r.now().Add(-r.cfg.Retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, rec := range r.records {
		info := rec.Info()
		if info.Status.Final() && info.FinishedAt.Before(cutoff) {
			delete(r.records, id)
			n++
		}
	}
	return n
}

func (r *Registry) record(streamID string) (*Record, bool) {
	r.mu.RLock()
	rec, ok := r.records[streamID]
	r.mu.RUnlock()
	return rec, ok
}

// open returns the in-memory record, restoring it from the journal if it was
// evicted. Restored records are final; an interrupted journal gets a
// synthesized error event. A journal with a missing event is treated as
// absent.
func (r *Registry) open(ctx context.Context, streamID string) (*Record, error) {
	if rec, ok := r.record(streamID); ok {
		return rec, nil
	}
	if r.journal == nil {
		return nil, apperr.NotFound("stream not found")
	}

	replay, err := r.journal.Replay(ctx, streamID)
	if errors.Is(err, ErrNotJournaled) {
		return nil, apperr.NotFound("stream not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to replay stream journal: %w", err)
	}

	events, ok := contiguous(replay.Events)
	if !ok {
		metrics.JournalErrorsTotal.Inc()
		r.logger.Warn("stream journal has gaps, not restoring",
			zap.String("stream_id", streamID),
			zap.Int("journaled", len(replay.Events)),
		)
		return nil, apperr.NotFound("stream not found")
	}
	status := StatusCompleted
	if n := len(events); n == 0 || !events[n-1].Type.Terminal() {
		ev, err := model.NewEvent(model.EventError, model.ErrorEvent{
			Code:    string(apperr.KindProvider),
			Message: "stream interrupted",
		})
		if err != nil {
			return nil, err
		}
		ev.Seq = len(events)
		events = append(events, ev)
	}
	if events[len(events)-1].Type == model.EventError {
		status = StatusErrored
	}

	rec := restoredRecord(streamID, replay.ConversationID, events, status, r.now())

	r.mu.Lock()
	if existing, ok := r.records[streamID]; ok {
		rec = existing
	} else {
		r.records[streamID] = rec
	}
	r.mu.Unlock()
	return rec, nil
}

// contiguous drops redelivered events and reports whether the rest number
// 0..n-1 without holes. A journal with holes cannot be replayed faithfully.
func contiguous(journaled []model.Event) ([]model.Event, bool) {
	events := make([]model.Event, 0, len(journaled))
	for _, ev := range journaled {
		switch {
		case ev.Seq < len(events):
			continue
		case ev.Seq > len(events):
			return nil, false
		}
		events = append(events, ev)
	}
	return events, true
}

func (r *Registry) lifecycle(ctx context.Context, rec *Record, t model.LifecycleType, reason string) {
	if r.journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()

	err := r.journal.Lifecycle(jctx, model.LifecycleEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: rec.conversationID,
		StreamID:       rec.id,
		Type:           t,
		Reason:         reason,
		CreatedAt:      r.now().UTC(),
	})
	if err != nil {
		metrics.JournalErrorsTotal.Inc()
		r.logger.Warn("failed to journal lifecycle event",
			zap.String("stream_id", rec.id),
			zap.String("type", string(t)),
			zap.Error(err),
		)
	}
}
