package stream

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/capitalize-ai/resumable-chat/internal/model"
)

// Status is the lifecycle state of a stream record.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
)

// Final reports whether the status is terminal.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusErrored
}

// Info is a point-in-time view of a record.
type Info struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Status         Status    `json:"status"`
	Events         int       `json:"events"`
	CreatedAt      time.Time `json:"created_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// Record is the buffer and status of one generation attempt. A single
// producer appends; any number of readers follow the buffer.
type Record struct {
	id             string
	conversationID string
	createdAt      time.Time

	mu         sync.Mutex
	events     []model.Event
	status     Status
	finishedAt time.Time
	// notify is closed and replaced on every append and on finalize.
	notify    chan struct{}
	done      chan struct{}
	producing bool
	cancel    context.CancelCauseFunc
}

func newRecord(id, conversationID string, now time.Time) *Record {
	return &Record{
		id:             id,
		conversationID: conversationID,
		createdAt:      now,
		status:         StatusActive,
		notify:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// restoredRecord rebuilds a finalized record from journaled events.
func restoredRecord(id, conversationID string, events []model.Event, status Status, now time.Time) *Record {
	rec := newRecord(id, conversationID, now)
	rec.events = events
	rec.status = status
	rec.finishedAt = now
	close(rec.notify)
	close(rec.done)
	return rec
}

// ID returns the stream identifier.
func (r *Record) ID() string { return r.id }

// ConversationID returns the owning conversation.
func (r *Record) ConversationID() string { return r.conversationID }

// Done is closed once the record is finalized.
func (r *Record) Done() <-chan struct{} { return r.done }

// Info returns a snapshot of the record.
func (r *Record) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		ID:             r.id,
		ConversationID: r.conversationID,
		Status:         r.status,
		Events:         len(r.events),
		CreatedAt:      r.createdAt,
		FinishedAt:     r.finishedAt,
	}
}

// Events returns a copy of the buffered events.
func (r *Record) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

// append adds ev at the end of the buffer and wakes readers. It returns false
// once the record is final.
func (r *Record) append(ev model.Event) (model.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Final() {
		return ev, false
	}
	ev.Seq = len(r.events)
	r.events = append(r.events, ev)

	close(r.notify)
	r.notify = make(chan struct{})
	return ev, true
}

// finalize sets a terminal status. Only the first call has an effect.
func (r *Record) finalize(status Status, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Final() {
		return false
	}
	r.status = status
	r.finishedAt = now
	close(r.notify)
	close(r.done)
	return true
}

// follow replays the buffer from position zero and then waits for live
// appends until the record is final or ctx is done. Every call has its own
// cursor.
func (r *Record) follow(ctx context.Context) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		pos := 0
		for {
			r.mu.Lock()
			// Elements below len are never rewritten, so the slice stays
			// valid after the lock is released.
			pending := r.events[pos:len(r.events):len(r.events)]
			final := r.status.Final()
			wake := r.notify
			r.mu.Unlock()

			for _, ev := range pending {
				if !yield(ev) {
					return
				}
				pos++
			}
			if final {
				return
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}
}
