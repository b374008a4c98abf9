// Package sse implements the per-task progress pub/sub and the stream
// pipeline that wraps it with early-exit, canonicalization and DB-poll
// fallback. The hub is the authoritative owner of
// per-task subscription state; it references no worker.
package sse

import (
	"context"
	"sync"
	"time"
)

// Frame is one server-sent event. Event is empty for ordinary data
// frames and "heartbeat" for keep-alives.
type Frame struct {
	Event string
	Data  string
}

// Encode renders the frame in wire format.
func (f Frame) Encode() string {
	if f.Event != "" {
		return "event: " + f.Event + "\ndata: " + f.Data + "\n\n"
	}
	return "data: " + f.Data + "\n\n"
}

// subBuffer is the per-subscriber channel depth. Publishes never block on
// a slow subscriber: when a buffer is full the oldest pending message is
// dropped, which only matters for subscribers that have stalled far past
// the steady-state frame rate.
const subBuffer = 256

// Hub is the per-task pub/sub. FIFO delivery per task; no cross-task
// interference; a late subscriber sees only messages published after it
// attached — recovering a missed terminal state is the final assembler's
// job, not the hub's.
type Hub struct {
	mu    sync.Mutex
	tasks map[string]*taskState
}

type taskState struct {
	subs map[*Subscription]struct{}
}

// Subscription is one attached consumer. C is closed when the hub closes
// the task or the subscription is cancelled.
type Subscription struct {
	C      chan string
	hub    *Hub
	taskID string
	once   sync.Once
}

// Cancel detaches the subscription and closes C. Safe to call more than
// once and safe to race with Hub.Close.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		if ts, ok := s.hub.tasks[s.taskID]; ok {
			delete(ts.subs, s)
			if len(ts.subs) == 0 {
				delete(s.hub.tasks, s.taskID)
			}
		}
		s.hub.mu.Unlock()
		close(s.C)
	})
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{tasks: make(map[string]*taskState)}
}

// Publish delivers payload to every subscriber currently attached to id.
// Publishing to a task with no subscribers is a no-op: missed frames are
// recovered from artifacts and the task row, never replayed by the hub.
func (h *Hub) Publish(id, payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts, ok := h.tasks[id]
	if !ok {
		return
	}
	for sub := range ts.subs {
		select {
		case sub.C <- payload:
		default:
			// Stalled subscriber: drop its oldest pending message so the
			// publish stays non-blocking, then deliver.
			select {
			case <-sub.C:
			default:
			}
			select {
			case sub.C <- payload:
			default:
			}
		}
	}
}

// Subscribe attaches a new consumer to id.
func (h *Hub) Subscribe(id string) *Subscription {
	sub := &Subscription{C: make(chan string, subBuffer), hub: h, taskID: id}
	h.mu.Lock()
	ts, ok := h.tasks[id]
	if !ok {
		ts = &taskState{subs: make(map[*Subscription]struct{})}
		h.tasks[id] = ts
	}
	ts.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Close discards all per-task state for id and closes every attached
// subscription channel. Idempotent.
func (h *Hub) Close(id string) {
	h.mu.Lock()
	ts, ok := h.tasks[id]
	if ok {
		delete(h.tasks, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	for sub := range ts.subs {
		sub.once.Do(func() { close(sub.C) })
	}
}

// Stream yields frames for id until the subscription ends. Each payload
// published after attach arrives as a data frame; after every
// heartbeat of silence a heartbeat frame is emitted. fn returning an
// error, context cancellation, or hub close all end the stream. The
// returned error is nil on a clean close.
func (h *Hub) Stream(ctx context.Context, id string, heartbeat time.Duration, fn func(Frame) error) error {
	sub := h.Subscribe(id)
	defer sub.Cancel()

	timer := time.NewTimer(heartbeat)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := fn(Frame{Data: msg}); err != nil {
				return err
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(heartbeat)
		case <-timer.C:
			if err := fn(Frame{Event: "heartbeat", Data: "ping"}); err != nil {
				return err
			}
			timer.Reset(heartbeat)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
