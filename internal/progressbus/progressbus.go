// Package progressbus implements the Progress Bus (C7): a process-wide,
// per-RequestId publish/subscribe stream of ProgressEvents (spec.md §4.7).
//
// No teacher analog exists for this component — the teacher proxies one
// request/response pair with no progress surface of its own. The
// per-connection fan-out shape (one goroutine per subscriber draining a
// bounded backlog) is loosely grounded on
// itsneelabh-gomind/ui/transports/sse/sse.go's SSE hub, adapted from a
// single shared topic to independent per-RequestId queues.
package progressbus

import (
	"sync"

	"ai-privacy-router/internal/metrics"
	"ai-privacy-router/internal/model"
)

// DefaultMaxReplay matches spec.md §6's configuration default.
const DefaultMaxReplay = 64

// defaultSubscriberBuffer bounds how far a live subscriber may lag behind
// publish order before the bus starts dropping its oldest buffered events
// (spec.md §4.7: "if a subscriber's buffer is full the oldest event to
// that subscriber is dropped").
const defaultSubscriberBuffer = 256

// Bus is the Progress Bus (C7). The zero value is not usable; construct
// with New.
type Bus struct {
	mu               sync.Mutex
	requests         map[string]*requestState
	maxReplay        int
	subscriberBuffer int
}

// New returns a Bus whose late subscribers replay up to maxReplay buffered
// events (spec.md §6's maxReplay config, default DefaultMaxReplay).
func New(maxReplay int) *Bus {
	if maxReplay <= 0 {
		maxReplay = DefaultMaxReplay
	}
	return &Bus{
		requests:         make(map[string]*requestState),
		maxReplay:        maxReplay,
		subscriberBuffer: defaultSubscriberBuffer,
	}
}

type requestState struct {
	mu      sync.Mutex
	replay  []model.ProgressEvent
	subs    map[int]*subscription
	nextSub int
}

// Publish appends event to its RequestId's replay log and fans it out to
// every live subscriber. Never blocks the caller (spec.md §4.7: "publish(event)
// is non-blocking").
func (b *Bus) Publish(event model.ProgressEvent) {
	rs := b.requestFor(event.RequestID)

	rs.mu.Lock()
	rs.replay = append(rs.replay, event)
	if len(rs.replay) > b.maxReplay {
		rs.replay = rs.replay[len(rs.replay)-b.maxReplay:]
	}
	subs := make([]*subscription, 0, len(rs.subs))
	for _, s := range rs.subs {
		subs = append(subs, s)
	}
	rs.mu.Unlock()

	for _, s := range subs {
		s.push(event)
	}
}

// Subscription is a live handle on one subscriber's event stream.
type Subscription struct {
	Events <-chan model.ProgressEvent
	cancel func()
}

// Unsubscribe stops delivery and releases the subscriber's backlog buffer.
// Idempotent. Does not affect the request's replay log for future
// subscribers.
func (s *Subscription) Unsubscribe() { s.cancel() }

// Subscribe returns a Subscription for requestID. The returned stream first
// replays every event buffered so far (bounded by the Bus's maxReplay),
// then delivers live events in publish order. The stream closes once a
// terminal-stage event (COMPLETE or FAILED) has been delivered (spec.md
// §4.7).
func (b *Bus) Subscribe(requestID string) *Subscription {
	rs := b.requestFor(requestID)

	sub := newSubscription(b.subscriberBuffer)
	// Queue the replay and register the subscriber under one lock, so no
	// concurrent Publish can reach it ahead of the replayed events.
	rs.mu.Lock()
	for _, ev := range rs.replay {
		sub.push(ev)
	}
	id := rs.nextSub
	rs.nextSub++
	rs.subs[id] = sub
	rs.mu.Unlock()

	go sub.run()

	return &Subscription{
		Events: sub.out,
		cancel: func() {
			rs.mu.Lock()
			delete(rs.subs, id)
			rs.mu.Unlock()
			sub.close()
		},
	}
}

// Forget releases a request's replay log and disconnects any remaining
// subscribers. The Coordinator does not call it, so a request's replay log
// stays in the Bus unless a caller forgets it explicitly.
func (b *Bus) Forget(requestID string) {
	b.mu.Lock()
	rs, ok := b.requests[requestID]
	delete(b.requests, requestID)
	b.mu.Unlock()
	if !ok {
		return
	}
	rs.mu.Lock()
	subs := make([]*subscription, 0, len(rs.subs))
	for _, s := range rs.subs {
		subs = append(subs, s)
	}
	rs.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (b *Bus) requestFor(requestID string) *requestState {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.requests[requestID]
	if !ok {
		rs = &requestState{subs: make(map[int]*subscription)}
		b.requests[requestID] = rs
	}
	return rs
}

// subscription is one subscriber's bounded backlog plus a forwarding
// goroutine that drains it onto an unbuffered channel the caller reads
// from. Keeping the backlog as a plain mutex-guarded slice (rather than a
// Go channel) is what makes drop-oldest possible: a channel has no way to
// evict its oldest buffered value.
type subscription struct {
	mu     sync.Mutex
	buf    []model.ProgressEvent
	maxBuf int
	notify chan struct{}
	out    chan model.ProgressEvent
	done   chan struct{}
	once   sync.Once
}

func newSubscription(maxBuf int) *subscription {
	return &subscription{
		maxBuf: maxBuf,
		notify: make(chan struct{}, 1),
		out:    make(chan model.ProgressEvent),
		done:   make(chan struct{}),
	}
}

// laggedEvent marks a gap where an older event was dropped for overflow.
func laggedEvent(requestID string) model.ProgressEvent {
	return model.ProgressEvent{
		RequestID: requestID,
		Status:    model.EventProgress,
		Message:   "lagged: one or more earlier events were dropped",
	}
}

func (s *subscription) push(ev model.ProgressEvent) {
	s.mu.Lock()
	if len(s.buf) >= s.maxBuf {
		s.buf = s.buf[1:]
		s.buf = append(s.buf, laggedEvent(ev.RequestID))
		metrics.ProgressBusDrops.Inc()
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// run drains buf onto out in order until the subscriber is closed or a
// terminal-stage event has been delivered.
func (s *subscription) run() {
	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				close(s.out)
				return
			}
		}
		ev := s.buf[0]
		s.buf = s.buf[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
			if ev.Stage == model.StageComplete || ev.Stage == model.StageFailed {
				close(s.out)
				return
			}
		case <-s.done:
			close(s.out)
			return
		}
	}
}
