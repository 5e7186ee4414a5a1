package notify

import (
	"context"
	"sync"
	"time"
)

// Hub delivers events to in-process subscribers keyed by process id.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[*Subscription]struct{}
	nextSeq uint64
	buffer  int
	dropped uint64
	now     func() time.Time
}

// NewHub creates a Hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		now:    time.Now,
	}
}

// Subscription receives the events of one process until closed.
type Subscription struct {
	hub       *Hub
	processID string
	ch        chan Event
	once      sync.Once
}

// C returns the event channel. It is closed when the subscription closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if set, ok := h.subs[s.processID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.processID)
			}
		}
		close(s.ch)
		h.mu.Unlock()
	})
}

// Subscribe registers interest in processID. The subscription closes by
// itself when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, processID string) *Subscription {
	sub := &Subscription{hub: h, processID: processID, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	set, ok := h.subs[processID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[processID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub
}

// Publish stamps each event with a sequence number and hands it to the
// process's subscribers, dropping it for any subscriber whose buffer is full.
func (h *Hub) Publish(_ context.Context, events ...Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, evt := range events {
		h.nextSeq++
		evt.Seq = h.nextSeq
		if evt.At.IsZero() {
			evt.At = h.now().UTC()
		}
		for sub := range h.subs[evt.ProcessID] {
			select {
			case sub.ch <- evt:
			default:
				h.dropped++
			}
		}
	}
}

// Subscribers returns the number of open subscriptions for processID.
func (h *Hub) Subscribers(processID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[processID])
}

// Dropped returns how many deliveries were skipped because a subscriber lagged.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
