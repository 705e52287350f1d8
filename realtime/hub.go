package realtime

import (
	"sync"
	"time"

	"github.com/sprayworks/foam_backend/metrics"
)

type EventKind string

const (
	KindChange    EventKind = "change"
	KindBroadcast EventKind = "broadcast"
)

// TopicWorkOrderUpdated is the broadcast admins send after a sync so crews re-fetch.
const TopicWorkOrderUpdated = "work_order_updated"

// ChangeEvent says that something changed for an organization. It never carries row data.
type ChangeEvent struct {
	OrganizationId string    `json:"organization_id"`
	Kind           EventKind `json:"kind"`
	Table          string    `json:"table"`
	Operation      string    `json:"operation,omitempty"`
	At             time.Time `json:"at"`
}

func (e ChangeEvent) DedupKey() string {
	return string(e.Kind) + ":" + e.Table
}

// crewTables are the change tables a crew subscriber receives.
var crewTables = map[string]struct{}{
	"jobs": {},
}

// Wants reports whether a subscriber in role should see e.
func Wants(role string, e ChangeEvent) bool {
	if role != "crew" || e.Kind == KindBroadcast {
		return true
	}
	_, ok := crewTables[e.Table]
	return ok
}

type subscriber struct {
	role string
	ch   chan ChangeEvent
}

// Hub fans events out to the subscribers of one process, grouped by organization.
// Publish never blocks: a subscriber with a full buffer misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscriber
	nextId uint64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[uint64]*subscriber)}
}

type Subscription struct {
	C <-chan ChangeEvent

	once   sync.Once
	cancel func()
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

func (h *Hub) Subscribe(orgID, role string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{role: role, ch: make(chan ChangeEvent, buffer)}

	h.mu.Lock()
	h.nextId++
	id := h.nextId
	if h.subs[orgID] == nil {
		h.subs[orgID] = make(map[uint64]*subscriber)
	}
	h.subs[orgID][id] = sub
	h.mu.Unlock()
	metrics.RealtimeSubscribersGauge.Inc()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			h.mu.Lock()
			if m := h.subs[orgID]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(h.subs, orgID)
				}
			}
			h.mu.Unlock()
			metrics.RealtimeSubscribersGauge.Dec()
			close(sub.ch)
		},
	}
}

// Publish delivers e to every interested subscriber of its organization and
// returns how many received it.
func (h *Hub) Publish(e ChangeEvent) int {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, sub := range h.subs[e.OrganizationId] {
		if !Wants(sub.role, e) {
			continue
		}
		select {
		case sub.ch <- e:
			delivered++
		default:
			metrics.RealtimeDroppedCounter.Inc()
		}
	}
	return delivered
}

func (h *Hub) SubscriberCount(orgID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[orgID])
}
