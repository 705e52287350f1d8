package realtime

import (
	"sync"
	"time"
)

// DefaultDedupWindow collapses bursts of identical notifications on the receiver.
const DefaultDedupWindow = 2 * time.Second

// Deduper collapses events with the same kind and table that arrive less than
// window apart. The first event of a burst passes at once; the rest collapse
// into one trailing delivery at the end of the window.
type Deduper struct {
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	seen     map[string]time.Time
	trailing map[string]ChangeEvent
}

func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduper{
		window:   window,
		now:      time.Now,
		seen:     make(map[string]time.Time),
		trailing: make(map[string]ChangeEvent),
	}
}

// Allow reports whether e starts a new window and, if so, records it.
func (d *Deduper) Allow(e ChangeEvent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.admit(e.DedupKey(), d.now())
}

// Handle delivers e now when it starts a new window. Otherwise the latest event
// of the window is delivered once when the window ends, so the state a burst
// leaves behind is always fetched.
func (d *Deduper) Handle(e ChangeEvent, deliver func(ChangeEvent)) {
	key := e.DedupKey()

	d.mu.Lock()
	now := d.now()
	if d.admit(key, now) {
		d.mu.Unlock()
		deliver(e)
		return
	}
	_, pending := d.trailing[key]
	d.trailing[key] = e
	wait := d.window - now.Sub(d.seen[key])
	d.mu.Unlock()
	if pending {
		return
	}

	time.AfterFunc(wait, func() {
		d.mu.Lock()
		latest := d.trailing[key]
		delete(d.trailing, key)
		d.seen[key] = d.now()
		d.mu.Unlock()
		deliver(latest)
	})
}

// admit must be called with mu held.
func (d *Deduper) admit(key string, now time.Time) bool {
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.seen[key] = now
	if len(d.seen) > 256 {
		for k, t := range d.seen {
			if _, pending := d.trailing[k]; !pending && now.Sub(t) >= d.window {
				delete(d.seen, k)
			}
		}
	}
	return true
}
