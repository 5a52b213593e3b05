package client

import (
	"sync"
	"time"
)

// Dedup remembers recently seen message ids for a fixed window.
type Dedup struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func NewDedup(window time.Duration) *Dedup {
	return &Dedup{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Seen records id and reports whether it was already present.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if at, ok := d.seen[id]; ok && now.Sub(at) <= d.window {
		return true
	}
	d.seen[id] = now
	return false
}

// Prune forgets ids older than the window and returns how many it dropped.
func (d *Dedup) Prune() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-d.window)
	dropped := 0
	for id, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, id)
			dropped++
		}
	}
	return dropped
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
