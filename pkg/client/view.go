package client

import (
	"sync"

	"github.com/a-essam23/spacesync/pkg/protocol"
)

// View is the locally displayed, ordered snippet list of one space.
type View struct {
	mu       sync.RWMutex
	snippets []protocol.Snippet
}

func (v *View) Reset(snippets []protocol.Snippet) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snippets = append([]protocol.Snippet(nil), snippets...)
}

func (v *View) Snippets() []protocol.Snippet {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]protocol.Snippet(nil), v.snippets...)
}

func (v *View) Get(id string) (protocol.Snippet, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if i := v.index(id); i >= 0 {
		return v.snippets[i], true
	}
	return protocol.Snippet{}, false
}

func (v *View) index(id string) int {
	for i := range v.snippets {
		if v.snippets[i].ID == id {
			return i
		}
	}
	return -1
}

// Upsert replaces the snippet with the same id in place, or appends it.
func (v *View) Upsert(s protocol.Snippet) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i := v.index(s.ID); i >= 0 {
		v.snippets[i] = s
		return
	}
	v.snippets = append(v.snippets, s)
}

// Move sets a snippet's position and returns its previous state.
func (v *View) Move(id string, x, y int) (protocol.Snippet, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(id)
	if i < 0 {
		return protocol.Snippet{}, false
	}
	prev := v.snippets[i]
	v.snippets[i].X, v.snippets[i].Y = x, y
	return prev, true
}

// Patch applies a partial update and returns the previous state.
func (v *View) Patch(id string, patch protocol.SnippetPatch) (protocol.Snippet, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(id)
	if i < 0 {
		return protocol.Snippet{}, false
	}
	prev := v.snippets[i]
	patch.Apply(&v.snippets[i])
	return prev, true
}

// Remove deletes a snippet and returns it along with the position it held.
func (v *View) Remove(id string) (protocol.Snippet, int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	i := v.index(id)
	if i < 0 {
		return protocol.Snippet{}, -1, false
	}
	prev := v.snippets[i]
	v.snippets = append(v.snippets[:i], v.snippets[i+1:]...)
	return prev, i, true
}

// Restore puts a snippet back as it was. A removed snippet goes back at
// index; one still present is overwritten in place.
func (v *View) Restore(s protocol.Snippet, index int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i := v.index(s.ID); i >= 0 {
		v.snippets[i] = s
		return
	}
	if index < 0 || index > len(v.snippets) {
		index = len(v.snippets)
	}
	v.snippets = append(v.snippets, protocol.Snippet{})
	copy(v.snippets[index+1:], v.snippets[index:])
	v.snippets[index] = s
}
