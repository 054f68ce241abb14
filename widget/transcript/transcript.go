package transcript

import "sync"

// Transcript is the ordered list of entries of one chat.
// It is safe for concurrent use.
type Transcript struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
}

func New() *Transcript {
	return &Transcript{
		entries: make([]Entry, 0, 64),
		index:   map[string]int{},
	}
}

// Append adds e at the end and returns it.
func (t *Transcript) Append(e Entry) Entry {
	t.mu.Lock()
	t.index[e.ID] = len(t.entries)
	t.entries = append(t.entries, e)
	t.mu.Unlock()
	return e
}

// Find returns the entry with the given short id.
func (t *Transcript) Find(id string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[id]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Update applies fn to the entry with the given id in place.
// It reports whether the entry exists.
func (t *Transcript) Update(id string, fn func(*Entry)) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[id]
	if !ok {
		return Entry{}, false
	}
	fn(&t.entries[i])
	// fn must not rename the entry
	t.entries[i].ID = id
	return t.entries[i], true
}

func (t *Transcript) SetStatus(id, status string) (Entry, bool) {
	return t.Update(id, func(e *Entry) { e.Status = status })
}

// Entries returns a snapshot in insertion order.
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Icon is the delivery mark shown next to a guest entry.
type Icon struct {
	ID    string `json:"id,omitempty"`
	Color string `json:"color,omitempty"`
}

func StatusIcon(status string) Icon {
	switch status {
	case StatusSent:
		return Icon{ID: "mdi-check", Color: "gray-lighten"}
	case StatusDisplayed:
		return Icon{ID: "mdi-check-all", Color: "primary"}
	default:
		return Icon{}
	}
}
