package bridge

import "sync"

const DefaultInboxSize = 64

// Inbox holds responses that matched no waiting call. It is bounded; the
// oldest entry is dropped when full.
type Inbox struct {
	mu    sync.Mutex
	limit int
	items []Request
}

func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = DefaultInboxSize
	}
	return &Inbox{limit: limit}
}

func (in *Inbox) Push(r Request) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.items) >= in.limit {
		in.items = in.items[1:]
	}
	in.items = append(in.items, r)
}

// Take removes and returns the entry with correlation id id.
func (in *Inbox) Take(id string) (Request, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i, r := range in.items {
		if r.CorrelationID == id {
			in.items = append(in.items[:i], in.items[i+1:]...)
			return r, true
		}
	}
	return Request{}, false
}

func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items)
}

// Snapshot copies the queued entries, oldest first.
func (in *Inbox) Snapshot() []Request {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]Request, len(in.items))
	copy(out, in.items)
	return out
}
