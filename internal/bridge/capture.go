package bridge

import "sync"

// Sent is one content a Capture recorded.
type Sent struct {
	Opcode  int
	Content any
}

// Capture stands in for a peer while a handler runs on behalf of a remote
// call. It answers to the peer's identity and records sends instead of
// writing them.
type Capture struct {
	peer Peer

	mu   sync.Mutex
	sent []Sent
}

func NewCapture(peer Peer) *Capture {
	return &Capture{peer: peer}
}

func (c *Capture) ID() string   { return c.peer.ID() }
func (c *Capture) Name() string { return c.peer.Name() }

func (c *Capture) Send(content any, opcode int) error {
	c.mu.Lock()
	c.sent = append(c.sent, Sent{Opcode: opcode, Content: content})
	c.mu.Unlock()
	return nil
}

// Sent returns every recorded send in order.
func (c *Capture) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// Contents returns the recorded contents in order.
func (c *Capture) Contents() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, 0, len(c.sent))
	for _, s := range c.sent {
		out = append(out, s.Content)
	}
	return out
}
