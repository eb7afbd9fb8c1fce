package frame

import "encoding/binary"

type decodeState int

const (
	awaitHeaderLen decodeState = iota
	awaitHeader
	awaitBody
)

func (s decodeState) String() string {
	switch s {
	case awaitHeaderLen:
		return "await_header_len"
	case awaitHeader:
		return "await_header"
	case awaitBody:
		return "await_body"
	default:
		return "unknown"
	}
}

// Decoder incrementally assembles frames from arbitrary read boundaries.
// Partial input is retained across Feed calls; each state advances only once
// it holds exactly the bytes it needs.
//
// A Decoder is not safe for concurrent use; one reader owns it.
type Decoder struct {
	limits Limits
	state  decodeState
	need   int
	buf    []byte
	header Header
	failed error
}

func NewDecoder(limits Limits) *Decoder {
	return &Decoder{
		limits: limits.withDefaults(),
		state:  awaitHeaderLen,
		need:   PrefixLen,
	}
}

// Feed consumes p and returns every frame completed by it, in order.
// A header error is sticky: the stream has lost framing and must be closed.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	if d.failed != nil {
		return nil, d.failed
	}
	var out []Frame
	for len(p) > 0 || d.ready() {
		if !d.ready() {
			take := d.need - len(d.buf)
			if take > len(p) {
				take = len(p)
			}
			d.buf = append(d.buf, p[:take]...)
			p = p[take:]
			if !d.ready() {
				break
			}
		}
		fr, done, err := d.advance()
		if err != nil {
			d.failed = err
			return out, err
		}
		if done {
			out = append(out, fr)
		}
	}
	return out, nil
}

// Buffered reports how many bytes of the current state are held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) ready() bool {
	return len(d.buf) == d.need
}

func (d *Decoder) advance() (Frame, bool, error) {
	switch d.state {
	case awaitHeaderLen:
		n := int(binary.BigEndian.Uint16(d.buf))
		// n == 0 leaves the state ready; the empty header then fails validation.
		d.reset(awaitHeader, n)
		return Frame{}, false, nil
	case awaitHeader:
		h, err := DecodeHeader(d.buf)
		if err != nil {
			return Frame{}, false, err
		}
		if h.ContentLength > d.limits.MaxPayloadBytes {
			return Frame{}, false, ErrPayloadTooLarge
		}
		d.header = h
		d.reset(awaitBody, int(h.ContentLength))
		return Frame{}, false, nil
	default:
		fr := Frame{Header: d.header, Payload: d.buf}
		d.buf = nil
		d.header = Header{}
		d.state = awaitHeaderLen
		d.need = PrefixLen
		return fr, true, nil
	}
}

func (d *Decoder) reset(next decodeState, need int) {
	d.state = next
	d.need = need
	d.buf = make([]byte, 0, need)
}
