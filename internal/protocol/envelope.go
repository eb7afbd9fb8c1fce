package protocol

import (
	"encoding/json"
	"fmt"
)

// Reserved opcodes.
const (
	OpAuthenticate = 1
	OpVoice        = 2
	OpSpecial      = 3
	OpAudio        = 4
)

// Envelope is the decoded unit exchanged between hub and devices.
// An empty DeviceID travels as a JSON null.
type Envelope struct {
	Opcode   int
	DeviceID string
	Content  any
}

type wireEnvelope struct {
	ID      int     `json:"id" cbor:"id"`
	UUID    *string `json:"uuid" cbor:"uuid"`
	Content any     `json:"content" cbor:"content"`
}

func (e Envelope) toWire() wireEnvelope {
	w := wireEnvelope{ID: e.Opcode, Content: e.Content}
	if e.DeviceID != "" {
		id := e.DeviceID
		w.UUID = &id
	}
	return w
}

func fromWire(w wireEnvelope) Envelope {
	env := Envelope{Opcode: w.ID, Content: w.Content}
	if w.UUID != nil {
		env.DeviceID = *w.UUID
	}
	return env
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.toWire())
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if _, ok := raw["id"]; !ok {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = fromWire(w)
	return nil
}

func (e Envelope) String() string {
	id := "null"
	if e.DeviceID != "" {
		id = e.DeviceID
	}
	return fmt.Sprintf("envelope{id=%d uuid=%s}", e.Opcode, id)
}

// DecodeContent coerces a generically decoded content value into out.
// Content arrives as maps/slices from JSON or CBOR, so it is round-tripped
// through JSON to reach the typed shape a handler expects.
func DecodeContent(content any, out any) error {
	if content == nil {
		return fmt.Errorf("%w: empty content", ErrContentMismatch)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContentMismatch, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrContentMismatch, err)
	}
	return nil
}
