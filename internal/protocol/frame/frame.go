package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// PrefixLen is the size of the big-endian header length prefix.
	PrefixLen = 2
	// MaxHeaderLen is the largest header the u16 prefix can describe.
	MaxHeaderLen = math.MaxUint16
	// ByteOrder is advertised in every header. It is informational only.
	ByteOrder = "big"
)

var (
	ErrMalformedHeader = errors.New("frame: malformed header")
	ErrHeaderTooLarge  = errors.New("frame: header too large")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrNegativeLength  = errors.New("frame: negative content-length")
	ErrShortFrame      = errors.New("frame: short frame")
	requiredHeaderKeys = []string{"byteorder", "content-type", "content-encoding", "content-length"}
)

// Header is the JSON header carried between the length prefix and payload.
type Header struct {
	ByteOrder       string `json:"byteorder"`
	ContentType     string `json:"content-type"`
	ContentEncoding string `json:"content-encoding"`
	ContentLength   int64  `json:"content-length"`
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int64
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 * 1024 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxPayloadBytes <= 0 {
		l.MaxPayloadBytes = DefaultLimits().MaxPayloadBytes
	}
	return l
}

// Encode builds one complete frame: prefix, header and payload in a single buffer.
func Encode(contentType, encoding string, payload []byte, limits Limits) ([]byte, error) {
	limits = limits.withDefaults()
	if int64(len(payload)) > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	hb, err := json.Marshal(Header{
		ByteOrder:       ByteOrder,
		ContentType:     contentType,
		ContentEncoding: encoding,
		ContentLength:   int64(len(payload)),
	})
	if err != nil {
		return nil, err
	}
	if len(hb) > MaxHeaderLen {
		return nil, ErrHeaderTooLarge
	}
	buf := make([]byte, PrefixLen+len(hb)+len(payload))
	binary.BigEndian.PutUint16(buf[:PrefixLen], uint16(len(hb)))
	copy(buf[PrefixLen:], hb)
	copy(buf[PrefixLen+len(hb):], payload)
	return buf, nil
}

// DecodeHeader parses and validates a header block. Every required key must
// be present; extra keys are ignored.
func DecodeHeader(b []byte) (Header, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(b, &keys); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	for _, k := range requiredHeaderKeys {
		if _, ok := keys[k]; !ok {
			return Header{}, fmt.Errorf("%w: missing %q", ErrMalformedHeader, k)
		}
	}
	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if h.ContentLength < 0 {
		return Header{}, ErrNegativeLength
	}
	return h, nil
}

// ReadFrame reads exactly one frame from a blocking reader.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	limits = limits.withDefaults()
	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortFrame
		}
		return Frame{}, err
	}
	hb := make([]byte, binary.BigEndian.Uint16(prefix[:]))
	if _, err := io.ReadFull(r, hb); err != nil {
		return Frame{}, ErrShortFrame
	}
	h, err := DecodeHeader(hb)
	if err != nil {
		return Frame{}, err
	}
	if h.ContentLength > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, h.ContentLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, ErrShortFrame
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame encodes and writes one frame with a single Write call.
func WriteFrame(w io.Writer, contentType, encoding string, payload []byte, limits Limits) error {
	buf, err := Encode(contentType, encoding, payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
