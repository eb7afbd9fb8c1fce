package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	payload := []byte(`{"id":2,"uuid":"abc","content":{"voice":"time"}}`)
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, "application/json", "utf-8", payload, DefaultLimits()))

	out, err := ReadFrame(&buf, DefaultLimits())
	require.NoError(t, err)
	require.Equal(t, "big", out.Header.ByteOrder)
	require.Equal(t, "application/json", out.Header.ContentType)
	require.Equal(t, "utf-8", out.Header.ContentEncoding)
	require.EqualValues(t, len(payload), out.Header.ContentLength)
	require.Equal(t, payload, out.Payload)
}

func TestDecoderRoundTripAcrossArbitrarySplits(t *testing.T) {
	testlog.Start(t)
	payloads := [][]byte{
		[]byte(`{"id":1,"uuid":null,"content":null}`),
		[]byte(`{"id":2,"uuid":"dev","content":{"voice":"what time is it","talk":false}}`),
		{},
		bytes.Repeat([]byte("x"), 4096),
	}
	var stream []byte
	for _, p := range payloads {
		fr, err := Encode("application/json", "utf-8", p, DefaultLimits())
		require.NoError(t, err)
		stream = append(stream, fr...)
	}

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		dec := NewDecoder(DefaultLimits())
		var got []Frame
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(17)
			if n > len(rest) {
				n = len(rest)
			}
			frames, err := dec.Feed(rest[:n])
			require.NoError(t, err)
			got = append(got, frames...)
			rest = rest[n:]
		}
		require.Len(t, got, len(payloads))
		for i, p := range payloads {
			require.True(t, bytes.Equal(p, got[i].Payload), "trial %d frame %d", trial, i)
		}
		require.Zero(t, dec.Buffered())
	}
}

func TestDecoderTwoFramesInOneRead(t *testing.T) {
	testlog.Start(t)
	a, err := Encode("application/json", "utf-8", []byte(`"a"`), DefaultLimits())
	require.NoError(t, err)
	b, err := Encode("application/json", "utf-8", []byte(`"b"`), DefaultLimits())
	require.NoError(t, err)

	dec := NewDecoder(DefaultLimits())
	frames, err := dec.Feed(append(a, b...))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, `"a"`, string(frames[0].Payload))
	require.Equal(t, `"b"`, string(frames[1].Payload))
}

func TestDecoderMissingHeaderKeyIsFatal(t *testing.T) {
	testlog.Start(t)
	hb := []byte(`{"byteorder":"big","content-type":"text","content-length":0}`)
	raw := make([]byte, 2, 2+len(hb))
	binary.BigEndian.PutUint16(raw, uint16(len(hb)))
	raw = append(raw, hb...)

	dec := NewDecoder(DefaultLimits())
	_, err := dec.Feed(raw)
	if !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
	if _, err := dec.Feed([]byte{0, 0}); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected sticky ErrMalformedHeader, got %v", err)
	}
}

func TestDecoderZeroLengthHeaderIsMalformed(t *testing.T) {
	testlog.Start(t)
	dec := NewDecoder(DefaultLimits())
	if _, err := dec.Feed([]byte{0, 0}); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestDecoderPayloadLimit(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayloadBytes: 8}
	fr, err := Encode("application/json", "utf-8", []byte(`"0123456789"`), Limits{})
	require.NoError(t, err)
	dec := NewDecoder(limits)
	if _, err := dec.Feed(fr); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := Encode("application/json", "utf-8", make([]byte, 9), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected encode ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecodeHeaderNegativeLength(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeHeader([]byte(`{"byteorder":"big","content-type":"text","content-encoding":"utf-8","content-length":-1}`))
	if !errors.Is(err, ErrNegativeLength) {
		t.Fatalf("expected ErrNegativeLength, got %v", err)
	}
}

func TestReadFrameShort(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{0}), DefaultLimits())
	if !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}
