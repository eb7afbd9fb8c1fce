package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/danmuck/hubctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeJSONNullUUID(t *testing.T) {
	testlog.Start(t)
	b, err := json.Marshal(Envelope{Opcode: OpAuthenticate})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":1,"uuid":null,"content":null}`, string(b))

	var env Envelope
	require.NoError(t, json.Unmarshal(b, &env))
	require.Equal(t, OpAuthenticate, env.Opcode)
	require.Empty(t, env.DeviceID)
	require.Nil(t, env.Content)
}

func TestEnvelopeMissingIDRejected(t *testing.T) {
	testlog.Start(t)
	var env Envelope
	err := json.Unmarshal([]byte(`{"uuid":"x","content":{}}`), &env)
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestMarshalUnmarshalEnvelopeByContentType(t *testing.T) {
	testlog.Start(t)
	in := Envelope{
		Opcode:   OpVoice,
		DeviceID: "0d7bb4a6-3f55-4c55-9b7e-0a8e1f1c2d3e",
		Content:  map[string]any{"voice": "what time is it", "talk": true},
	}
	for _, ct := range []string{ContentTypeJSON, ContentTypeText, ContentTypeCBOR} {
		payload, enc, err := MarshalEnvelope(in, ct)
		require.NoError(t, err, ct)
		out, err := UnmarshalEnvelope(ct, enc, payload)
		require.NoError(t, err, ct)
		require.Equal(t, in.Opcode, out.Opcode, ct)
		require.Equal(t, in.DeviceID, out.DeviceID, ct)

		var content struct {
			Voice string `json:"voice"`
			Talk  bool   `json:"talk"`
		}
		require.NoError(t, DecodeContent(out.Content, &content), ct)
		require.Equal(t, "what time is it", content.Voice, ct)
		require.True(t, content.Talk, ct)
	}
}

func TestUnknownContentType(t *testing.T) {
	testlog.Start(t)
	if _, _, err := MarshalEnvelope(Envelope{Opcode: 1}, "application/xml"); !errors.Is(err, ErrContentTypeUnknown) {
		t.Fatalf("expected ErrContentTypeUnknown, got %v", err)
	}
	if _, err := UnmarshalEnvelope("application/json", "latin-1", []byte(`{"id":1}`)); !errors.Is(err, ErrContentTypeUnknown) {
		t.Fatalf("expected ErrContentTypeUnknown for encoding, got %v", err)
	}
}

func TestDecodeContentMismatch(t *testing.T) {
	testlog.Start(t)
	var out struct {
		N int `json:"n"`
	}
	if err := DecodeContent(nil, &out); !errors.Is(err, ErrContentMismatch) {
		t.Fatalf("expected ErrContentMismatch for nil, got %v", err)
	}
	if err := DecodeContent(map[string]any{"n": "seven"}, &out); !errors.Is(err, ErrContentMismatch) {
		t.Fatalf("expected ErrContentMismatch for wrong type, got %v", err)
	}
}
