package protocol

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Content types accepted in the frame header.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeText    = "text"
	ContentTypeCBOR    = "application/cbor"
	EncodingUTF8       = "utf-8"
	EncodingBinary     = "binary"
	DefaultContentType = ContentTypeJSON
)

var cborDec cbor.DecMode

func init() {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	cborDec = dm
}

// NormalizeContentType folds accepted spellings onto a canonical name.
func NormalizeContentType(ct string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(ct)) {
	case "", ContentTypeJSON, "json":
		return ContentTypeJSON, nil
	case ContentTypeText:
		return ContentTypeText, nil
	case ContentTypeCBOR, "cbor":
		return ContentTypeCBOR, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrContentTypeUnknown, ct)
	}
}

// MarshalEnvelope serializes env for the given content type and reports the
// content-encoding to advertise in the frame header.
func MarshalEnvelope(env Envelope, contentType string) ([]byte, string, error) {
	ct, err := NormalizeContentType(contentType)
	if err != nil {
		return nil, "", err
	}
	switch ct {
	case ContentTypeCBOR:
		b, err := cbor.Marshal(env.toWire())
		return b, EncodingBinary, err
	default:
		b, err := json.Marshal(env)
		return b, EncodingUTF8, err
	}
}

// UnmarshalEnvelope decodes a frame payload according to its header.
func UnmarshalEnvelope(contentType, encoding string, payload []byte) (Envelope, error) {
	ct, err := NormalizeContentType(contentType)
	if err != nil {
		return Envelope{}, err
	}
	if ct == ContentTypeCBOR {
		var w wireEnvelope
		if err := cborDec.Unmarshal(payload, &w); err != nil {
			return Envelope{}, err
		}
		return fromWire(w), nil
	}
	if enc := strings.ToLower(strings.TrimSpace(encoding)); enc != "" && enc != EncodingUTF8 && enc != "utf8" {
		return Envelope{}, fmt.Errorf("%w: unsupported encoding %q", ErrContentTypeUnknown, encoding)
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
