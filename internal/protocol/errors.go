package protocol

import "errors"

var (
	ErrInvalidEnvelope    = errors.New("protocol: invalid envelope")
	ErrContentTypeUnknown = errors.New("protocol: unknown content type")
	ErrContentMismatch    = errors.New("protocol: content shape mismatch")
)
