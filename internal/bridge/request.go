package bridge

import (
	"fmt"

	"github.com/danmuck/hubctl/internal/protocol"
)

const (
	StatusRequest  = "request"
	StatusResponse = "response"
)

// Request is the opcode-3 content for both directions of a call.
type Request struct {
	CorrelationID string `json:"correlation-id" cbor:"correlation-id"`
	Status        string `json:"status" cbor:"status"`
	TargetOpcode  int    `json:"target-opcode" cbor:"target-opcode"`
	Payload       any    `json:"payload" cbor:"payload"`
	Error         string `json:"error,omitempty" cbor:"error,omitempty"`
}

// ParseRequest decodes opcode-3 content.
func ParseRequest(content any) (Request, error) {
	var req Request
	if err := protocol.DecodeContent(content, &req); err != nil {
		return Request{}, err
	}
	if req.CorrelationID == "" {
		return Request{}, fmt.Errorf("%w: missing correlation-id", protocol.ErrContentMismatch)
	}
	switch req.Status {
	case StatusRequest, StatusResponse:
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrInvalidStatus, req.Status)
	}
	return req, nil
}

// Reply builds the response to req carrying items.
func Reply(req Request, items []any) Request {
	if items == nil {
		items = []any{}
	}
	return Request{
		CorrelationID: req.CorrelationID,
		Status:        StatusResponse,
		TargetOpcode:  req.TargetOpcode,
		Payload:       items,
	}
}

// Fail builds an error response to req with an empty payload list.
func Fail(req Request, err error) Request {
	resp := Reply(req, nil)
	resp.Error = err.Error()
	return resp
}

// Items returns the response payload as the list of captured contents.
func (r Request) Items() []any {
	switch v := r.Payload.(type) {
	case nil:
		return nil
	case []any:
		return v
	default:
		return []any{v}
	}
}
