package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for frames that are not a JSON envelope with a
// known inbound code.
var ErrMalformed = errors.New("protocol: malformed envelope")

// Envelope is one socket frame: {"id": <request id>, "code": <code>, "data": <any>}.
//
// ID is kept raw so replies echo whatever the client sent, number or string.
type Envelope struct {
	ID   json.RawMessage `json:"id"`
	Code Code            `json:"code"`
	Data any             `json:"data,omitempty"`
}

// Request is a decoded inbound envelope with its payload still raw.
type Request struct {
	ID   json.RawMessage `json:"id"`
	Code Code            `json:"code"`
	Data json.RawMessage `json:"data"`
}

// ParseRequest decodes an inbound frame. A frame with a parseable id but an
// unknown code returns the request with ErrMalformed so the caller can reply
// on the same id.
func ParseRequest(frame []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if len(req.ID) == 0 {
		req.ID = json.RawMessage("null")
	}
	if !req.Code.Inbound() {
		return req, fmt.Errorf("%w: unknown code %q", ErrMalformed, req.Code)
	}
	return req, nil
}

// Reply builds the response to req.
func Reply(req Request, data any) Envelope {
	return Envelope{ID: req.ID, Code: req.Code, Data: data}
}

// Push builds a server-initiated envelope with a numeric id.
func Push(id uint64, code Code, data any) Envelope {
	return Envelope{ID: json.RawMessage(fmt.Sprintf("%d", id)), Code: code, Data: data}
}

// Welcome is the first frame sent on every connection.
func Welcome() Envelope {
	return Envelope{ID: json.RawMessage("0"), Code: CodeWelcome, Data: "Welcome!"}
}

// ErrorReply answers a request that could not be handled.
func ErrorReply(id json.RawMessage, message string) Envelope {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return Envelope{ID: id, Code: CodeError, Data: Result{Message: message}}
}

// Result is the {"message", "result"} payload of action replies and errors.
type Result struct {
	Message string `json:"message"`
	Result  bool   `json:"result"`
}
