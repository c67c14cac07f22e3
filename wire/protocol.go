package wire

import (
	"encoding/json"

	"github.com/teranos/batchpub/errors"
)

// Session message types. Every message is a JSON object whose msg field
// names its type.
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgSub       = "sub"
	MsgUnsub     = "unsub"
	MsgReady     = "ready"
	MsgNoSub     = "nosub"
	MsgPing      = "ping"
	MsgPong      = "pong"
	MsgError     = "error"
)

// Envelope is decoded first to route a message by type.
type Envelope struct {
	Msg string `json:"msg"`
}

// Connect opens a session.
type Connect struct {
	Msg     string `json:"msg"`
	Version string `json:"version,omitempty"`
}

// Connected acknowledges Connect.
type Connected struct {
	Msg     string `json:"msg"`
	Session string `json:"session"`
}

// Sub subscribes to a named publication. ID is chosen by the client.
type Sub struct {
	Msg    string `json:"msg"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Params []any  `json:"params,omitempty"`
}

// Unsub ends the subscription with the given id.
type Unsub struct {
	Msg string `json:"msg"`
	ID  string `json:"id"`
}

// Ready reports that the initial result of each subscription was sent.
type Ready struct {
	Msg  string   `json:"msg"`
	Subs []string `json:"subs"`
}

// NoSub reports a subscription that ended or never started. Error is set
// when it failed.
type NoSub struct {
	Msg   string      `json:"msg"`
	ID    string      `json:"id"`
	Error *ErrorValue `json:"error,omitempty"`
}

// Ping is the body of both ping and pong. A pong echoes the ping's ID.
type Ping struct {
	Msg string `json:"msg"`
	ID  string `json:"id,omitempty"`
}

// ErrorMessage reports a message the server could not handle.
type ErrorMessage struct {
	Msg    string `json:"msg"`
	Reason string `json:"reason"`
	// Offending is the type of the rejected message.
	Offending string `json:"offendingMessage,omitempty"`
}

// ErrorValue is the error carried by NoSub.
type ErrorValue struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Error codes used in ErrorValue.
const (
	CodeNotFound    = "404"
	CodeBadRequest  = "400"
	CodeUnavailable = "503"
	CodeInternal    = "500"
)

// NewErrorValue maps err to a wire error.
func NewErrorValue(err error) *ErrorValue {
	code := CodeInternal
	switch {
	case errors.Is(err, errors.ErrUnknownPublication), errors.IsNotFoundError(err):
		code = CodeNotFound
	case errors.IsInvalidRequestError(err), errors.Is(err, errors.ErrMissingCollection):
		code = CodeBadRequest
	case errors.Is(err, errors.ErrClosed):
		code = CodeUnavailable
	}
	return &ErrorValue{Error: code, Reason: err.Error(), Message: err.Error()}
}

// MsgType returns the msg field of raw.
func MsgType(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", errors.Wrap(err, "decode message envelope")
	}
	if env.Msg == "" {
		return "", errors.NewInvalidRequestError("message has no msg field")
	}
	return env.Msg, nil
}

// Encode renders a protocol message.
func Encode(msg any) ([]byte, error) {
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	return out, nil
}
