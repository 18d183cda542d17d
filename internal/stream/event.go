// Package stream decodes the agent's newline-delimited event stream.
//
// Only lines carrying the "data:" field prefix are significant. Their payload is a
// JSON object whose "type" field selects one of token, status, done or error.
package stream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// DataPrefix marks a protocol-significant line
const DataPrefix = "data:"

// ErrProtocolDecode is matched by every DecodeError
var ErrProtocolDecode = errors.New("protocol decode failed")

// Kind classifies a decoded event
type Kind int

const (
	KindUnknown Kind = iota // unrecognized discriminant, ignored by consumers
	KindToken
	KindStatus
	KindDone
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindStatus:
		return "status"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded protocol unit. Only the field matching Kind is meaningful.
type Event struct {
	Kind    Kind
	Type    string // raw discriminant as received
	Content string // token
	Node    string // status
	Message string // error
}

// DecodeError reports a data line whose payload could not be classified
type DecodeError struct {
	Line   string
	Reason string
}

func (e *DecodeError) Error() string {
	line := e.Line
	if len(line) > 80 {
		line = line[:80] + "..."
	}
	return fmt.Sprintf("decode %q: %s", line, e.Reason)
}

func (e *DecodeError) Unwrap() error { return ErrProtocolDecode }

// Decode classifies a single line. ok is false when the line carries no data prefix
// or an empty payload. A malformed payload returns a *DecodeError.
func Decode(line string) (ev Event, ok bool, err error) {
	payload, found := strings.CutPrefix(line, DataPrefix)
	if !found {
		return Event{}, false, nil
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return Event{}, false, nil
	}

	if !gjson.Valid(payload) {
		return Event{}, false, &DecodeError{Line: line, Reason: "invalid JSON"}
	}
	res := gjson.Parse(payload)
	if !res.IsObject() {
		return Event{}, false, &DecodeError{Line: line, Reason: "payload is not an object"}
	}
	typ := res.Get("type")
	if typ.Type != gjson.String {
		return Event{}, false, &DecodeError{Line: line, Reason: "missing type discriminant"}
	}

	ev = Event{Type: typ.Str}
	switch typ.Str {
	case "token":
		ev.Kind = KindToken
		ev.Content = res.Get("content").String()
	case "status":
		ev.Kind = KindStatus
		ev.Node = res.Get("node").String()
	case "done":
		ev.Kind = KindDone
	case "error":
		ev.Kind = KindError
		ev.Message = res.Get("message").String()
	default:
		ev.Kind = KindUnknown
	}
	return ev, true, nil
}
