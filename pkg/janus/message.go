// Package janus implements a client for the Janus gateway's JSON-over-HTTP
// control protocol: session lifecycle, plugin handle attachment, plugin
// messaging with JSEP payloads, trickle ICE, and the long-poll event channel.
//
// The protocol multiplexes three response shapes onto the same wire format:
// synchronous success responses, "ack" responses whose real result arrives
// later as an event on the poll channel, and unsolicited server-push events.
// [Session] hides that distinction behind a single request/response call by
// correlating poll events with in-flight requests via their transaction token.
package janus

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
)

// Message is the generic JSON-object envelope every gateway request and
// response uses. Reader methods tolerate absent or mistyped keys and return
// the zero value, because the gateway's response shape varies by outcome.
//
// Numbers decoded from the wire are [json.Number] (the transport decodes with
// UseNumber) so that the gateway's 64-bit identifiers survive without
// float64 truncation.
type Message map[string]any

// NewRequest creates a request envelope of the given kind with a fresh
// transaction token.
func NewRequest(kind string) Message {
	return Message{
		"janus":       kind,
		"transaction": NewTransaction(),
	}
}

// NewTransaction returns a fresh globally unique transaction token.
func NewTransaction() string {
	return uuid.NewString()
}

// NewCreate builds a session-create request.
func NewCreate() Message {
	return NewRequest("create")
}

// NewDestroy builds a session-destroy request.
func NewDestroy() Message {
	return NewRequest("destroy")
}

// NewKeepalive builds a session keepalive request.
func NewKeepalive() Message {
	return NewRequest("keepalive")
}

// NewAttach builds a plugin-attach request for the named gateway plugin
// (e.g. "janus.plugin.audiobridge").
func NewAttach(plugin string) Message {
	m := NewRequest("attach")
	m["plugin"] = plugin
	return m
}

// NewDetach builds a plugin-detach request.
func NewDetach() Message {
	return NewRequest("detach")
}

// NewPluginMessage builds a plugin-scoped message request carrying body, and
// optionally a JSEP payload. body must not be nil; jsep may be.
func NewPluginMessage(body Message, jsep Message) Message {
	m := NewRequest("message")
	m["body"] = map[string]any(body)
	if jsep != nil {
		m["jsep"] = map[string]any(jsep)
	}
	return m
}

// NewTrickle builds a trickle request carrying a single ICE candidate.
func NewTrickle(candidate Message) Message {
	m := NewRequest("trickle")
	m["candidate"] = map[string]any(candidate)
	return m
}

// NewTrickleBatch builds a trickle request carrying several ICE candidates.
func NewTrickleBatch(candidates []Message) Message {
	m := NewRequest("trickle")
	list := make([]any, len(candidates))
	for i, c := range candidates {
		list[i] = map[string]any(c)
	}
	m["candidates"] = list
	return m
}

// NewTrickleCompleted builds the end-of-candidates trickle request.
func NewTrickleCompleted() Message {
	m := NewRequest("trickle")
	m["candidate"] = map[string]any{"completed": true}
	return m
}

// EnsureTransaction returns the message's transaction token, assigning a
// fresh one first if the message has none.
func (m Message) EnsureTransaction() string {
	if t := m.Transaction(); t != "" {
		return t
	}
	t := NewTransaction()
	m["transaction"] = t
	return t
}

// Kind returns the envelope's "janus" discriminator ("success", "ack",
// "event", "error", ...), or "" when absent.
func (m Message) Kind() string {
	return m.Str("janus")
}

// Transaction returns the transaction token, or "" when absent.
func (m Message) Transaction() string {
	return m.Str("transaction")
}

// IsResponseTo reports whether m carries the same transaction token as req.
func (m Message) IsResponseTo(req Message) bool {
	t := req.Transaction()
	return t != "" && m.Transaction() == t
}

// Sender returns the plugin handle identifier the event originates from,
// normalised to a string, or "" when absent.
func (m Message) Sender() string {
	return m.Str("sender")
}

// Data returns the "data" sub-object of a synchronous success response.
func (m Message) Data() Message {
	return m.Msg("data")
}

// PluginData returns the plugin-specific payload nested under
// "plugindata.data", unwrapping the double envelope plugin responses use.
func (m Message) PluginData() Message {
	return m.Msg("plugindata").Msg("data")
}

// Jsep returns the "jsep" sub-object, if any.
func (m Message) Jsep() Message {
	return m.Msg("jsep")
}

// ID returns the "id" field normalised to a string. Gateway identifiers are
// numeric on the wire but opaque to this client.
func (m Message) ID() string {
	return m.Str("id")
}

// ErrorReason returns a human-readable description of an error response:
// the top-level {"error": {"code", "reason"}} shape for session-level
// errors, or the flat "error"/"error_code" fields plugin payloads use.
// Returns "" when the message carries no error.
func (m Message) ErrorReason() string {
	if e := m.Msg("error"); len(e) > 0 {
		return e.Str("reason")
	}
	return m.Str("error")
}

// ErrorCode returns the numeric error code of an error response, following
// the same two shapes as [Message.ErrorReason]. Returns 0 when absent.
func (m Message) ErrorCode() int64 {
	if e := m.Msg("error"); len(e) > 0 {
		return e.Int64("code")
	}
	return m.Int64("error_code")
}

// Str returns the value under key as a string. Numeric values are formatted,
// which keeps the gateway's numeric identifiers usable as opaque strings.
// Absent or other-typed keys yield "".
func (m Message) Str(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// Int64 returns the value under key as an int64, or 0 when absent or not a
// number.
func (m Message) Int64(key string) int64 {
	switch v := m[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return n
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

// Bool returns the value under key as a bool, or false when absent or not a
// bool.
func (m Message) Bool(key string) bool {
	v, _ := m[key].(bool)
	return v
}

// Msg returns the value under key as a nested [Message], or an empty one
// when absent or not an object. The result is never nil, so lookups chain.
func (m Message) Msg(key string) Message {
	if v, ok := m[key].(map[string]any); ok {
		return Message(v)
	}
	return Message{}
}

// List returns the value under key as a slice of nested messages, skipping
// non-object elements. Absent keys yield nil.
func (m Message) List(key string) []Message {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(raw))
	for _, e := range raw {
		if obj, ok := e.(map[string]any); ok {
			out = append(out, Message(obj))
		}
	}
	return out
}
