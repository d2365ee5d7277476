// Package mock provides an in-memory mock implementation of the
// [janus.Transport] interface for use in unit tests.
//
// The mock is safe for concurrent use. It records every posted request so
// that tests can assert on call counts and arguments, answers posts through
// a programmable PostFunc, and lets tests push asynchronous gateway events
// onto the poll channel.
//
// Typical usage:
//
//	tr := mock.NewTransport()
//	tr.PostFunc = func(uri string, msg janus.Message) (janus.Message, error) {
//	    return janus.Message{"janus": "ack", "transaction": msg.Transaction()}, nil
//	}
//	tr.PushEvent(janus.Message{"janus": "event", "transaction": txn})
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/simverse/voicebridge/pkg/janus"
)

// PostCall records one Post invocation.
type PostCall struct {
	URI string
	Msg janus.Message
}

// Transport is a mock implementation of [janus.Transport].
// Set PostFunc before use; inspect Calls after.
type Transport struct {
	mu sync.Mutex

	// PostFunc answers each Post. When nil, [DefaultGateway] is used, which
	// answers create/attach with successes carrying generated ids and
	// everything else with a success echo.
	PostFunc func(uri string, msg janus.Message) (janus.Message, error)

	// PollFunc, when non-nil, answers each Poll instead of the event channel.
	PollFunc func(ctx context.Context, uri string) (janus.Message, error)

	// Calls holds every posted request in order.
	Calls []PostCall

	events chan janus.Message
	nextID atomic.Int64
}

// NewTransport creates a mock transport with an empty poll channel.
func NewTransport() *Transport {
	return &Transport{events: make(chan janus.Message, 32)}
}

// Post implements [janus.Transport]. It records the call and delegates to
// PostFunc.
func (t *Transport) Post(_ context.Context, uri string, msg janus.Message) (janus.Message, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, PostCall{URI: uri, Msg: msg})
	fn := t.PostFunc
	t.mu.Unlock()
	if fn == nil {
		fn = t.DefaultGateway
	}
	return fn(uri, msg)
}

// Poll implements [janus.Transport]. It blocks until a pushed event is
// available or ctx is cancelled, unless PollFunc is set.
func (t *Transport) Poll(ctx context.Context, uri string) (janus.Message, error) {
	t.mu.Lock()
	fn := t.PollFunc
	t.mu.Unlock()
	if fn != nil {
		return fn(ctx, uri)
	}
	select {
	case m := <-t.events:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PushEvent queues msg for delivery through Poll.
func (t *Transport) PushEvent(msg janus.Message) {
	t.events <- msg
}

// PostCalls returns a snapshot of the recorded calls.
func (t *Transport) PostCalls() []PostCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PostCall, len(t.Calls))
	copy(out, t.Calls)
	return out
}

// CallsOfKind returns the recorded calls whose envelope kind matches kind.
func (t *Transport) CallsOfKind(kind string) []PostCall {
	var out []PostCall
	for _, c := range t.PostCalls() {
		if c.Msg.Kind() == kind {
			out = append(out, c)
		}
	}
	return out
}

// BodyRequests returns the "request" field of every plugin-message body
// posted, in order. Useful for asserting on audiobridge operation sequences.
func (t *Transport) BodyRequests() []string {
	var out []string
	for _, c := range t.PostCalls() {
		if c.Msg.Kind() == "message" {
			out = append(out, c.Msg.Msg("body").Str("request"))
		}
	}
	return out
}

// DefaultGateway is the fallback PostFunc: create and attach succeed with
// generated numeric ids, everything else succeeds with an empty payload.
func (t *Transport) DefaultGateway(_ string, msg janus.Message) (janus.Message, error) {
	switch msg.Kind() {
	case "create", "attach":
		return janus.Message{
			"janus":       "success",
			"transaction": msg.Transaction(),
			"data":        map[string]any{"id": fmt.Sprintf("%d", t.nextID.Add(1))},
		}, nil
	default:
		return janus.Message{
			"janus":       "success",
			"transaction": msg.Transaction(),
		}, nil
	}
}
