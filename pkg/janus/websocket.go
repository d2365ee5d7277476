package janus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// WSTransport carries the same envelope over the gateway's WebSocket
// interface (ws:// or wss:// server URIs). The gateway multiplexes replies
// and events on one stream, so the transport runs a read pump that routes
// each inbound message either to the Post call whose transaction it answers
// or to the event queue that Poll drains. Later messages reusing a
// transaction (the "event" after an "ack") land on the event queue, which
// preserves the session's correlation semantics.
type WSTransport struct {
	conn      *websocket.Conn
	apiSecret string
	log       *slog.Logger

	mu      sync.Mutex
	replies map[string]chan Message
	closed  bool

	events  chan Message
	done    chan struct{}
	readErr error
}

// DialWS connects the gateway's WebSocket interface at uri using the
// "janus-protocol" subprotocol.
func DialWS(ctx context.Context, uri, apiSecret string, log *slog.Logger) (*WSTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, _, err := websocket.Dial(ctx, uri, &websocket.DialOptions{
		Subprotocols: []string{"janus-protocol"},
	})
	if err != nil {
		return nil, fmt.Errorf("janus: dial %s: %w", uri, err)
	}
	t := &WSTransport{
		conn:      conn,
		apiSecret: apiSecret,
		log:       log.With("component", "janus-ws"),
		replies:   make(map[string]chan Message),
		events:    make(chan Message, 64),
		done:      make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Post writes msg to the socket and waits for the first inbound message
// answering its transaction.
func (t *WSTransport) Post(ctx context.Context, _ string, msg Message) (Message, error) {
	if t.apiSecret != "" {
		msg["apisecret"] = t.apiSecret
	}
	txn := msg.EnsureTransaction()

	ch := make(chan Message, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.New("janus: websocket transport closed")
	}
	t.replies[txn] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.replies, txn)
		t.mu.Unlock()
	}()

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("janus: encode request: %w", err)
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("janus: websocket write: %w", err)
	}

	select {
	case m := <-ch:
		return m, nil
	case <-t.done:
		return nil, t.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Poll returns the next queued event. The uri argument is unused: the
// WebSocket stream is already session-scoped by the gateway.
func (t *WSTransport) Poll(ctx context.Context, _ string) (Message, error) {
	select {
	case m := <-t.events:
		return m, nil
	case <-t.done:
		return nil, t.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the socket down; pending Post and Poll calls fail.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop routes inbound messages until the socket closes.
func (t *WSTransport) readLoop() {
	defer close(t.done)
	for {
		_, data, err := t.conn.Read(context.Background())
		if err != nil {
			t.readErr = fmt.Errorf("janus: websocket read: %w", err)
			return
		}
		msg, err := decodeMessage(bytes.NewReader(data))
		if err != nil {
			t.log.Warn("undecodable websocket message", "err", err)
			continue
		}

		txn := msg.Transaction()
		t.mu.Lock()
		ch, isReply := t.replies[txn]
		if isReply {
			delete(t.replies, txn)
		}
		t.mu.Unlock()

		if isReply {
			ch <- msg
			continue
		}
		select {
		case t.events <- msg:
		default:
			t.log.Warn("event queue full, dropping message", "kind", msg.Kind())
		}
	}
}
