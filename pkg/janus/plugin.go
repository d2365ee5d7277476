package janus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// PluginHandle represents one attached gateway plugin within a session. All
// plugin-scoped traffic — messages, JSEP negotiation, trickle ICE — is
// routed through the handle's endpoint. A handle is owned by exactly one
// session and becomes unusable after Detach.
type PluginHandle struct {
	session *Session
	plugin  string
	id      string
	uri     string
	log     *slog.Logger
}

// Attach attaches a new handle for the named plugin within the session.
// On failure the returned handle is nil; callers must not route messages
// through a handle whose attach failed.
func (s *Session) Attach(ctx context.Context, plugin string) (*PluginHandle, error) {
	if !s.Connected() {
		return nil, ErrNotConnected
	}
	resp, err := s.Send(ctx, NewAttach(plugin))
	if err != nil {
		return nil, fmt.Errorf("janus: attach %s: %w", plugin, err)
	}
	if resp.Kind() != "success" {
		return nil, fmt.Errorf("janus: attach %s rejected: %s", plugin, responseError(resp))
	}
	id := resp.Data().ID()
	if id == "" {
		return nil, errors.New("janus: attach response carries no handle id")
	}

	h := &PluginHandle{
		session: s,
		plugin:  plugin,
		id:      id,
		uri:     s.SessionURI() + "/" + id,
		log:     s.log.With("plugin", plugin, "handle_id", id),
	}
	h.log.Debug("plugin attached")
	return h, nil
}

// ID returns the gateway-assigned handle identifier.
func (h *PluginHandle) ID() string {
	return h.id
}

// Plugin returns the plugin name this handle is attached to.
func (h *PluginHandle) Plugin() string {
	return h.plugin
}

// Connected reports whether the handle can route messages: it has been
// attached, not detached, and its session is still up.
func (h *PluginHandle) Connected() bool {
	return h != nil && h.id != "" && h.session.Connected()
}

// Message sends a plugin message carrying body and returns the effective
// response (immediate, or the later event for ack'd requests).
func (h *PluginHandle) Message(ctx context.Context, body Message) (Message, error) {
	return h.MessageJSEP(ctx, body, nil)
}

// MessageJSEP sends a plugin message carrying body plus an optional JSEP
// payload.
func (h *PluginHandle) MessageJSEP(ctx context.Context, body, jsep Message) (Message, error) {
	if !h.Connected() {
		return nil, ErrNotConnected
	}
	return h.session.SendTo(ctx, h.uri, NewPluginMessage(body, jsep))
}

// Trickle forwards client ICE candidates to the gateway. A single candidate
// is sent bare; several go as one batched trickle request.
func (h *PluginHandle) Trickle(ctx context.Context, candidates []Message) error {
	if !h.Connected() {
		return ErrNotConnected
	}
	var msg Message
	switch len(candidates) {
	case 0:
		return nil
	case 1:
		msg = NewTrickle(candidates[0])
	default:
		msg = NewTrickleBatch(candidates)
	}
	// Trickle requests are acked with no completing event, so they bypass
	// the pending-table wait.
	return h.session.fireAndAck(ctx, h.uri, msg)
}

// TrickleCompleted signals end-of-candidates to the gateway.
func (h *PluginHandle) TrickleCompleted(ctx context.Context) error {
	if !h.Connected() {
		return ErrNotConnected
	}
	return h.session.fireAndAck(ctx, h.uri, NewTrickleCompleted())
}

// Detach releases the handle on the gateway and marks it unusable locally.
// Detach is best-effort: a gateway-side failure is logged, not returned,
// since the handle may already be gone.
func (h *PluginHandle) Detach(ctx context.Context) {
	if !h.Connected() {
		return
	}
	uri := h.uri
	h.id, h.uri = "", ""
	if _, err := h.session.SendTo(ctx, uri, NewDetach()); err != nil {
		h.log.Warn("detach failed", "err", err)
	}
}
