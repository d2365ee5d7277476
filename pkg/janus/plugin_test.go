package janus_test

import (
	"context"
	"strings"
	"testing"

	"github.com/simverse/voicebridge/pkg/janus"
	"github.com/simverse/voicebridge/pkg/janus/mock"
)

const audiobridge = "janus.plugin.audiobridge"

func TestSession_AttachCreatesHandle(t *testing.T) {
	t.Parallel()

	tr := mock.NewTransport()
	s := newConnectedSession(t, tr)

	h, err := s.Attach(context.Background(), audiobridge)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	if !h.Connected() {
		t.Error("handle should be connected after a successful attach")
	}
	if h.ID() == "" {
		t.Error("handle id should be assigned from the attach response")
	}
	if h.Plugin() != audiobridge {
		t.Errorf("Plugin() = %q, want %q", h.Plugin(), audiobridge)
	}

	attaches := tr.CallsOfKind("attach")
	if len(attaches) != 1 {
		t.Fatalf("attach calls = %d, want 1", len(attaches))
	}
	if got := attaches[0].Msg.Str("plugin"); got != audiobridge {
		t.Errorf("attach plugin field = %q, want %q", got, audiobridge)
	}
}

func TestSession_AttachRejectedLeavesHandleUnusable(t *testing.T) {
	t.Parallel()

	tr := mock.NewTransport()
	tr.PostFunc = func(uri string, msg janus.Message) (janus.Message, error) {
		if msg.Kind() != "attach" {
			return tr.DefaultGateway(uri, msg)
		}
		return janus.Message{
			"janus":       "error",
			"transaction": msg.Transaction(),
			"error":       map[string]any{"code": 460, "reason": "No such plugin"},
		}, nil
	}
	s := newConnectedSession(t, tr)

	h, err := s.Attach(context.Background(), "janus.plugin.bogus")
	if err == nil {
		t.Fatal("Attach() should fail when the gateway rejects it")
	}
	if h.Connected() {
		t.Error("a failed attach must not yield a connected handle")
	}
}

func TestPluginHandle_MessageRoutedToHandleURI(t *testing.T) {
	t.Parallel()

	tr := mock.NewTransport()
	s := newConnectedSession(t, tr)
	h, err := s.Attach(context.Background(), audiobridge)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	if _, err := h.Message(context.Background(), janus.Message{"request": "listparticipants"}); err != nil {
		t.Fatalf("Message() error: %v", err)
	}

	msgs := tr.CallsOfKind("message")
	if len(msgs) != 1 {
		t.Fatalf("message calls = %d, want 1", len(msgs))
	}
	wantSuffix := "/" + s.ID() + "/" + h.ID()
	if !strings.HasSuffix(msgs[0].URI, wantSuffix) {
		t.Errorf("message URI = %q, want suffix %q", msgs[0].URI, wantSuffix)
	}
	if got := msgs[0].Msg.Msg("body").Str("request"); got != "listparticipants" {
		t.Errorf("body request = %q, want listparticipants", got)
	}
}

func TestPluginHandle_MessageJSEPCarriesOffer(t *testing.T) {
	t.Parallel()

	tr := mock.NewTransport()
	s := newConnectedSession(t, tr)
	h, err := s.Attach(context.Background(), audiobridge)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	jsep := janus.Message{"type": "offer", "sdp": "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}
	if _, err := h.MessageJSEP(context.Background(), janus.Message{"request": "join"}, jsep); err != nil {
		t.Fatalf("MessageJSEP() error: %v", err)
	}

	msgs := tr.CallsOfKind("message")
	if got := msgs[0].Msg.Jsep().Str("type"); got != "offer" {
		t.Errorf("jsep type = %q, want offer", got)
	}
}

func TestPluginHandle_TrickleShapes(t *testing.T) {
	t.Parallel()

	tr := mock.NewTransport()
	tr.PostFunc = func(uri string, msg janus.Message) (janus.Message, error) {
		if msg.Kind() != "trickle" {
			return tr.DefaultGateway(uri, msg)
		}
		// The gateway acks trickles with no completing event; the handle
		// must not wait for one.
		return janus.Message{"janus": "ack", "transaction": msg.Transaction()}, nil
	}
	s := newConnectedSession(t, tr)
	h, err := s.Attach(context.Background(), audiobridge)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	ctx := context.Background()

	if err := h.Trickle(ctx, []janus.Message{{"candidate": "c1", "sdpMid": "0"}}); err != nil {
		t.Fatalf("Trickle(single) error: %v", err)
	}
	if err := h.Trickle(ctx, []janus.Message{{"candidate": "c1"}, {"candidate": "c2"}}); err != nil {
		t.Fatalf("Trickle(batch) error: %v", err)
	}
	if err := h.Trickle(ctx, nil); err != nil {
		t.Fatalf("Trickle(none) error: %v", err)
	}
	if err := h.TrickleCompleted(ctx); err != nil {
		t.Fatalf("TrickleCompleted() error: %v", err)
	}

	trickles := tr.CallsOfKind("trickle")
	if len(trickles) != 3 {
		t.Fatalf("trickle calls = %d, want 3 (empty batch sends nothing)", len(trickles))
	}
	if trickles[0].Msg.Msg("candidate").Str("candidate") != "c1" {
		t.Error("single trickle should carry candidate object")
	}
	if len(trickles[1].Msg.List("candidates")) != 2 {
		t.Error("batch trickle should carry candidates array")
	}
	if !trickles[2].Msg.Msg("candidate").Bool("completed") {
		t.Error("completion trickle should carry candidate.completed")
	}
}

func TestPluginHandle_DetachMakesHandleUnusable(t *testing.T) {
	t.Parallel()

	tr := mock.NewTransport()
	s := newConnectedSession(t, tr)
	h, err := s.Attach(context.Background(), audiobridge)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}

	h.Detach(context.Background())
	if h.Connected() {
		t.Error("handle should not be connected after Detach")
	}
	if len(tr.CallsOfKind("detach")) != 1 {
		t.Error("Detach should issue exactly one detach request")
	}
	if _, err := h.Message(context.Background(), janus.Message{"request": "x"}); err == nil {
		t.Error("Message() on a detached handle should fail")
	}
}
