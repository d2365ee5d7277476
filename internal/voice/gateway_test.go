package voice_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/simverse/voicebridge/internal/voice"
	"github.com/simverse/voicebridge/pkg/janus"
	"github.com/simverse/voicebridge/pkg/janus/mock"
)

// sdpOffer is a minimal but well-formed audio offer.
const sdpOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendrecv\r\n"

const sdpAnswer = "v=0\r\no=- 99 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// fakeGateway scripts a stateful audiobridge gateway on top of the mock
// transport: rooms, participants, and ambient playback state.
type fakeGateway struct {
	tr *mock.Transport

	mu              sync.Mutex
	nextParticipant int64
	participants    map[int64]int
	playing         map[string]bool

	// existingRooms answer the duplicate-room error on create.
	existingRooms map[int64]bool

	// createGate, when non-nil, holds room creates in flight until the test
	// closes it; each create signals createArrived first. Lets tests widen
	// the creation race window deterministically.
	createGate    chan struct{}
	createArrived chan struct{}
}

func newFakeGateway() *fakeGateway {
	g := &fakeGateway{
		tr:            mock.NewTransport(),
		participants:  make(map[int64]int),
		playing:       make(map[string]bool),
		existingRooms: make(map[int64]bool),
	}
	g.tr.PostFunc = g.handle
	return g
}

// pluginSuccess wraps data in the audiobridge double envelope.
func pluginSuccess(txn string, data map[string]any) janus.Message {
	return janus.Message{
		"janus":       "success",
		"transaction": txn,
		"plugindata":  map[string]any{"plugin": voice.PluginName, "data": data},
	}
}

func (g *fakeGateway) handle(uri string, msg janus.Message) (janus.Message, error) {
	if msg.Kind() != "message" {
		return g.tr.DefaultGateway(uri, msg)
	}
	body := msg.Msg("body")
	txn := msg.Transaction()
	room := body.Int64("room")

	switch body.Str("request") {
	case "create":
		if g.createGate != nil {
			g.createArrived <- struct{}{}
			<-g.createGate
		}
		g.mu.Lock()
		exists := g.existingRooms[room]
		g.mu.Unlock()
		if exists {
			return pluginSuccess(txn, map[string]any{
				"audiobridge": "event",
				"error":       fmt.Sprintf("Room %d already exists", room),
				"error_code":  486,
			}), nil
		}
		return pluginSuccess(txn, map[string]any{"audiobridge": "created", "room": room}), nil

	case "destroy":
		return pluginSuccess(txn, map[string]any{"audiobridge": "destroyed", "room": room}), nil

	case "join":
		g.mu.Lock()
		g.nextParticipant++
		id := g.nextParticipant
		g.participants[room]++
		g.mu.Unlock()
		// Joins complete asynchronously: ack now, event on the poll channel.
		go g.tr.PushEvent(janus.Message{
			"janus":       "event",
			"transaction": txn,
			"plugindata": map[string]any{
				"plugin": voice.PluginName,
				"data":   map[string]any{"audiobridge": "joined", "room": room, "id": id},
			},
			"jsep": map[string]any{"type": "answer", "sdp": sdpAnswer},
		})
		return janus.Message{"janus": "ack", "transaction": txn}, nil

	case "leave":
		g.mu.Lock()
		if g.participants[room] > 0 {
			g.participants[room]--
		}
		g.mu.Unlock()
		return pluginSuccess(txn, map[string]any{"audiobridge": "left", "room": room}), nil

	case "listparticipants":
		g.mu.Lock()
		n := g.participants[room]
		g.mu.Unlock()
		list := make([]any, n)
		for i := range list {
			list[i] = map[string]any{"id": int64(i + 1)}
		}
		return pluginSuccess(txn, map[string]any{
			"audiobridge":  "participants",
			"room":         room,
			"participants": list,
		}), nil

	case "is_playing":
		g.mu.Lock()
		playing := g.playing[body.Str("file_id")]
		g.mu.Unlock()
		return pluginSuccess(txn, map[string]any{"audiobridge": "success", "playing": playing}), nil

	case "play_file":
		g.mu.Lock()
		g.playing[body.Str("file_id")] = true
		g.mu.Unlock()
		return pluginSuccess(txn, map[string]any{"audiobridge": "success", "file_id": body.Str("file_id")}), nil

	case "stop_file":
		g.mu.Lock()
		g.playing[body.Str("file_id")] = false
		g.mu.Unlock()
		return pluginSuccess(txn, map[string]any{"audiobridge": "success"}), nil
	}

	return pluginSuccess(txn, map[string]any{"audiobridge": "event", "error": "unknown request"}), nil
}

// countBodyRequests tallies posted plugin operations by request name.
func (g *fakeGateway) countBodyRequests(name string) int {
	n := 0
	for _, r := range g.tr.BodyRequests() {
		if r == name {
			n++
		}
	}
	return n
}

// newTestSession connects a janus session over the fake gateway.
func newTestSession(t *testing.T, g *fakeGateway) *janus.Session {
	t.Helper()
	s := janus.NewSession(janus.Config{
		ServerURI: "http://gateway.test/janus",
		Transport: g.tr,
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { s.Destroy(context.Background()) })
	return s
}

// newTestRegistry builds a registry on a fresh control handle.
func newTestRegistry(t *testing.T, g *fakeGateway, ambientFile string) (*voice.Registry, *janus.Session) {
	t.Helper()
	s := newTestSession(t, g)
	control, err := s.Attach(context.Background(), voice.PluginName)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	return voice.NewRegistry(control, ambientFile, 0, nil, nil), s
}
