package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/simverse/voicebridge/pkg/janus"
)

// Attendee is one client's membership record within a room, held from a
// successful join until the matching leave.
type Attendee struct {
	// ViewerSessionID keys the attendee within its room.
	ViewerSessionID string

	// AgentID is the simulator-side identity of the client.
	AgentID string

	// ParticipantID is the gateway-assigned audiobridge participant id.
	ParticipantID int64

	// SDPOffer and SDPAnswer are the negotiated session descriptions.
	SDPOffer  string
	SDPAnswer string

	// handle is the attendee's own plugin handle, which carries its
	// PeerConnection and therefore its leave request.
	handle *janus.PluginHandle
}

// Room is one gateway-side audio-mixing conference. Attendee bookkeeping and
// ambient playback control are safe for concurrent use.
type Room struct {
	registry       *Registry
	id             int64
	differentiator string
	log            *slog.Logger

	mu        sync.Mutex
	attendees map[string]*Attendee
}

func newRoom(g *Registry, id int64, differentiator string) *Room {
	return &Room{
		registry:       g,
		id:             id,
		differentiator: differentiator,
		log:            g.log.With("room", id),
		attendees:      make(map[string]*Attendee),
	}
}

// ID returns the gateway room id.
func (r *Room) ID() int64 {
	return r.id
}

// Differentiator returns the registry key this room was created under.
func (r *Room) Differentiator() string {
	return r.differentiator
}

// AttendeeCount returns the number of locally tracked attendees.
func (r *Room) AttendeeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attendees)
}

// Attendee returns the membership record for a viewer session, or nil.
func (r *Room) Attendee(viewerSessionID string) *Attendee {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attendees[viewerSessionID]
}

// Join joins the viewer session's client to the room with its SDP offer and,
// on success, records the gateway-assigned participant id and the answer SDP
// on both the attendee and the viewer session. A successful join also starts
// the room's ambient playback if it is not already running.
func (r *Room) Join(ctx context.Context, vs *ViewerSession) error {
	if vs.Handle == nil || !vs.Handle.Connected() {
		return fmt.Errorf("voice: join room %d: viewer session %s has no plugin handle", r.id, vs.ID)
	}

	resp, err := vs.Handle.MessageJSEP(ctx,
		janus.Message{
			"request": "join",
			"room":    r.id,
			"display": vs.AgentID,
		},
		janus.Message{"type": "offer", "sdp": vs.SDPOffer},
	)
	if err != nil {
		return fmt.Errorf("voice: join room %d: %w", r.id, err)
	}
	d := resp.PluginData()
	if d.Str("audiobridge") != "joined" {
		return fmt.Errorf("voice: join room %d rejected: %s", r.id, pluginError(resp))
	}

	att := &Attendee{
		ViewerSessionID: vs.ID,
		AgentID:         vs.AgentID,
		ParticipantID:   d.Int64("id"),
		SDPOffer:        vs.SDPOffer,
		SDPAnswer:       resp.Jsep().Str("sdp"),
		handle:          vs.Handle,
	}
	vs.SDPAnswer = att.SDPAnswer
	vs.Room = r

	r.mu.Lock()
	r.attendees[vs.ID] = att
	r.mu.Unlock()
	r.registry.attendeeDelta(ctx, 1)

	r.log.Info("attendee joined",
		"agent", vs.AgentID, "participant", att.ParticipantID)

	r.startAmbient(ctx)
	return nil
}

// Leave removes the viewer session's attendee from the room. The gateway
// leave is best-effort: a failure is logged but never blocks removal of the
// local membership record. When the gateway reports the room empty
// afterwards, the ambient playback is stopped.
func (r *Room) Leave(ctx context.Context, vs *ViewerSession) {
	r.mu.Lock()
	att := r.attendees[vs.ID]
	delete(r.attendees, vs.ID)
	r.mu.Unlock()
	if att == nil {
		return
	}
	r.registry.attendeeDelta(ctx, -1)
	if vs.Room == r {
		vs.Room = nil
	}

	if att.handle.Connected() {
		if _, err := att.handle.Message(ctx, janus.Message{
			"request": "leave",
			"room":    r.id,
			"id":      att.ParticipantID,
		}); err != nil {
			r.log.Warn("leave request failed", "agent", att.AgentID, "err", err)
		}
	}
	r.log.Info("attendee left", "agent", att.AgentID, "participant", att.ParticipantID)

	remaining, err := r.registry.listParticipants(ctx, r.id)
	if err != nil {
		r.log.Warn("participant listing failed", "err", err)
		return
	}
	if remaining == 0 {
		r.stopAmbient(ctx)
	}
}

// ambientFileID derives the fixed playback identifier for this room.
func (r *Room) ambientFileID() string {
	return fmt.Sprintf("ambient-%d", r.id)
}

// startAmbient starts the configured ambient audio asset into the room,
// checking first whether it is already playing so stacked joins do not stack
// playback. Best-effort: ambient audio is cosmetic.
func (r *Room) startAmbient(ctx context.Context) {
	file := r.registry.ambient()
	if file == "" {
		return
	}

	resp, err := r.registry.control.Message(ctx, janus.Message{
		"request": "is_playing",
		"room":    r.id,
		"file_id": r.ambientFileID(),
	})
	if err != nil {
		r.log.Warn("ambient playback probe failed", "err", err)
		return
	}
	if resp.PluginData().Bool("playing") {
		return
	}

	if _, err := r.registry.control.Message(ctx, janus.Message{
		"request":  "play_file",
		"room":     r.id,
		"filename": file,
		"file_id":  r.ambientFileID(),
		"loop":     true,
	}); err != nil {
		r.log.Warn("ambient playback start failed", "err", err)
		return
	}
	r.log.Debug("ambient playback started", "file", file)
}

// stopAmbient stops the room's ambient playback; called when the room
// empties out.
func (r *Room) stopAmbient(ctx context.Context) {
	if r.registry.ambient() == "" {
		return
	}
	if _, err := r.registry.control.Message(ctx, janus.Message{
		"request": "stop_file",
		"room":    r.id,
		"file_id": r.ambientFileID(),
	}); err != nil {
		r.log.Warn("ambient playback stop failed", "err", err)
		return
	}
	r.log.Debug("ambient playback stopped")
}
