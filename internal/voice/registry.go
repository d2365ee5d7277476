// Package voice maps a virtual-world simulator's voice channels onto
// audio-mixing rooms of a Janus gateway. It owns the room registry, room
// join/leave with ambient playback, the viewer-session store, and the two
// inbound verbs the simulator's capability layer invokes (voice account
// provisioning and ICE signaling).
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/simverse/voicebridge/internal/observe"
	"github.com/simverse/voicebridge/pkg/janus"
)

// PluginName is the gateway's audio-mixing room plugin.
const PluginName = "janus.plugin.audiobridge"

// errRoomExists is the audiobridge error code for a duplicate room create.
// The registry treats it as success and adopts the existing gateway room:
// differentiators are stable across process restarts while the gateway's
// room table may outlive us.
const errRoomExists = 486

// RegionParcelID is the reserved parcel identifier for the whole-region
// spatial channel.
const RegionParcelID = -1

// DefaultRoomIDBase is the first room id handed out; the whole-region room
// normally receives it.
const DefaultRoomIDBase = 100

// Differentiator derives the registry key for a room from the simulator-side
// channel coordinates. Spatial channels are keyed by parcel, non-spatial
// ones by channel id alone.
func Differentiator(channelType string, spatial bool, parcelID int64, channelID string) string {
	if spatial {
		return fmt.Sprintf("%s-%d-%s", channelType, parcelID, channelID)
	}
	return fmt.Sprintf("%s-%s", channelType, channelID)
}

// Registry creates, looks up, and destroys rooms on the gateway's
// audiobridge plugin. It is hosted by the control plugin handle and resolves
// concurrent creation races with a first-inserter-wins tie-break: the loser
// destroys the room it created. All exported methods are safe for
// concurrent use.
type Registry struct {
	control *janus.PluginHandle
	log     *slog.Logger
	metrics *observe.Metrics

	mu          sync.Mutex
	ambientFile string
	rooms       map[string]*Room
	nextRoomID  int64
}

// NewRegistry creates a registry hosted by the given control handle.
// ambientFile, when non-empty, is the audio asset played into every room
// while it has attendees. roomIDBase seeds the room id counter; zero means
// [DefaultRoomIDBase].
func NewRegistry(control *janus.PluginHandle, ambientFile string, roomIDBase int64, log *slog.Logger, metrics *observe.Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if roomIDBase <= 0 {
		roomIDBase = DefaultRoomIDBase
	}
	return &Registry{
		control:     control,
		ambientFile: ambientFile,
		log:         log.With("component", "rooms"),
		metrics:     metrics,
		rooms:       make(map[string]*Room),
		nextRoomID:  roomIDBase,
	}
}

// SetAmbientFile swaps the ambient playback asset. Rooms pick the new file
// up the next time playback starts; rooms already playing keep the old file
// until they empty.
func (g *Registry) SetAmbientFile(file string) {
	g.mu.Lock()
	g.ambientFile = file
	g.mu.Unlock()
}

// ambient returns the current ambient playback asset.
func (g *Registry) ambient() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ambientFile
}

// SelectRoom returns the room for the given channel coordinates, creating it
// on the gateway on first use. Two concurrent calls for the same coordinates
// return the same room: whichever caller installs its room first wins, and
// the other destroys the room it created gateway-side before returning the
// winner's.
func (g *Registry) SelectRoom(ctx context.Context, channelType string, spatial bool, parcelID int64, channelID string) (*Room, error) {
	key := Differentiator(channelType, spatial, parcelID, channelID)

	g.mu.Lock()
	if room, ok := g.rooms[key]; ok {
		g.mu.Unlock()
		return room, nil
	}
	roomID := g.nextRoomID
	g.nextRoomID++
	g.mu.Unlock()

	// The lock is released across the network call; a concurrent call for
	// the same key may finish first.
	if err := g.createRoom(ctx, roomID, key); err != nil {
		return nil, err
	}

	g.mu.Lock()
	if winner, ok := g.rooms[key]; ok {
		g.mu.Unlock()
		g.log.Info("lost room creation race, discarding",
			"differentiator", key, "room", roomID, "winner", winner.ID())
		g.destroyRoom(ctx, roomID)
		return winner, nil
	}
	room := newRoom(g, roomID, key)
	g.rooms[key] = room
	g.mu.Unlock()

	g.metrics.ActiveRooms.Add(ctx, 1)
	g.log.Info("room created", "differentiator", key, "room", roomID)
	return room, nil
}

// GetRoom returns the room with the given gateway room id, or nil when the
// registry knows no such room. Linear scan; room counts stay small.
func (g *Registry) GetRoom(roomID int64) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, room := range g.rooms {
		if room.ID() == roomID {
			return room
		}
	}
	return nil
}

// RoomCount returns the number of rooms the registry tracks.
func (g *Registry) RoomCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// dropAll forgets every room without gateway calls, used when the gateway
// session is lost and the rooms no longer exist server-side. The room and
// attendee gauges are corrected for the forgotten state.
func (g *Registry) dropAll(ctx context.Context) {
	g.mu.Lock()
	rooms := len(g.rooms)
	attendees := 0
	for _, room := range g.rooms {
		attendees += room.AttendeeCount()
	}
	g.rooms = make(map[string]*Room)
	g.mu.Unlock()

	if rooms > 0 {
		g.metrics.ActiveRooms.Add(ctx, -int64(rooms))
	}
	if attendees > 0 {
		g.metrics.ActiveAttendees.Add(ctx, -int64(attendees))
	}
}

// createRoom issues the audiobridge create for roomID. A duplicate-room
// error from the gateway counts as success.
func (g *Registry) createRoom(ctx context.Context, roomID int64, description string) error {
	resp, err := g.control.Message(ctx, janus.Message{
		"request":       "create",
		"room":          roomID,
		"description":   description,
		"sampling_rate": 48000,
	})
	if err != nil {
		return fmt.Errorf("voice: create room %d: %w", roomID, err)
	}
	d := resp.PluginData()
	switch {
	case d.Str("audiobridge") == "created":
		return nil
	case d.Int64("error_code") == errRoomExists:
		g.log.Debug("room already exists on gateway, adopting", "room", roomID)
		return nil
	default:
		return fmt.Errorf("voice: create room %d rejected: %s", roomID, pluginError(resp))
	}
}

// destroyRoom best-effort removes a gateway room; the room may already be
// gone gateway-side, so failures are logged and swallowed.
func (g *Registry) destroyRoom(ctx context.Context, roomID int64) {
	resp, err := g.control.Message(ctx, janus.Message{
		"request": "destroy",
		"room":    roomID,
	})
	if err != nil {
		g.log.Warn("destroy room failed", "room", roomID, "err", err)
		return
	}
	if d := resp.PluginData(); d.Str("audiobridge") != "destroyed" && d.Str("error") != "" {
		g.log.Warn("destroy room rejected", "room", roomID, "reason", d.Str("error"))
	}
}

// listParticipants returns how many participants the gateway reports for
// roomID.
func (g *Registry) listParticipants(ctx context.Context, roomID int64) (int, error) {
	resp, err := g.control.Message(ctx, janus.Message{
		"request": "listparticipants",
		"room":    roomID,
	})
	if err != nil {
		return 0, fmt.Errorf("voice: list participants of room %d: %w", roomID, err)
	}
	return len(resp.PluginData().List("participants")), nil
}

// attendeeDelta records room membership changes on the shared gauge.
func (g *Registry) attendeeDelta(ctx context.Context, delta int64) {
	g.metrics.ActiveAttendees.Add(ctx, delta)
}

// pluginError summarises an audiobridge error payload.
func pluginError(resp janus.Message) string {
	d := resp.PluginData()
	reason := d.Str("error")
	if reason == "" {
		reason = resp.ErrorReason()
	}
	if reason == "" {
		reason = "unknown error"
	}
	if code := d.Int64("error_code"); code != 0 {
		return fmt.Sprintf("%s (code %d)", reason, code)
	}
	return reason
}
