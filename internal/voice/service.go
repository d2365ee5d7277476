package voice

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/sdp/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/simverse/voicebridge/internal/observe"
	"github.com/simverse/voicebridge/pkg/janus"
)

// spatialChannelType is the channel_type value simulators send for
// parcel-scoped spatial voice.
const spatialChannelType = "local"

// teardownTimeout bounds gateway calls made from event-driven teardown
// paths, which have no caller-supplied context.
const teardownTimeout = 10 * time.Second

// RemoteCandidateObserver receives gateway-originated ICE candidates for a
// viewer session, so the capability layer can relay them to the client.
type RemoteCandidateObserver func(viewerSessionID string, candidate map[string]any)

// ServiceConfig holds the collaborators for a [Service].
type ServiceConfig struct {
	// Session is the gateway session; the service connects it in Start.
	Session *janus.Session

	// Store is the viewer-session store, injected so its lifetime is owned
	// by the composition root.
	Store *Store

	// AmbientFile is the audio asset looped into occupied rooms; empty
	// disables ambient playback.
	AmbientFile string

	// RoomIDBase seeds the room id counter. Zero means DefaultRoomIDBase.
	RoomIDBase int64

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Service is the voice-provisioning core: it owns the gateway session, the
// control plugin handle hosting the room registry, and the viewer-session
// store, and implements the two verbs the capability layer calls. All
// exported methods are safe for concurrent use.
type Service struct {
	cfg     ServiceConfig
	log     *slog.Logger
	metrics *observe.Metrics
	session *janus.Session
	store   *Store

	// mu guards the control handle and registry, which Restart swaps as a
	// pair while request handlers read them concurrently.
	mu       sync.Mutex
	control  *janus.PluginHandle
	registry *Registry

	onRemoteCandidate RemoteCandidateObserver
	onDisconnected    func()
}

// NewService creates a stopped service. Call Start to connect the gateway.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Store == nil {
		cfg.Store = NewStore()
	}
	return &Service{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "voice"),
		metrics: cfg.Metrics,
		session: cfg.Session,
		store:   cfg.Store,
	}
}

// SetRemoteCandidateObserver registers the observer for gateway-originated
// trickle candidates. Call before Start.
func (s *Service) SetRemoteCandidateObserver(obs RemoteCandidateObserver) {
	s.onRemoteCandidate = obs
}

// SetDisconnectObserver registers the callback invoked when the gateway
// session is lost. Call before Start.
func (s *Service) SetDisconnectObserver(fn func()) {
	s.onDisconnected = fn
}

// Start connects the gateway session, attaches the control handle for the
// audiobridge plugin, and builds the room registry on it.
func (s *Service) Start(ctx context.Context) error {
	s.session.SetEvents(janus.Events{
		Trickle:      s.handleTrickle,
		Hangup:       s.handleHangup,
		Detached:     s.handleDetached,
		PluginEvent:  s.handlePluginEvent,
		Disconnected: s.onDisconnected,
	})
	if err := s.session.Connect(ctx); err != nil {
		return err
	}
	control, err := s.session.Attach(ctx, PluginName)
	if err != nil {
		s.session.Destroy(ctx)
		return err
	}
	registry := NewRegistry(control, s.cfg.AmbientFile, s.cfg.RoomIDBase, s.cfg.Logger, s.metrics)
	s.mu.Lock()
	s.control = control
	s.registry = registry
	s.mu.Unlock()
	s.log.Info("voice service ready", "session", s.session.ID())
	return nil
}

// gateway returns the control handle and registry as a consistent pair; both
// are nil before Start.
func (s *Service) gateway() (*janus.PluginHandle, *Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control, s.registry
}

// Ready reports whether the gateway session and control handle are up.
func (s *Service) Ready() bool {
	control, _ := s.gateway()
	return control != nil && s.session.Connected() && control.Connected()
}

// Registry returns the room registry; nil before Start.
func (s *Service) Registry() *Registry {
	_, registry := s.gateway()
	return registry
}

// SetAmbientFile swaps the ambient playback asset on the live registry.
// Used by config hot-reload. No-op before Start.
func (s *Service) SetAmbientFile(file string) {
	if registry := s.Registry(); registry != nil {
		registry.SetAmbientFile(file)
	}
}

// Restart rebuilds the gateway side after the session was lost: it drops all
// local viewer-session and room state (the gateway no longer knows any of
// it), destroys the dead session, and runs Start again. Clients must
// re-provision afterwards.
func (s *Service) Restart(ctx context.Context) error {
	dropped := s.store.All()
	for _, vs := range dropped {
		s.store.Remove(vs.ID)
	}
	if n := len(dropped); n > 0 {
		s.metrics.ActiveViewerSessions.Add(ctx, -int64(n))
		s.log.Info("dropped viewer sessions for gateway reconnect", "count", n)
	}
	if _, registry := s.gateway(); registry != nil {
		registry.dropAll(ctx)
	}
	s.session.Destroy(ctx)
	return s.Start(ctx)
}

// Close leaves all rooms, releases every viewer session, and destroys the
// gateway session.
func (s *Service) Close(ctx context.Context) {
	for _, vs := range s.store.All() {
		s.teardownViewerSession(ctx, vs)
	}
	if control, _ := s.gateway(); control != nil {
		control.Detach(ctx)
	}
	s.session.Destroy(ctx)
}

// ProvisionVoiceAccount handles the simulator's voice provisioning verb.
// viewerSessionID is empty on a client's first request; req is the decoded
// request map per the capability contract. The returned map is either
// {jsep, viewer_session} on success, {response: "closed"} for a logout, or
// {response: "failed", error} on failure.
func (s *Service) ProvisionVoiceAccount(ctx context.Context, viewerSessionID string, req map[string]any, agentID, region string) map[string]any {
	log := s.log.With("agent", agentID, "region", region)

	if logout, _ := req["logout"].(bool); logout {
		vs := s.store.Remove(viewerSessionID)
		if vs == nil {
			return s.failure(ctx, "unknown_session", "unknown viewer session")
		}
		s.metrics.ActiveViewerSessions.Add(ctx, -1)
		s.teardownViewerSession(ctx, vs)
		log.Info("viewer session closed on logout", "viewer_session", vs.ID)
		return map[string]any{"response": "closed"}
	}

	_, registry := s.gateway()
	if registry == nil || !s.Ready() {
		return s.failure(ctx, "gateway_down", "voice gateway not connected")
	}
	if vst, ok := req["voice_server_type"].(string); ok && vst != "webrtc" {
		return s.failure(ctx, "bad_request", "unsupported voice server type "+vst)
	}

	offer, failResp := s.offerFromRequest(ctx, req)
	if failResp != nil {
		return failResp
	}

	channelType, _ := req["channel_type"].(string)
	if channelType == "" {
		return s.failure(ctx, "bad_request", "missing channel_type")
	}
	spatial := channelType == spatialChannelType
	parcelID := intField(req, "parcel_id", RegionParcelID)
	channelID, _ := req["channel_id"].(string)

	vs := s.store.Get(viewerSessionID)
	if vs == nil {
		created, err := s.newViewerSession(ctx, agentID)
		if err != nil {
			log.Error("viewer session setup failed", "err", err)
			return s.failure(ctx, "gateway_error", "could not attach to voice gateway")
		}
		vs = created
		log.Info("viewer session created", "viewer_session", vs.ID)
	}
	vs.SDPOfferOriginal = offer
	vs.SDPOffer = offer

	room, err := registry.SelectRoom(ctx, channelType, spatial, parcelID, channelID)
	if err != nil {
		log.Error("room selection failed", "err", err)
		return s.failure(ctx, "gateway_error", "could not create voice room")
	}

	// A re-provision onto a different channel moves the client.
	if prev := vs.Room; prev != nil && prev != room {
		prev.Leave(ctx, vs)
	}
	if err := room.Join(ctx, vs); err != nil {
		log.Error("room join failed", "room", room.ID(), "err", err)
		return s.failure(ctx, "join_rejected", err.Error())
	}

	return map[string]any{
		"jsep":           map[string]any{"type": "answer", "sdp": vs.SDPAnswer},
		"viewer_session": vs.ID,
	}
}

// VoiceSignaling handles the simulator's ICE signaling verb: either an
// end-of-trickle marker ({candidate: {completed: true}}) or a batch of
// candidates to forward to the gateway.
func (s *Service) VoiceSignaling(ctx context.Context, viewerSessionID string, req map[string]any, agentID, region string) map[string]any {
	vs := s.store.Get(viewerSessionID)
	if vs == nil {
		return s.failure(ctx, "unknown_session", "unknown viewer session")
	}
	if !vs.Handle.Connected() {
		return s.failure(ctx, "gateway_down", "viewer session has no gateway handle")
	}

	if cand, ok := req["candidate"].(map[string]any); ok {
		if done, _ := cand["completed"].(bool); done {
			if err := vs.Handle.TrickleCompleted(ctx); err != nil {
				return s.failure(ctx, "gateway_error", err.Error())
			}
			return map[string]any{"response": "ok"}
		}
		if err := vs.Handle.Trickle(ctx, []janus.Message{candidateMessage(cand)}); err != nil {
			return s.failure(ctx, "gateway_error", err.Error())
		}
		return map[string]any{"response": "ok"}
	}

	raw, ok := req["candidates"].([]any)
	if !ok || len(raw) == 0 {
		return s.failure(ctx, "bad_request", "no candidates in request")
	}
	candidates := make([]janus.Message, 0, len(raw))
	for _, e := range raw {
		if obj, ok := e.(map[string]any); ok {
			candidates = append(candidates, candidateMessage(obj))
		}
	}
	if err := vs.Handle.Trickle(ctx, candidates); err != nil {
		return s.failure(ctx, "gateway_error", err.Error())
	}
	return map[string]any{"response": "ok"}
}

// newViewerSession creates the store entry and attaches the client's own
// plugin handle.
func (s *Service) newViewerSession(ctx context.Context, agentID string) (*ViewerSession, error) {
	vs := s.store.Create(agentID)
	handle, err := s.session.Attach(ctx, PluginName)
	if err != nil {
		s.store.Remove(vs.ID)
		return nil, err
	}
	vs.Handle = handle
	s.metrics.ActiveViewerSessions.Add(ctx, 1)
	return vs, nil
}

// offerFromRequest extracts and validates the client's SDP offer. The
// second return value is a ready failure response when validation fails.
func (s *Service) offerFromRequest(ctx context.Context, req map[string]any) (string, map[string]any) {
	jsep, ok := req["jsep"].(map[string]any)
	if !ok {
		return "", s.failure(ctx, "bad_request", "missing jsep")
	}
	typ, _ := jsep["type"].(string)
	if typ != "offer" {
		return "", s.failure(ctx, "bad_request", "jsep type must be offer")
	}
	offer, _ := jsep["sdp"].(string)
	if offer == "" {
		return "", s.failure(ctx, "bad_request", "missing sdp in jsep")
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(offer)); err != nil {
		return "", s.failure(ctx, "bad_request", "malformed sdp offer")
	}
	return offer, nil
}

// teardownViewerSession leaves the room (if any) and detaches the viewer's
// handle, bounded by its own deadline so event-driven teardown cannot hang.
func (s *Service) teardownViewerSession(ctx context.Context, vs *ViewerSession) {
	ctx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()
	if vs.Room != nil {
		vs.Room.Leave(ctx, vs)
	}
	if vs.Handle != nil {
		vs.Handle.Detach(ctx)
	}
}

// handleTrickle relays gateway-originated ICE candidates toward the client.
func (s *Service) handleTrickle(sender string, candidate janus.Message) {
	vs := s.store.ByHandle(sender)
	if vs == nil {
		s.log.Debug("trickle for unknown handle", "sender", sender)
		return
	}
	if s.onRemoteCandidate != nil {
		s.onRemoteCandidate(vs.ID, map[string]any(candidate))
	}
}

// handleHangup tears down the viewer session whose PeerConnection the
// gateway hung up.
func (s *Service) handleHangup(sender, reason string) {
	vs := s.store.ByHandle(sender)
	if vs == nil {
		return
	}
	s.log.Info("gateway hangup, closing viewer session",
		"viewer_session", vs.ID, "agent", vs.AgentID, "reason", reason)
	ctx := context.Background()
	s.store.Remove(vs.ID)
	s.metrics.ActiveViewerSessions.Add(ctx, -1)
	s.teardownViewerSession(ctx, vs)
}

// handleDetached drops local state for a handle the gateway detached.
func (s *Service) handleDetached(sender string) {
	vs := s.store.ByHandle(sender)
	if vs == nil {
		return
	}
	s.log.Info("handle detached by gateway, closing viewer session",
		"viewer_session", vs.ID, "agent", vs.AgentID)
	ctx := context.Background()
	s.store.Remove(vs.ID)
	s.metrics.ActiveViewerSessions.Add(ctx, -1)
	if vs.Room != nil {
		tctx, cancel := context.WithTimeout(ctx, teardownTimeout)
		vs.Room.Leave(tctx, vs)
		cancel()
	}
}

// handlePluginEvent logs unsolicited audiobridge notifications (participant
// joined/leaving fan-out from other handles).
func (s *Service) handlePluginEvent(sender string, msg janus.Message) {
	d := msg.PluginData()
	switch {
	case len(d.List("participants")) > 0:
		s.log.Debug("participants update", "room", d.Int64("room"))
	case d.Str("leaving") != "":
		s.log.Debug("participant leaving", "room", d.Int64("room"), "participant", d.Str("leaving"))
	default:
		s.log.Debug("plugin event", "sender", sender, "audiobridge", d.Str("audiobridge"))
	}
}

// failure builds the capability-layer failure response map and counts it.
func (s *Service) failure(ctx context.Context, reason, msg string) map[string]any {
	s.metrics.ProvisionFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
	return map[string]any{"response": "failed", "error": msg}
}

// candidateMessage maps a capability-layer candidate object onto the
// gateway's trickle shape.
func candidateMessage(obj map[string]any) janus.Message {
	m := janus.Message{}
	if v, ok := obj["candidate"]; ok {
		m["candidate"] = v
	}
	if v, ok := obj["sdpMid"]; ok {
		m["sdpMid"] = v
	}
	if v, ok := obj["sdpMLineIndex"]; ok {
		m["sdpMLineIndex"] = v
	}
	return m
}

// intField reads a numeric request-map field that may arrive as any of the
// JSON number representations.
func intField(req map[string]any, key string, fallback int64) int64 {
	switch v := req[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return fallback
		}
		return n
	}
	return fallback
}
