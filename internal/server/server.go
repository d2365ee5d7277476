// Package server exposes the voicebridge HTTP surface.
//
// Simulators drive the bridge through two verbs:
//
//   - POST /voice/provision — provision a voice account: create or reuse a
//     viewer session, select a room, join it, and return the SDP answer.
//   - POST /voice/signaling — forward client ICE candidates (or the
//     end-of-candidates marker) to the gateway.
//
// Both accept a JSON envelope carrying the caller identity and the request
// map, and answer with the response map produced by the voice core. Protocol
// failures (unknown session, gateway errors) are reported in-band with a 200
// status; only malformed envelopes get a 4xx.
//
// The server also registers /healthz, /readyz, and /metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simverse/voicebridge/internal/health"
	"github.com/simverse/voicebridge/internal/observe"
)

// maxBodySize bounds inbound request bodies. Provision requests carry one
// SDP offer; anything larger is garbage.
const maxBodySize = 1 << 20

// VoiceService is the part of the voice core the HTTP surface drives.
type VoiceService interface {
	ProvisionVoiceAccount(ctx context.Context, viewerSessionID string, req map[string]any, agentID, region string) map[string]any
	VoiceSignaling(ctx context.Context, viewerSessionID string, req map[string]any, agentID, region string) map[string]any
}

// envelope is the JSON body of both voice verbs.
type envelope struct {
	// ViewerSession is the bridge-issued session handle. Empty on a
	// client's first provision request.
	ViewerSession string `json:"viewer_session"`

	// AgentID identifies the in-world agent making the request.
	AgentID string `json:"agent_id"`

	// Region names the simulator region the request originates from.
	Region string `json:"region"`

	// Request is the verb-specific request map, passed through to the
	// voice core.
	Request map[string]any `json:"request"`
}

// Config holds the collaborators for a [Server].
type Config struct {
	Voice   VoiceService
	Health  *health.Handler
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Server routes the voicebridge HTTP endpoints. Construct with [New], then
// serve [Server.Handler].
type Server struct {
	voice   VoiceService
	health  *health.Handler
	log     *slog.Logger
	metrics *observe.Metrics
}

// New creates a Server. cfg.Voice is required; the rest default sensibly.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	return &Server{
		voice:   cfg.Voice,
		health:  cfg.Health,
		log:     cfg.Logger.With("component", "http"),
		metrics: cfg.Metrics,
	}
}

// Handler returns the fully wired HTTP handler: voice verbs, health probes,
// and the Prometheus metrics endpoint, all behind the observe middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /voice/provision", s.handleProvision)
	mux.HandleFunc("POST /voice/signaling", s.handleSignaling)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	env, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	resp := s.voice.ProvisionVoiceAccount(r.Context(), env.ViewerSession, env.Request, env.AgentID, env.Region)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSignaling(w http.ResponseWriter, r *http.Request) {
	env, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}
	resp := s.voice.VoiceSignaling(r.Context(), env.ViewerSession, env.Request, env.AgentID, env.Region)
	writeJSON(w, http.StatusOK, resp)
}

// decodeEnvelope parses and checks the request body. On failure it writes
// the error response itself and returns ok=false.
func (s *Server) decodeEnvelope(w http.ResponseWriter, r *http.Request) (envelope, bool) {
	var env envelope
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&env); err != nil {
		s.log.Warn("malformed request body", "path", r.URL.Path, "err", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"response": "failed",
			"error":    "malformed request body",
		})
		return envelope{}, false
	}
	if env.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"response": "failed",
			"error":    "agent_id is required",
		})
		return envelope{}, false
	}
	if env.Request == nil {
		env.Request = map[string]any{}
	}
	return env, true
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"response":"failed"}`, http.StatusInternalServerError)
	}
}
