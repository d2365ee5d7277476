package janus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

// ErrRequestTimeout is returned by Send when an ack'd request's completing
// event never arrives within the request timeout.
var ErrRequestTimeout = errors.New("janus: request timed out awaiting event")

// ErrNotConnected is returned for operations that require a connected session.
var ErrNotConnected = errors.New("janus: session not connected")

const (
	defaultRequestTimeout    = 30 * time.Second
	defaultKeepaliveInterval = 25 * time.Second

	// maxPollFailures is how many consecutive poll errors the loop tolerates
	// before declaring the session dead.
	maxPollFailures = 5

	// pollRetryDelay is the default spacing between poll retries after a
	// transport error.
	pollRetryDelay = time.Second
)

// Events is the set of callbacks a session owner registers for messages the
// poll loop cannot correlate with an in-flight request. All callbacks are
// optional and may be invoked concurrently with each other; each receives
// the plugin handle identifier the gateway reports as the event's sender.
type Events struct {
	// Trickle is invoked for gateway-originated ICE candidates.
	Trickle func(sender string, candidate Message)

	// Hangup is invoked when the gateway hangs up a handle's PeerConnection.
	Hangup func(sender, reason string)

	// Detached is invoked when the gateway detaches a plugin handle.
	Detached func(sender string)

	// PluginEvent is invoked for unsolicited plugin events, such as
	// participant joined/leaving notifications.
	PluginEvent func(sender string, msg Message)

	// Disconnected is invoked once when the poll loop gives up on the
	// gateway after repeated transport failures. The session is already in
	// StateDisconnected when it fires; owners typically trigger a
	// reconnection from here.
	Disconnected func()
}

// RequestObserver is an optional hook invoked after every gateway request
// completes, for metrics. status is the effective response kind ("success",
// "event", "error", ...) or "transport_error"/"timeout" on failure.
type RequestObserver func(kind, status string, elapsed time.Duration)

// Config holds the collaborators and settings for a [Session].
type Config struct {
	// ServerURI is the gateway's base REST endpoint (e.g. "http://janus:8088/janus").
	ServerURI string

	// AdminURI is the gateway's admin endpoint; optional, used only by Ping.
	AdminURI string

	// Transport carries all session and plugin traffic. Required.
	Transport Transport

	// AdminTransport carries admin-scoped requests; optional. When nil, Ping
	// reports the admin interface as unavailable.
	AdminTransport Transport

	// Logger for session lifecycle and poll loop diagnostics. When nil,
	// slog.Default() is used.
	Logger *slog.Logger

	// RequestTimeout bounds the wait for an ack'd request's completing
	// event. Zero means 30 seconds.
	RequestTimeout time.Duration

	// KeepaliveInterval spaces out keepalive requests while connected.
	// Zero means 25 seconds.
	KeepaliveInterval time.Duration

	// Observer, when non-nil, is invoked after every request for metrics.
	Observer RequestObserver

	// PollObserver, when non-nil, is invoked with the envelope kind of every
	// message received on the poll channel, for metrics.
	PollObserver func(kind string)

	// PollRetryDelay spaces out poll retries after a transport error.
	// Zero means 1 second.
	PollRetryDelay time.Duration
}

// Session owns one gateway-side session: it creates the session, runs the
// long-poll loop that demultiplexes asynchronous gateway events onto
// in-flight requests, and issues keepalives. All exported methods are safe
// for concurrent use.
type Session struct {
	cfg   Config
	log   *slog.Logger
	state atomic.Int32

	mu         sync.Mutex
	id         string
	uri        string
	pending    map[string]chan Message
	events     Events
	cancelLoop context.CancelFunc

	pollDone      chan struct{}
	keepaliveDone chan struct{}
}

// NewSession creates a disconnected session. Call Connect to bring it up.
func NewSession(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.PollRetryDelay <= 0 {
		cfg.PollRetryDelay = pollRetryDelay
	}
	return &Session{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "janus"),
		pending: make(map[string]chan Message),
	}
}

// SetEvents registers the event callbacks. Call before Connect; later calls
// replace the whole set.
func (s *Session) SetEvents(ev Events) {
	s.mu.Lock()
	s.events = ev
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connected reports whether the session holds a live gateway session id.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// ID returns the gateway-assigned session identifier, or "" when
// disconnected.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Connect creates the gateway session and starts the long-poll loop and the
// keepalive ticker. It is an error to call Connect on an already connected
// session.
func (s *Session) Connect(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return fmt.Errorf("janus: connect: session is %s", s.State())
	}

	resp, err := s.sendTo(ctx, s.cfg.ServerURI, NewCreate())
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return fmt.Errorf("janus: create session: %w", err)
	}
	if resp.Kind() != "success" {
		s.state.Store(int32(StateDisconnected))
		return fmt.Errorf("janus: create session rejected: %s", responseError(resp))
	}
	id := resp.Data().ID()
	if id == "" {
		s.state.Store(int32(StateDisconnected))
		return errors.New("janus: create session response carries no id")
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.id = id
	s.uri = s.cfg.ServerURI + "/" + id
	s.cancelLoop = cancel
	s.pollDone = make(chan struct{})
	s.keepaliveDone = make(chan struct{})
	s.mu.Unlock()

	s.state.Store(int32(StateConnected))
	s.log.Info("gateway session established", "session_id", id)

	go s.pollLoop(loopCtx)
	go s.keepaliveLoop(loopCtx)
	return nil
}

// Destroy tears the session down: it stops the poll and keepalive loops,
// best-effort notifies the gateway, and fails any requests still awaiting an
// event. Safe to call on an already destroyed session.
func (s *Session) Destroy(ctx context.Context) {
	s.mu.Lock()
	if s.id == "" {
		s.mu.Unlock()
		return
	}
	uri := s.uri
	cancel := s.cancelLoop
	pollDone, kaDone := s.pollDone, s.keepaliveDone
	s.id, s.uri, s.cancelLoop = "", "", nil
	s.mu.Unlock()

	s.state.Store(int32(StateDisconnected))
	cancel()
	<-pollDone
	<-kaDone

	if _, err := s.cfg.Transport.Post(ctx, uri, NewDestroy()); err != nil {
		s.log.Warn("destroy session request failed", "err", err)
	}
	s.failPending()
	s.log.Info("gateway session destroyed")
}

// SessionURI returns the session-scoped endpoint, or "" when disconnected.
func (s *Session) SessionURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uri
}

// Ping probes the gateway's admin interface. It reports an error when the
// admin transport is not configured or the gateway does not answer with
// "pong".
func (s *Session) Ping(ctx context.Context) error {
	if s.cfg.AdminTransport == nil || s.cfg.AdminURI == "" {
		return errors.New("janus: admin interface not configured")
	}
	resp, err := s.cfg.AdminTransport.Post(ctx, s.cfg.AdminURI, NewRequest("ping"))
	if err != nil {
		return err
	}
	if resp.Kind() != "pong" {
		return fmt.Errorf("janus: admin ping answered %q", resp.Kind())
	}
	return nil
}

// Send issues msg against the session-scoped endpoint. See SendTo.
func (s *Session) Send(ctx context.Context, msg Message) (Message, error) {
	uri := s.SessionURI()
	if uri == "" {
		return nil, ErrNotConnected
	}
	return s.SendTo(ctx, uri, msg)
}

// SendTo issues msg against uri and returns the effective response. When the
// gateway answers with an "ack", the call suspends until the poll loop
// delivers the matching "event" or "error" (by transaction token) or the
// request timeout elapses; otherwise the immediate response is returned
// as-is. Responses are matched strictly by transaction, never by issue
// order, so concurrent sends may complete out of order.
func (s *Session) SendTo(ctx context.Context, uri string, msg Message) (Message, error) {
	start := time.Now()
	resp, err := s.sendTo(ctx, uri, msg)
	if obs := s.cfg.Observer; obs != nil {
		status := "transport_error"
		switch {
		case errors.Is(err, ErrRequestTimeout):
			status = "timeout"
		case err == nil:
			status = resp.Kind()
		}
		obs(msg.Kind(), status, time.Since(start))
	}
	return resp, err
}

func (s *Session) sendTo(ctx context.Context, uri string, msg Message) (Message, error) {
	txn := msg.EnsureTransaction()

	// Register before posting so the poll loop can never observe the
	// completing event ahead of the table entry.
	ch := make(chan Message, 1)
	s.mu.Lock()
	if _, dup := s.pending[txn]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("janus: transaction %s already in flight", txn)
	}
	s.pending[txn] = ch
	s.mu.Unlock()
	defer s.forgetPending(txn)

	resp, err := s.cfg.Transport.Post(ctx, uri, msg)
	if err != nil {
		return nil, err
	}
	if resp.Kind() != "ack" {
		return resp, nil
	}

	// Deferred completion: the real result arrives on the poll channel.
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	select {
	case m, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return m, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w (transaction %s)", ErrRequestTimeout, txn)
	}
}

// fireAndAck posts a request whose only expected answer is an immediate ack
// (trickle and friends) and surfaces an error response as an error.
func (s *Session) fireAndAck(ctx context.Context, uri string, msg Message) error {
	start := time.Now()
	resp, err := s.cfg.Transport.Post(ctx, uri, msg)
	if obs := s.cfg.Observer; obs != nil {
		status := "transport_error"
		if err == nil {
			status = resp.Kind()
		}
		obs(msg.Kind(), status, time.Since(start))
	}
	if err != nil {
		return err
	}
	if resp.Kind() == "error" {
		return fmt.Errorf("janus: %s rejected: %s", msg.Kind(), responseError(resp))
	}
	return nil
}

// forgetPending removes the table entry for txn if the poll loop has not
// already claimed it.
func (s *Session) forgetPending(txn string) {
	s.mu.Lock()
	delete(s.pending, txn)
	s.mu.Unlock()
}

// resolvePending atomically claims and resolves the pending entry for txn.
// Exactly one caller per transaction can succeed, which keeps two dispatches
// for the same transaction from both completing the request.
func (s *Session) resolvePending(txn string, m Message) bool {
	s.mu.Lock()
	ch, ok := s.pending[txn]
	if ok {
		delete(s.pending, txn)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- m
	return true
}

// failPending closes out every in-flight wait, used on teardown. Waiters
// observe the closed channel and report ErrNotConnected.
func (s *Session) failPending() {
	s.mu.Lock()
	for txn, ch := range s.pending {
		delete(s.pending, txn)
		close(ch)
	}
	s.mu.Unlock()
}

// pollLoop drives the gateway's event channel while the session is
// connected. Each received message is dispatched on its own goroutine so a
// slow observer cannot stall the poll cadence.
func (s *Session) pollLoop(ctx context.Context) {
	defer close(s.pollDone)

	failures := 0
	for {
		uri := s.SessionURI()
		if uri == "" {
			return
		}
		msg, err := s.cfg.Transport.Poll(ctx, uri)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			s.log.Warn("poll failed", "err", err, "consecutive", failures)
			if failures >= maxPollFailures {
				s.log.Error("gateway unreachable, marking session disconnected")
				s.state.Store(int32(StateDisconnected))
				s.failPending()
				s.mu.Lock()
				onDown := s.events.Disconnected
				s.mu.Unlock()
				if onDown != nil {
					go onDown()
				}
				return
			}
			select {
			case <-time.After(s.cfg.PollRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		failures = 0
		if s.cfg.PollObserver != nil {
			s.cfg.PollObserver(msg.Kind())
		}
		go s.dispatch(msg)
	}
}

// keepaliveLoop spaces out keepalive requests so the gateway does not expire
// the session between polls. Keepalives are acked immediately, so they go
// straight through the transport without pending-table bookkeeping.
func (s *Session) keepaliveLoop(ctx context.Context) {
	defer close(s.keepaliveDone)

	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			uri := s.SessionURI()
			if uri == "" {
				return
			}
			if _, err := s.cfg.Transport.Post(ctx, uri, NewKeepalive()); err != nil {
				s.log.Warn("keepalive failed", "err", err)
			}
		}
	}
}

// dispatch routes one poll-channel message by its kind. A failure to handle
// any single message must never take the loop down.
func (s *Session) dispatch(msg Message) {
	s.mu.Lock()
	ev := s.events
	s.mu.Unlock()

	kind := msg.Kind()
	switch kind {
	case "keepalive", "server_info", "ack", "success", "timeout":
		s.log.Debug("poll message", "kind", kind)

	case "trickle":
		if ev.Trickle != nil {
			ev.Trickle(msg.Sender(), msg.Msg("candidate"))
		}

	case "webrtcup", "media", "slowlink":
		// Media-state hooks; informational for now.
		s.log.Debug("media state event", "kind", kind, "sender", msg.Sender())

	case "hangup":
		s.log.Info("gateway hangup", "sender", msg.Sender(), "reason", msg.Str("reason"))
		if ev.Hangup != nil {
			ev.Hangup(msg.Sender(), msg.Str("reason"))
		}

	case "detached":
		s.log.Info("handle detached by gateway", "sender", msg.Sender())
		if ev.Detached != nil {
			ev.Detached(msg.Sender())
		}

	case "event", "error":
		if txn := msg.Transaction(); txn != "" && s.resolvePending(txn, msg) {
			return
		}
		if kind == "error" {
			s.log.Warn("uncorrelated gateway error", "reason", responseError(msg))
			return
		}
		// Unsolicited plugin event (participant joined/leaving and friends).
		if ev.PluginEvent != nil {
			ev.PluginEvent(msg.Sender(), msg)
		} else {
			s.log.Debug("unhandled plugin event", "sender", msg.Sender())
		}

	default:
		s.log.Warn("unrecognised poll message", "kind", kind)
	}
}

// responseError summarises an error response for logs and wrapped errors.
func responseError(m Message) string {
	reason := m.ErrorReason()
	if reason == "" {
		if d := m.PluginData(); d.Str("error") != "" {
			reason = d.Str("error")
		}
	}
	if reason == "" {
		reason = "unknown error"
	}
	if code := m.ErrorCode(); code != 0 {
		return fmt.Sprintf("%s (code %d)", reason, code)
	}
	return reason
}
