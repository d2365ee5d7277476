package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Reconnector watches the gateway session and automatically rebuilds it on
// disconnection.
//
// Callers start the service themselves, then call [Reconnector.Monitor] to
// run a background goroutine that waits for disconnect notifications. When a
// drop is signalled (via [Reconnector.NotifyDisconnect], typically wired to
// the session's Disconnected event), the monitor calls [Service.Restart]
// with exponential backoff between attempts and invokes the configured
// OnReconnect callback on success.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	svc         *Service
	log         *slog.Logger
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func()

	done         chan struct{}
	stopOnce     sync.Once
	disconnected chan struct{} // signalled when a disconnect is detected
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Service is the voice service to restart on disconnection. Required.
	Service *Service

	// MaxRetries is the maximum number of restart attempts before giving up.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful restart. May be nil.
	OnReconnect func()

	Logger *slog.Logger
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		svc:          cfg.Service,
		log:          cfg.Logger.With("component", "reconnect"),
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor starts monitoring in a background goroutine. When a disconnection
// is signalled via [Reconnector.NotifyDisconnect], it attempts to rebuild
// the gateway session with exponential backoff.
func (r *Reconnector) Monitor(ctx context.Context) {
	go r.monitorLoop(ctx)
}

// NotifyDisconnect signals the monitor that the gateway session has been
// lost and a rebuild should be attempted. Safe to call multiple times; only
// the first call per reconnection cycle has effect.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
		// Already signalled; avoid blocking.
	}
}

// Stop halts monitoring. Safe to call multiple times. Stopping does not
// tear the service down; that stays with the caller.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

// monitorLoop waits for disconnect notifications and attempts reconnection.
func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect tries to rebuild the gateway session with exponential
// backoff.
func (r *Reconnector) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		r.log.Info("attempting gateway reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		err := r.svc.Restart(ctx)
		if err == nil {
			r.log.Info("gateway reconnection successful", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		}
		r.log.Warn("gateway reconnection attempt failed",
			"attempt", attempt,
			"error", err,
		)

		// Wait before retrying.
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	r.log.Error("gateway reconnection failed after max retries",
		"max_retries", r.maxRetries,
	)
}
