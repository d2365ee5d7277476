package resilience

import (
	"context"

	"github.com/simverse/voicebridge/pkg/janus"
)

// BreakerTransport decorates a [janus.Transport] with a [CircuitBreaker]
// guarding Post. While the breaker is open, posts fail immediately with
// [ErrCircuitOpen] instead of waiting out a transport timeout against a dead
// gateway.
//
// Poll is forwarded unguarded: the session's poll loop has its own failure
// accounting, and long-poll requests are expected to block.
type BreakerTransport struct {
	next    janus.Transport
	breaker *CircuitBreaker
}

// NewBreakerTransport wraps next with a circuit breaker built from cfg.
func NewBreakerTransport(next janus.Transport, cfg CircuitBreakerConfig) *BreakerTransport {
	if cfg.Name == "" {
		cfg.Name = "gateway"
	}
	return &BreakerTransport{
		next:    next,
		breaker: NewCircuitBreaker(cfg),
	}
}

// Post implements [janus.Transport].
func (t *BreakerTransport) Post(ctx context.Context, uri string, msg janus.Message) (janus.Message, error) {
	var resp janus.Message
	err := t.breaker.Execute(func() error {
		var err error
		resp, err = t.next.Post(ctx, uri, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Poll implements [janus.Transport].
func (t *BreakerTransport) Poll(ctx context.Context, uri string) (janus.Message, error) {
	return t.next.Poll(ctx, uri)
}

// Breaker exposes the underlying breaker, for health reporting and manual
// resets.
func (t *BreakerTransport) Breaker() *CircuitBreaker {
	return t.breaker
}
