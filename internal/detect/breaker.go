package detect

import (
	"context"
	"errors"
	"image"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/apperr"
	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
)

// BreakerState represents circuit breaker state
type BreakerState uint32

const (
	Closed   BreakerState = iota // Normal operation
	Open                         // Failing fast
	HalfOpen                     // Testing recovery
)

func (s BreakerState) String() string {
	return [...]string{"closed", "open", "half-open"}[s]
}

// ErrOpen is returned while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker open")

// BreakerConfig tunes a Breaker
type BreakerConfig struct {
	Threshold         int           // consecutive failures before opening
	ResetTimeout      time.Duration // time in Open before a trial call
	HalfOpenSuccesses int           // trial successes needed to close
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = 1
	}
	return c
}

// Breaker stops hammering a capability that keeps failing. A frame rejected
// by an open breaker degrades to passthrough like any other failure.
type Breaker struct {
	cfg         BreakerConfig
	state       atomic.Uint32
	failures    atomic.Int32
	successes   atomic.Int32
	lastFailure atomic.Int64 // unix nano
}

// NewBreaker creates a breaker in the Closed state
func NewBreaker(cfg BreakerConfig) *Breaker {
	b := &Breaker{cfg: cfg.withDefaults()}
	b.state.Store(uint32(Closed))
	return b
}

// Allow returns nil if a call may proceed
func (b *Breaker) Allow() error {
	switch BreakerState(b.state.Load()) {
	case Open:
		if b.shouldAttemptReset() {
			b.transition(HalfOpen)
			return nil
		}
		return ErrOpen
	default:
		return nil
	}
}

// Success records a successful call
func (b *Breaker) Success() {
	switch BreakerState(b.state.Load()) {
	case HalfOpen:
		if b.successes.Add(1) >= int32(b.cfg.HalfOpenSuccesses) {
			b.transition(Closed)
		}
	case Closed:
		b.failures.Store(0)
	}
}

// Failure records a failed call
func (b *Breaker) Failure() {
	b.lastFailure.Store(time.Now().UnixNano())
	count := b.failures.Add(1)

	switch BreakerState(b.state.Load()) {
	case HalfOpen:
		b.transition(Open)
	case Closed:
		if count >= int32(b.cfg.Threshold) {
			b.transition(Open)
		}
	}
}

// State returns current state
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Reset forces the breaker closed
func (b *Breaker) Reset() {
	b.transition(Closed)
}

func (b *Breaker) transition(to BreakerState) {
	from := BreakerState(b.state.Swap(uint32(to)))
	if from == to {
		return
	}

	log := logger.WithComponent("breaker")
	switch to {
	case Closed:
		b.failures.Store(0)
		b.successes.Store(0)
		log.Info().Str("from", from.String()).Msg("Circuit breaker closed")
	case Open:
		b.successes.Store(0)
		log.Warn().Int32("failures", b.failures.Load()).Msg("Circuit breaker opened")
	case HalfOpen:
		b.successes.Store(0)
		log.Info().Msg("Circuit breaker half-open")
	}
}

func (b *Breaker) shouldAttemptReset() bool {
	last := b.lastFailure.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) > b.cfg.ResetTimeout
}

// Guarded wraps a capability with a breaker
type Guarded struct {
	inner   Capability
	breaker *Breaker
}

// NewGuarded wraps c with a breaker configured by cfg
func NewGuarded(c Capability, cfg BreakerConfig) *Guarded {
	return &Guarded{inner: c, breaker: NewBreaker(cfg)}
}

func (g *Guarded) Name() string { return g.inner.Name() }

// Detect runs the wrapped capability unless the breaker is open
func (g *Guarded) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if err := g.breaker.Allow(); err != nil {
		return nil, apperr.Wrapf(err, apperr.ProcessingFailure, "capability %s unavailable", g.inner.Name())
	}
	dets, err := Invoke(ctx, g.inner, img)
	if err != nil {
		g.breaker.Failure()
		return nil, err
	}
	g.breaker.Success()
	return dets, nil
}

func (g *Guarded) Close() error { return g.inner.Close() }

// BreakerState reports the state of the wrapped breaker
func (g *Guarded) BreakerState() BreakerState { return g.breaker.State() }
