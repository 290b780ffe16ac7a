package rpcpool

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sony/gobreaker"
)

const (
	// DefaultRequestTimeout bounds a single upstream request.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultMaxConsecutiveErrors trips an endpoint's breaker.
	DefaultMaxConsecutiveErrors = 5

	// DefaultCooldown is how long a tripped endpoint rests before it is
	// probed again.
	DefaultCooldown = 30 * time.Second
)

// Config controls endpoint selection and failure handling. The zero value is
// usable; unset fields fall back to the defaults above.
type Config struct {
	RequestTimeout       time.Duration
	MaxConsecutiveErrors uint32
	Cooldown             time.Duration

	// Verify, when set, runs once per endpoint after its first successful
	// request. A non-nil return marks the endpoint permanently unhealthy
	// until a configuration reload.
	Verify func(ctx context.Context, url string) error
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}

	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}

	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}

	return c
}

// Selector owns a set of candidate endpoints and routes each logical call to
// the healthiest one, with a single fallback attempt on a different endpoint.
type Selector struct {
	cfg       Config
	endpoints []*Endpoint
	stats     *callLog
}

func NewSelector(urls []string, cfg Config) *Selector {
	cfg = cfg.withDefaults()

	s := &Selector{
		cfg:   cfg,
		stats: newCallLog(callLogSize),
	}

	for _, url := range urls {
		s.endpoints = append(s.endpoints, newEndpoint(url, cfg.MaxConsecutiveErrors, cfg.Cooldown))
	}

	return s
}

// pick returns the available endpoint with the lowest latency EMA, excluding
// skip. Ties are broken by the most recent success. Returns nil when every
// endpoint is down.
func (s *Selector) pick(skip *Endpoint) *Endpoint {
	var best *Endpoint

	for _, e := range s.endpoints {
		if e == skip || !e.available() {
			continue
		}

		if best == nil {
			best = e
			continue
		}

		e.mu.Lock()
		ema, success := e.latencyEMA, e.lastSuccess
		e.mu.Unlock()

		best.mu.Lock()
		bestEMA, bestSuccess := best.latencyEMA, best.lastSuccess
		best.mu.Unlock()

		if ema < bestEMA || (ema == bestEMA && success.After(bestSuccess)) {
			best = e
		}
	}

	return best
}

// Do executes op against the best endpoint, falling back once to a different
// endpoint on transient failure. Permanent errors surface immediately; when
// no endpoint is available, ErrExhausted is returned.
func (s *Selector) Do(ctx context.Context, method string, op func(ctx context.Context, url string) error) error {
	first := s.pick(nil)
	if first == nil {
		return ErrExhausted
	}

	err := s.attempt(ctx, first, method, op)
	if err == nil || IsPermanent(err) {
		return err
	}

	second := s.pick(first)
	if second == nil {
		return err
	}

	log.Debug("Retrying on fallback endpoint", "method", method, "endpoint", second.URL, "err", err)

	return s.attempt(ctx, second, method, op)
}

func (s *Selector) attempt(ctx context.Context, e *Endpoint, method string, op func(ctx context.Context, url string) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()

	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, op(cctx, e.URL)
	})

	latency := time.Since(start)
	s.record(e.URL, method, latency, err == nil)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &TransientError{Err: err}
		}

		e.observeFailure(err)

		return classify(err)
	}

	e.observeSuccess(latency)

	if s.cfg.Verify != nil && !e.isVerified() {
		vctx, vcancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer vcancel()

		if verr := s.cfg.Verify(vctx, e.URL); verr != nil {
			log.Error("Endpoint failed verification, disabling", "endpoint", e.URL, "err", verr)
			e.markMismatch(verr)

			return &PermanentError{Err: verr}
		}

		e.markVerified()
	}

	return nil
}

func (s *Selector) record(url, method string, latency time.Duration, ok bool) {
	s.stats.add(CallRecord{
		Endpoint: url,
		Method:   method,
		Latency:  latency,
		OK:       ok,
		At:       time.Now(),
	})

	outcome := "ok"
	if !ok {
		outcome = "error"
	}

	rpcRequestsTotal.WithLabelValues(url, method, outcome).Inc()
	rpcRequestLatency.WithLabelValues(method).Observe(latency.Seconds())
}

// Recent returns the most recent call records, newest last.
func (s *Selector) Recent() []CallRecord {
	return s.stats.snapshot()
}

// Healths reports a snapshot of every endpoint's state.
func (s *Selector) Healths() []Health {
	healths := make([]Health, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		healths = append(healths, e.health())
	}

	return healths
}
