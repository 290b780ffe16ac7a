package rpcpool

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// emaAlpha is the smoothing factor for the per-endpoint latency EMA. A low
// value keeps the selection stable under occasional slow responses.
const emaAlpha = 0.2

// Endpoint tracks the health of a single upstream URL. The circuit breaker
// is the down/cool-down mechanism: it trips open after MaxConsecutiveErrors
// transient failures and half-opens after the configured cooldown.
type Endpoint struct {
	URL string

	breaker *gobreaker.CircuitBreaker

	mu          sync.Mutex
	latencyEMA  float64 // milliseconds, 0 until the first sample
	lastSuccess time.Time
	lastError   string
	verified    bool
	mismatch    bool
}

func newEndpoint(url string, maxConsecutiveErrors uint32, cooldown time.Duration) *Endpoint {
	e := &Endpoint{URL: url}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxConsecutiveErrors
		},
		// Permanent data errors mean the endpoint answered; only transient
		// failures count toward tripping the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(classify(err))
		},
	})

	return e
}

// available reports whether the endpoint may be picked for a request.
// Chain-id mismatches stay unavailable until a configuration reload.
func (e *Endpoint) available() bool {
	e.mu.Lock()
	mismatch := e.mismatch
	e.mu.Unlock()

	return !mismatch && e.breaker.State() != gobreaker.StateOpen
}

func (e *Endpoint) observeSuccess(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sample := float64(latency.Milliseconds())
	if e.latencyEMA == 0 {
		e.latencyEMA = sample
	} else {
		e.latencyEMA = e.latencyEMA*(1-emaAlpha) + sample*emaAlpha
	}

	e.lastSuccess = time.Now()
	e.lastError = ""
}

func (e *Endpoint) observeFailure(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastError = err.Error()
}

func (e *Endpoint) markMismatch(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.mismatch = true
	e.lastError = err.Error()
}

func (e *Endpoint) markVerified() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.verified = true
}

func (e *Endpoint) isVerified() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.verified
}

// Health is a point-in-time snapshot of the endpoint state, used by the
// status surface.
type Health struct {
	URL             string    `json:"url"`
	LatencyEMAMs    float64   `json:"latencyEmaMs"`
	LastSuccess     time.Time `json:"lastSuccess"`
	LastError       string    `json:"lastError,omitempty"`
	Down            bool      `json:"down"`
	ChainIDVerified bool      `json:"chainIdVerified"`
	ChainIDMismatch bool      `json:"chainIdMismatch"`
}

func (e *Endpoint) health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Health{
		URL:             e.URL,
		LatencyEMAMs:    e.latencyEMA,
		LastSuccess:     e.lastSuccess,
		LastError:       e.lastError,
		Down:            e.mismatch || e.breaker.State() == gobreaker.StateOpen,
		ChainIDVerified: e.verified,
		ChainIDMismatch: e.mismatch,
	}
}
