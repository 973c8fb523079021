// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package ratelimit gates HTTP requests with process-wide token buckets
// keyed by request kind and client.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"golang.org/x/time/rate"
)

// Kind selects the bucket family a request draws from.
type Kind string

// Request kinds. Safe methods draw from GET; everything else from POST.
const (
	KindGet  Kind = "GET"
	KindPost Kind = "POST"
)

// KindForMethod maps an HTTP method to its bucket family.
func KindForMethod(method string) Kind {
	switch method {
	case "GET", "HEAD", "OPTIONS":
		return KindGet
	default:
		return KindPost
	}
}

// Default limiter values.
const (
	DefaultGetCapacity       = 120
	DefaultGetRefill         = 500 * time.Millisecond
	DefaultPostCapacity      = 20
	DefaultPostRefill        = 3 * time.Second
	DefaultCleanupInterval   = 5 * time.Minute
	DefaultIdleBucketTimeout = time.Hour
)

// Rule configures one bucket family: Capacity tokens, one token added back
// every RefillInterval.
type Rule struct {
	Capacity       int
	RefillInterval time.Duration
}

// Config configures a Limiter.
type Config struct {
	Get  Rule
	Post Rule

	// CleanupInterval is how often idle buckets are dropped.
	// Defaults to DefaultCleanupInterval if zero.
	CleanupInterval time.Duration

	// IdleTimeout is how long a bucket may go unused before cleanup drops it.
	// Defaults to DefaultIdleBucketTimeout if zero.
	IdleTimeout time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		Get:  Rule{Capacity: DefaultGetCapacity, RefillInterval: DefaultGetRefill},
		Post: Rule{Capacity: DefaultPostCapacity, RefillInterval: DefaultPostRefill},
	}
}

type bucketKey struct {
	kind Kind
	key  string
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds one token bucket per (kind, key). It is safe for concurrent
// use. A background goroutine drops idle buckets; call Close to stop it.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[bucketKey]*bucket
	rules       map[Kind]Rule
	idleTimeout time.Duration
	now         func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup

	bucketGauge prometheus.Gauge
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used to refill buckets.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithRegistry registers a gauge of tracked buckets with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.bucketGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_ratelimit_buckets",
			Help: "Current number of tracked rate limit buckets",
		})
		reg.MustRegister(l.bucketGauge)
	}
}

// New creates a Limiter and starts its cleanup goroutine.
func New(cfg Config, opts ...Option) (*Limiter, error) {
	for kind, rule := range map[Kind]Rule{KindGet: cfg.Get, KindPost: cfg.Post} {
		if rule.Capacity < 1 {
			return nil, oops.Code("RATELIMIT_CONFIG_INVALID").
				With("kind", string(kind)).
				Errorf("capacity must be at least 1")
		}
		if rule.RefillInterval <= 0 {
			return nil, oops.Code("RATELIMIT_CONFIG_INVALID").
				With("kind", string(kind)).
				Errorf("refill interval must be positive")
		}
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleBucketTimeout
	}

	l := &Limiter{
		buckets:     make(map[bucketKey]*bucket),
		rules:       map[Kind]Rule{KindGet: cfg.Get, KindPost: cfg.Post},
		idleTimeout: idleTimeout,
		now:         time.Now,
		stopChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.cleanupLoop(cleanupInterval)

	return l, nil
}

// Allow consumes one token from the (kind, key) bucket. It returns false
// and the time until the next token when the bucket is empty.
func (l *Limiter) Allow(kind Kind, key string) (bool, time.Duration) {
	rule, ok := l.rules[kind]
	if !ok {
		rule = l.rules[KindPost]
		kind = KindPost
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := bucketKey{kind: kind, key: key}
	b, exists := l.buckets[k]
	if !exists {
		// A fresh rate.Limiter fills to its burst on first use.
		b = &bucket{limiter: rate.NewLimiter(rate.Every(rule.RefillInterval), rule.Capacity)}
		l.buckets[k] = b
		if l.bucketGauge != nil {
			l.bucketGauge.Set(float64(len(l.buckets)))
		}
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}

	deficit := 1 - b.limiter.TokensAt(now)
	return false, time.Duration(deficit * float64(rule.RefillInterval))
}

// BucketCount returns the number of tracked buckets.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Cleanup drops buckets unused for longer than idleFor.
func (l *Limiter) Cleanup(idleFor time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-idleFor)
	for k, b := range l.buckets {
		if b.lastSeen.Before(threshold) {
			delete(l.buckets, k)
		}
	}

	if l.bucketGauge != nil {
		l.bucketGauge.Set(float64(len(l.buckets)))
	}
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.Cleanup(l.idleTimeout)
		}
	}
}

// Close stops the cleanup goroutine and waits for it to exit.
func (l *Limiter) Close() {
	close(l.stopChan)
	l.wg.Wait()
}
