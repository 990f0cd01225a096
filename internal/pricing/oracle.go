// Package pricing implements the byte-count-to-USDC quote (C1): a
// median-of-feeds exchange-rate oracle with TTL/deviation filtering, cached
// with stale fallback, and the byte-price curve that turns a quote into
// USDC atomic units.
package pricing

import (
	"sort"
	"sync"
	"time"

	"github.com/ar-io/x402-bundler/internal/bundlererr"
)

// Sample is a single price observation from one feed.
type Sample struct {
	Value     float64
	Timestamp time.Time
}

// Oracle maintains per-token price feeds and exposes a deviation-guarded
// median, caching the last accepted value so a transient fetch outage can
// fall back to stale data instead of failing outright.
type Oracle struct {
	mu           sync.RWMutex
	ttl          time.Duration
	maxDeviation float64
	breaker      float64
	feeds        map[string]map[string]Sample
	lastAccepted map[string]cachedPrice
}

type cachedPrice struct {
	value float64
	cutAt time.Time
}

// NewOracle builds an Oracle. ttl bounds how stale a feed sample may be
// before it is excluded from the median; maxDeviation discards outlier
// feeds relative to the median; breaker rejects a new median that moves too
// far from the last accepted value (a circuit breaker against bad feeds).
func NewOracle(ttl time.Duration, maxDeviation, breaker float64) *Oracle {
	return &Oracle{
		ttl:          ttl,
		maxDeviation: maxDeviation,
		breaker:      breaker,
		feeds:        make(map[string]map[string]Sample),
		lastAccepted: make(map[string]cachedPrice),
	}
}

// Update records a fresh observation for a feed.
func (o *Oracle) Update(token, feed string, value float64, observed time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.feeds[token]; !ok {
		o.feeds[token] = make(map[string]Sample)
	}
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	o.feeds[token][feed] = Sample{Value: value, Timestamp: observed}
}

// Price returns the cached exchange rate for token. On a fresh computation
// failure (no live feeds within ttl) it falls back to the last accepted
// price regardless of its own age; only when there is no prior accepted
// price at all does it return PricingUnavailable.
func (o *Oracle) Price(token string, now time.Time) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	median, ok := o.computeMedianLocked(token, now)
	if ok {
		o.lastAccepted[token] = cachedPrice{value: median, cutAt: now}
		return median, nil
	}

	if cached, ok := o.lastAccepted[token]; ok {
		return cached.value, nil
	}
	return 0, bundlererr.New(bundlererr.KindTransientDependencyFailure, "pricing unavailable")
}

func (o *Oracle) computeMedianLocked(token string, now time.Time) (float64, bool) {
	feeds, ok := o.feeds[token]
	if !ok || len(feeds) == 0 {
		return 0, false
	}
	var values []float64
	for _, sample := range feeds {
		if now.Sub(sample.Timestamp) > o.ttl {
			continue
		}
		values = append(values, sample.Value)
	}
	if len(values) == 0 {
		return 0, false
	}

	median := medianOf(values)
	if median <= 0 {
		return 0, false
	}

	if o.maxDeviation > 0 {
		filtered := make([]float64, 0, len(values))
		for _, v := range values {
			if absFloat((v-median)/median) <= o.maxDeviation {
				filtered = append(filtered, v)
			}
		}
		if len(filtered) == 0 {
			return 0, false
		}
		median = medianOf(filtered)
	}

	if prev, ok := o.lastAccepted[token]; ok && o.breaker > 0 && prev.value > 0 {
		if absFloat((median-prev.value)/prev.value) > o.breaker {
			return 0, false
		}
	}
	return median, true
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
