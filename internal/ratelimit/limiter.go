/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ratelimit implements a per-key token bucket admission gate, one
// golang.org/x/time/rate.Limiter per client key, held in a TTL-evicting
// cache so key cardinality never grows unbounded.
package ratelimit

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// evictionInterval sets how often the backing cache sweeps expired keys.
const evictionInterval = time.Minute

// Limiter gates admission per client key with a token bucket: capacity is
// the burst size, refillRate is tokens restored per second. Each key's
// bucket is evicted after it has been idle for idleTTL, bounding the
// limiter's memory to recently active clients rather than every client
// ever seen.
type Limiter struct {
	buckets     *gocache.Cache
	capacity    float64
	refillRate  rate.Limit
	idleTTL     time.Duration
	maxKeysSoft int
}

// New constructs a Limiter. capacity is the bucket burst size, refillRate
// tokens/sec, idleTTL how long an idle key's bucket survives, and
// maxKeysSoft an advisory cardinality bound returned by MaxKeysSoft -- it
// does not itself reject new keys or evict old ones; key cardinality is
// bounded only by idleTTL eviction.
func New(capacity, refillRatePerSecond float64, idleTTL time.Duration, maxKeysSoft int) *Limiter {
	return &Limiter{
		buckets:     gocache.New(idleTTL, evictionInterval),
		capacity:    capacity,
		refillRate:  rate.Limit(refillRatePerSecond),
		idleTTL:     idleTTL,
		maxKeysSoft: maxKeysSoft,
	}
}

// Admit reports whether a request keyed by key may proceed, consuming one
// token from its bucket if so. Safe for concurrent use across keys; a
// single key's bucket serializes through the rate.Limiter it owns.
func (l *Limiter) Admit(key string) bool {
	return l.bucketFor(key).Allow()
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	if v, ok := l.buckets.Get(key); ok {
		b := v.(*rate.Limiter)
		// A Get alone does not refresh the expiration, so re-Set on every
		// hit: the bucket then expires idleTTL after its last use.
		l.buckets.SetDefault(key, b)
		return b
	}
	b := rate.NewLimiter(l.refillRate, int(l.capacity))
	// SetDefault uses the cache's configured default expiration (idleTTL).
	l.buckets.SetDefault(key, b)
	return b
}

// Len reports the current number of tracked keys.
func (l *Limiter) Len() int {
	return l.buckets.ItemCount()
}

// MaxKeysSoft returns the configured advisory cardinality bound.
func (l *Limiter) MaxKeysSoft() int {
	return l.maxKeysSoft
}
