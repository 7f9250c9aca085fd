// Package ratelimit provides a deterministic token bucket used to bound
// inbound signaling message rates per connection.
package ratelimit

import (
	"sync"
	"time"
)

// One token is represented as 1e9 nano-tokens so refill math stays in
// integers; a rate of X tokens/sec adds X nano-tokens per elapsed nanosecond.
const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) using the provided
// Clock.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityTokens int64
	fillRate       int64 // tokens/sec

	availableNanoTokens int64
	last                time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}

	return &TokenBucket{
		clock:               clock,
		capacityTokens:      capacityTokens,
		fillRate:            fillRate,
		availableNanoTokens: tokensToNano(capacityTokens),
		last:                clock.Now(),
	}
}

// Allow consumes the given number of tokens if available. tokens <= 0 always
// succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	cost := tokensToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.availableNanoTokens < cost {
		return false
	}
	b.availableNanoTokens -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}

	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.fillRate <= 0 || b.capacityTokens <= 0 {
		return
	}

	capacityNano := tokensToNano(b.capacityTokens)
	need := capacityNano - b.availableNanoTokens
	if need <= 0 {
		b.availableNanoTokens = capacityNano
		return
	}

	// fillRate tokens/sec equals fillRate nano-tokens/ns in this fixed-point
	// representation. Clamp instead of multiplying when the elapsed time is
	// enough to fill the bucket, which also avoids overflow.
	elapsedNanos := elapsed.Nanoseconds()
	if elapsedNanos >= need/b.fillRate {
		b.availableNanoTokens = capacityNano
		return
	}

	b.availableNanoTokens += elapsedNanos * b.fillRate
	if b.availableNanoTokens > capacityNano {
		b.availableNanoTokens = capacityNano
	}
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
