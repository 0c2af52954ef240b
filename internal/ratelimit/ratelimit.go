// Package ratelimit admits hook connections per peer and globally.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter manages both global and per-peer connection admission.
// A zero rate disables the corresponding limit.
type RateLimiter struct {
	mu        sync.Mutex
	global    *rate.Limiter
	perPeer   map[string]*rate.Limiter
	peerRate  int
	burstSize int
}

// NewRateLimiter creates a limiter allowing globalRate and perPeerRate
// connections per second, each with burstSize burst.
func NewRateLimiter(globalRate, perPeerRate, burstSize int) *RateLimiter {
	if burstSize <= 0 {
		burstSize = 1
	}
	rl := &RateLimiter{
		perPeer:   make(map[string]*rate.Limiter),
		peerRate:  perPeerRate,
		burstSize: burstSize,
	}
	if globalRate > 0 {
		rl.global = rate.NewLimiter(rate.Limit(globalRate), burstSize)
	}
	return rl
}

// AllowConnection checks if a connection from peer is admitted, consuming a
// token from each applicable bucket.
func (rl *RateLimiter) AllowConnection(peer string) bool {
	if rl.global != nil && !rl.global.Allow() {
		return false
	}
	if rl.peerRate <= 0 {
		return true
	}
	rl.mu.Lock()
	lim, ok := rl.perPeer[peer]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rl.peerRate), rl.burstSize)
		rl.perPeer[peer] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// CleanupExpiredPeers drops per-peer buckets for peers not in active.
func (rl *RateLimiter) CleanupExpiredPeers(active map[string]bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for peer := range rl.perPeer {
		if !active[peer] {
			delete(rl.perPeer, peer)
		}
	}
}

// Peers returns how many peers currently have a bucket.
func (rl *RateLimiter) Peers() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.perPeer)
}
