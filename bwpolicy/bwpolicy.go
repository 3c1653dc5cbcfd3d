// Package bwpolicy implements the bandwidth policy of spec.md §4.8: a
// decaying transfer tally that gates I/O readiness and hands back a
// per-participant max chunk size, plus a pulse hook so the reflect server
// wakes a throttled session back up once it falls under the cutoff.
//
// Grounded on original source reflector/RateLimitSessionIOPolicy.cpp (kept
// file): same decaying-tally update, same byteLimit/2 cutoff, same
// GetMaxTransferChunkSize division across participants, same
// tally-proportional GetPulseTime formula.
/*
 * Copyright (c) 2018-2022, NVIDIA CORPORATION. All rights reserved.
 */
package bwpolicy

import (
	"sync"

	"github.com/muscleserver/muscle/pulse"
)

// Policy is the bandwidth-gating contract a session's I/O gateway consults
// before reading or writing, per spec.md §4.8.
type Policy interface {
	pulse.Node
	// OkayToTransfer reports whether the caller may transfer more bytes
	// right now.
	OkayToTransfer(now int64) bool
	// GetMaxTransferChunkSize returns the largest chunk size (in bytes)
	// the caller should transfer in one I/O call, or -1 for unlimited.
	GetMaxTransferChunkSize(now int64) int64
	// BytesTransferred records that numBytes were just transferred.
	BytesTransferred(now int64, numBytes int64)
}

// RateLimiter is the canonical bandwidth policy: a single decaying tally
// shared by every participant registered against it.
//
// maxBytesPerSec <= 0 means unlimited (the policy never throttles).
type RateLimiter struct {
	mu             sync.Mutex
	maxBytesPerSec int64
	byteLimit      int64
	tally          float64
	lastUpdate     int64
	haveLastUpdate bool
	participants   map[uint32]struct{}
}

// NewRateLimiter returns a limiter capped at maxBytesPerSec bytes/second,
// with the classic byteLimit == maxBytesPerSec budget window.
func NewRateLimiter(maxBytesPerSec int64) *RateLimiter {
	return &RateLimiter{
		maxBytesPerSec: maxBytesPerSec,
		byteLimit:      maxBytesPerSec,
		participants:   make(map[uint32]struct{}),
	}
}

func (r *RateLimiter) cutoff() float64 { return float64(r.byteLimit) / 2 }

// updateTally decays the running tally by however much bandwidth would
// have drained at maxBytesPerSec since the last update. Caller must hold
// r.mu.
func (r *RateLimiter) updateTally(now int64) {
	if !r.haveLastUpdate {
		r.lastUpdate = now
		r.haveLastUpdate = true
		return
	}
	elapsedMicros := now - r.lastUpdate
	if elapsedMicros <= 0 {
		return
	}
	if r.maxBytesPerSec > 0 {
		decay := float64(elapsedMicros) * float64(r.maxBytesPerSec) / 1e6
		r.tally -= decay
		if r.tally < 0 {
			r.tally = 0
		}
	}
	r.lastUpdate = now
}

// AddParticipant registers id as sharing this limiter's budget.
func (r *RateLimiter) AddParticipant(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[id] = struct{}{}
}

// RemoveParticipant unregisters id.
func (r *RateLimiter) RemoveParticipant(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, id)
}

// NumParticipants reports how many sessions currently share this limiter.
func (r *RateLimiter) NumParticipants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

// BytesTransferred adds numBytes to the running tally.
func (r *RateLimiter) BytesTransferred(now int64, numBytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateTally(now)
	r.tally += float64(numBytes)
}

// OkayToTransfer reports whether the tally is currently under the cutoff.
func (r *RateLimiter) OkayToTransfer(now int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateTally(now)
	return r.maxBytesPerSec <= 0 || r.tally < r.cutoff()
}

// GetMaxTransferChunkSize returns the remaining budget split evenly across
// the currently-registered participants, or -1 when unlimited.
func (r *RateLimiter) GetMaxTransferChunkSize(now int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateTally(now)
	n := len(r.participants)
	if r.maxBytesPerSec <= 0 || n <= 0 {
		return -1
	}
	avail := float64(r.byteLimit) - r.tally
	if avail < 0 {
		avail = 0
	}
	return int64(avail) / int64(n)
}

// GetPulseTime implements pulse.Node: once the tally rises above the
// cutoff, the limiter asks to be pulsed again when it is expected to have
// decayed back under it.
func (r *RateLimiter) GetPulseTime(now int64, _ int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateTally(now)
	if r.maxBytesPerSec <= 0 || r.tally < r.cutoff() {
		return pulse.Never
	}
	microsUntilDrained := r.tally * 1e6 / float64(r.maxBytesPerSec)
	return now + int64(microsUntilDrained)
}

// Pulse implements pulse.Node; the limiter has no side effect on waking,
// it just lets the next OkayToTransfer/GetMaxTransferChunkSize call see a
// freshly decayed tally.
func (r *RateLimiter) Pulse(now int64, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateTally(now)
}

var _ Policy = (*RateLimiter)(nil)

// Unlimited is a Policy that never throttles, for sessions with no
// configured bandwidth policy.
var Unlimited Policy = unlimitedPolicy{}

type unlimitedPolicy struct{}

func (unlimitedPolicy) GetPulseTime(_ int64, _ int64) int64      { return pulse.Never }
func (unlimitedPolicy) Pulse(int64, int64)                       {}
func (unlimitedPolicy) OkayToTransfer(int64) bool                { return true }
func (unlimitedPolicy) GetMaxTransferChunkSize(int64) int64      { return -1 }
func (unlimitedPolicy) BytesTransferred(int64, int64)            {}
