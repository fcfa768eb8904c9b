// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyward Contributors

package auth

import (
	"strings"
	"sync"
	"time"
)

// Throttle defaults.
const (
	// LockoutDuration is the time an identifier is locked out after too many failures.
	LockoutDuration = 15 * time.Minute

	// LockoutThreshold is the number of consecutive failures that triggers a lockout.
	LockoutThreshold = 7
)

// LoginThrottle counts failed logins per identifier and locks an identifier
// out after repeated failures. Unknown and known identifiers are treated
// alike. A nil *LoginThrottle never throttles.
type LoginThrottle struct {
	threshold int
	lockout   time.Duration

	mu    sync.Mutex
	state map[string]*failureState
}

type failureState struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// NewLoginThrottle creates a throttle. Non-positive arguments select the
// package defaults.
func NewLoginThrottle(threshold int, lockout time.Duration) *LoginThrottle {
	if threshold <= 0 {
		threshold = LockoutThreshold
	}
	if lockout <= 0 {
		lockout = LockoutDuration
	}
	return &LoginThrottle{
		threshold: threshold,
		lockout:   lockout,
		state:     make(map[string]*failureState),
	}
}

// LockedFor returns how long identifier remains locked out at now, or zero.
func (t *LoginThrottle) LockedFor(identifier string, now time.Time) time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.state[throttleKey(identifier)]
	if !ok || !now.Before(st.lockedUntil) {
		return 0
	}
	return st.lockedUntil.Sub(now)
}

// RecordFailure counts a failed attempt and starts a lockout once the
// threshold is reached.
func (t *LoginThrottle) RecordFailure(identifier string, now time.Time) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := throttleKey(identifier)
	st, ok := t.state[key]
	if !ok {
		st = &failureState{}
		t.state[key] = st
	}
	// A lapsed lockout starts a fresh count.
	if !st.lockedUntil.IsZero() && !now.Before(st.lockedUntil) {
		*st = failureState{}
	}
	st.failures++
	st.lastFailure = now
	if st.failures >= t.threshold {
		st.lockedUntil = now.Add(t.lockout)
	}
}

// Reset clears the failure count after a successful login.
func (t *LoginThrottle) Reset(identifier string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.state, throttleKey(identifier))
	t.mu.Unlock()
}

// Prune drops entries that are neither locked nor failed within the lockout
// window, and returns how many were dropped.
func (t *LoginThrottle) Prune(now time.Time) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, st := range t.state {
		if now.Before(st.lockedUntil) || now.Sub(st.lastFailure) < t.lockout {
			continue
		}
		delete(t.state, key)
		n++
	}
	return n
}

func throttleKey(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
