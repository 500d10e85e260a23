// Package ratelimit paces outgoing requests on the client side and tracks
// the quota the remote service advertises through the RateLimit-Remaining
// and RateLimit-Reset response headers.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response headers carrying the advertised quota.
const (
	HeaderRemaining  = "RateLimit-Remaining"
	HeaderReset      = "RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Thresholds for quota decisions.
const (
	// QuotaThresholdCritical holds requests until the window resets.
	QuotaThresholdCritical = 1

	// QuotaThresholdWarning marks the quota as low. Requests still go out.
	QuotaThresholdWarning = 10
)

// State is the last quota advertised by the remote service.
type State struct {
	// Remaining is the number of requests left in the current window.
	// Negative when the service never advertised a quota.
	Remaining int `json:"remaining"`

	// ResetAt is when the current window ends.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was read from a response.
	LastUpdate time.Time `json:"last_update"`
}

// UnknownState is the state before any quota header was seen.
func UnknownState() State {
	return State{Remaining: -1}
}

// Known reports whether the service has advertised a quota.
func (s State) Known() bool {
	return s.Remaining >= 0
}

// NeedsCriticalBlock reports whether requests must wait for the reset.
func (s State) NeedsCriticalBlock(now time.Time) bool {
	return s.Known() && s.Remaining < QuotaThresholdCritical && now.Before(s.ResetAt)
}

// IsLow reports whether the quota fell below the warning threshold.
func (s State) IsLow() bool {
	return s.Known() && s.Remaining < QuotaThresholdWarning
}

// TimeUntilReset returns the duration until the window resets, or 0.
func (s State) TimeUntilReset(now time.Time) time.Duration {
	d := s.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ParseHeaders reads the quota headers of a response. ok is false when the
// response carries none. A Retry-After header without quota headers is read
// as an exhausted window.
func ParseHeaders(h http.Header, now time.Time) (state State, ok bool, err error) {
	remainStr := strings.TrimSpace(h.Get(HeaderRemaining))
	retryAfter := strings.TrimSpace(h.Get(HeaderRetryAfter))

	if remainStr == "" {
		if retryAfter == "" {
			return State{}, false, nil
		}
		wait, err := parseRetryAfter(retryAfter, now)
		if err != nil {
			return State{}, false, err
		}
		return State{Remaining: 0, ResetAt: now.Add(wait), LastUpdate: now}, true, nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return State{}, false, fmt.Errorf("parse %s header: %w", HeaderRemaining, err)
	}
	if remain < 0 {
		remain = 0
	}

	state = State{Remaining: remain, LastUpdate: now}
	if resetStr := strings.TrimSpace(h.Get(HeaderReset)); resetStr != "" {
		seconds, err := strconv.Atoi(resetStr)
		if err != nil {
			return State{}, false, fmt.Errorf("parse %s header: %w", HeaderReset, err)
		}
		state.ResetAt = now.Add(time.Duration(seconds) * time.Second)
	}
	return state, true, nil
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) (time.Duration, error) {
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds < 0 {
			seconds = 0
		}
		return time.Duration(seconds) * time.Second, nil
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s header: %w", HeaderRetryAfter, err)
	}
	if d := at.Sub(now); d > 0 {
		return d, nil
	}
	return 0, nil
}
