package miner

import "time"

// HeartbeatPolicy throttles how often hardware metadata rides along with a
// job request. Due never mutates state; the caller marks the heartbeat sent
// only after the request actually went out, so a failed send never starves
// the next heartbeat.
type HeartbeatPolicy struct {
	interval      time.Duration
	lastHeartbeat time.Time
}

// NewHeartbeatPolicy creates a policy with the given minimum gap between
// heartbeats. The zero last-heartbeat means the first request always
// attaches hardware.
func NewHeartbeatPolicy(interval time.Duration) *HeartbeatPolicy {
	return &HeartbeatPolicy{interval: interval}
}

// Due reports whether the next job request must attach hardware metadata.
func (p *HeartbeatPolicy) Due(now time.Time) bool {
	return now.Sub(p.lastHeartbeat) >= p.interval
}

// MarkSent records that a request carrying hardware metadata was
// transmitted at now.
func (p *HeartbeatPolicy) MarkSent(now time.Time) {
	p.lastHeartbeat = now
}

// LastHeartbeat returns when hardware metadata last went out.
func (p *HeartbeatPolicy) LastHeartbeat() time.Time {
	return p.lastHeartbeat
}
