package passlink

import "sync/atomic"

// MetricID indexes one engine counter.
type MetricID uint8

const (
	MetricLinkIssued MetricID = iota
	MetricLinkPretendSend
	MetricLinkRateLimited
	MetricLinkVerified
	MetricLinkRejected
	MetricSocialVerified
	MetricSocialRejected
	MetricSignInAllowed
	MetricSignInDenied

	metricCount
)

var metricNames = [metricCount]string{
	MetricLinkIssued:      "magic_link_issued",
	MetricLinkPretendSend: "magic_link_pretend_send",
	MetricLinkRateLimited: "magic_link_rate_limited",
	MetricLinkVerified:    "magic_link_verified",
	MetricLinkRejected:    "magic_link_rejected",
	MetricSocialVerified:  "social_login_verified",
	MetricSocialRejected:  "social_login_rejected",
	MetricSignInAllowed:   "sign_in_allowed",
	MetricSignInDenied:    "sign_in_denied",
}

// Metrics is a fixed set of lock-free counters for the engine's sign-in
// events.
type Metrics struct {
	counters [metricCount]atomic.Uint64
}

func newMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) inc(id MetricID) {
	if id < metricCount {
		m.counters[id].Add(1)
	}
}

// Get returns the current value of one counter.
func (m *Metrics) Get(id MetricID) uint64 {
	if id >= metricCount {
		return 0
	}
	return m.counters[id].Load()
}

// Snapshot returns all counters keyed by name.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, metricCount)
	for id := MetricID(0); id < metricCount; id++ {
		out[metricNames[id]] = m.counters[id].Load()
	}
	return out
}
