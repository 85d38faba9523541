package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime       time.Time
	requests        atomic.Int64
	serverErrors    atomic.Int64
	clientErrors    atomic.Int64
	pushChanges     atomic.Int64
	rejectedChanges atomic.Int64
	pullRequests    atomic.Int64
	feedClients     atomic.Int64
	feedDelivered   atomic.Int64
	feedDropped     atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Requests        int64   `json:"requests"`
	ServerErrors    int64   `json:"server_errors"`
	ClientErrors    int64   `json:"client_errors"`
	PushChanges     int64   `json:"push_changes_applied"`
	RejectedChanges int64   `json:"push_changes_rejected"`
	PullRequests    int64   `json:"pull_requests"`
	FeedClients     int64   `json:"feed_clients"`
	FeedDelivered   int64   `json:"feed_delivered"`
	FeedDropped     int64   `json:"feed_dropped"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

// RecordPush adds the applied and rejected change counts of one push.
func (m *Metrics) RecordPush(applied, rejected int64) {
	m.pushChanges.Add(applied)
	m.rejectedChanges.Add(rejected)
}

// RecordPullRequest increments the pull request counter.
func (m *Metrics) RecordPullRequest() {
	m.pullRequests.Add(1)
}

// FeedConnected adjusts the connected feed client gauge by delta.
func (m *Metrics) FeedConnected(delta int64) {
	m.feedClients.Add(delta)
}

// RecordFeedDelivery counts a change sent to, or dropped for, a feed client.
func (m *Metrics) RecordFeedDelivery(delivered bool) {
	if delivered {
		m.feedDelivered.Add(1)
		return
	}
	m.feedDropped.Add(1)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:   time.Since(m.startTime).Seconds(),
		Requests:        m.requests.Load(),
		ServerErrors:    m.serverErrors.Load(),
		ClientErrors:    m.clientErrors.Load(),
		PushChanges:     m.pushChanges.Load(),
		RejectedChanges: m.rejectedChanges.Load(),
		PullRequests:    m.pullRequests.Load(),
		FeedClients:     m.feedClients.Load(),
		FeedDelivered:   m.feedDelivered.Load(),
		FeedDropped:     m.feedDropped.Load(),
	}
}
