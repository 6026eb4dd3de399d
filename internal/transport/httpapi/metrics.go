package httpapi

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters. No
// external metrics library is used here (see DESIGN.md).
type Metrics struct {
	startTime     time.Time
	requests      atomic.Int64
	serverErrors  atomic.Int64
	clientErrors  atomic.Int64
	pushedOps     atomic.Int64
	pullRequests  atomic.Int64
	conflicts     atomic.Int64
	realtimeConns atomic.Int64
}

// Snapshot is a point-in-time view of server metrics, served at GET /status.
type Snapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Requests        int64   `json:"requests"`
	ServerErrors    int64   `json:"server_errors"`
	ClientErrors    int64   `json:"client_errors"`
	PushedOps       int64   `json:"pushed_ops"`
	PullRequests    int64   `json:"pull_requests"`
	Conflicts       int64   `json:"conflicts"`
	RealtimeConns   int64   `json:"realtime_connections"`
}

func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) RecordRequest()                 { m.requests.Add(1) }
func (m *Metrics) RecordError()                   { m.serverErrors.Add(1) }
func (m *Metrics) RecordClientError()             { m.clientErrors.Add(1) }
func (m *Metrics) RecordPushedOps(n int64)        { m.pushedOps.Add(n) }
func (m *Metrics) RecordPullRequest()             { m.pullRequests.Add(1) }
func (m *Metrics) RecordConflicts(n int64)        { m.conflicts.Add(n) }
func (m *Metrics) RecordRealtimeConnect()         { m.realtimeConns.Add(1) }
func (m *Metrics) RecordRealtimeDisconnect()      { m.realtimeConns.Add(-1) }

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Requests:      m.requests.Load(),
		ServerErrors:  m.serverErrors.Load(),
		ClientErrors:  m.clientErrors.Load(),
		PushedOps:     m.pushedOps.Load(),
		PullRequests:  m.pullRequests.Load(),
		Conflicts:     m.conflicts.Load(),
		RealtimeConns: m.realtimeConns.Load(),
	}
}
