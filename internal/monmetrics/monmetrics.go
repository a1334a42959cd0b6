// Package monmetrics exposes the monitor's Prometheus instrumentation,
// grounded on the teacher's metrics wiring throughout etcdserver/metrics.go.
// A single Metrics value is constructed once and handed to internal/mon,
// which updates the election, epoch, quorum, sync-session and commit
// series; SyncChunksSent, TrimmedVersions and ForwardedReqs are registered
// but no code updates them.
package monmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the monitor subsystems update.
type Metrics struct {
	Elections       prometheus.Counter
	ElectionEpoch   prometheus.Gauge
	Commits         *prometheus.CounterVec // labeled by service
	QuorumSize      prometheus.Gauge
	SyncSessions    prometheus.Gauge
	SyncChunksSent  prometheus.Counter
	TrimmedVersions *prometheus.CounterVec // labeled by service
	ForwardedReqs   prometheus.Counter
}

// New registers and returns a Metrics bundle against reg. Pass
// prometheus.NewRegistry() in tests to avoid cross-test collisions.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ceph_mon",
			Name:      "elections_total",
			Help:      "Number of elections started by this monitor.",
		}),
		ElectionEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ceph_mon",
			Name:      "election_epoch",
			Help:      "Current election epoch as known to this monitor.",
		}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceph_mon",
			Name:      "paxos_commits_total",
			Help:      "Number of paxos commits applied, by service.",
		}, []string{"service"}),
		QuorumSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ceph_mon",
			Name:      "quorum_size",
			Help:      "Size of the current quorum as known to this monitor.",
		}),
		SyncSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ceph_mon",
			Name:      "sync_sessions",
			Help:      "Number of active sync/slurp sessions.",
		}),
		SyncChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ceph_mon",
			Name:      "sync_chunks_sent_total",
			Help:      "Number of sync chunks sent as a provider.",
		}),
		TrimmedVersions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceph_mon",
			Name:      "paxos_trimmed_versions_total",
			Help:      "Number of log versions trimmed, by service.",
		}, []string{"service"}),
		ForwardedReqs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ceph_mon",
			Name:      "forwarded_requests_total",
			Help:      "Number of client requests forwarded to the leader.",
		}),
	}
	reg.MustRegister(
		m.Elections, m.ElectionEpoch, m.Commits, m.QuorumSize,
		m.SyncSessions, m.SyncChunksSent, m.TrimmedVersions, m.ForwardedReqs,
	)
	return m
}
