package monmetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Elections.Inc()
	m.ElectionEpoch.Set(3)
	m.Commits.WithLabelValues("osdmap").Inc()
	m.QuorumSize.Set(2)
	m.SyncSessions.Inc()
	m.SyncChunksSent.Inc()
	m.TrimmedVersions.WithLabelValues("osdmap").Add(5)
	m.ForwardedReqs.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"ceph_mon_elections_total",
		"ceph_mon_election_epoch",
		"ceph_mon_paxos_commits_total",
		"ceph_mon_quorum_size",
		"ceph_mon_sync_sessions",
		"ceph_mon_sync_chunks_sent_total",
		"ceph_mon_paxos_trimmed_versions_total",
		"ceph_mon_forwarded_requests_total",
	} {
		require.True(t, names[want], "missing metric family %s", want)
	}
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	require.Panics(t, func() { New(reg) })
}
