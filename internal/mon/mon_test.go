package mon

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyc/ceph/internal/monconfig"
	"github.com/hyc/ceph/internal/monmap"
	"github.com/hyc/ceph/internal/monmetrics"
	"github.com/hyc/ceph/internal/monstore"
	"github.com/hyc/ceph/internal/router"
	"github.com/hyc/ceph/internal/transport"
)

func singlePeerMonitor(t *testing.T) *Monitor {
	t.Helper()
	fsid := uuid.New()
	mm, err := monmap.New(fsid, []monmap.Peer{
		{Rank: 0, Name: "a", AddrRaw: []string{"http://127.0.0.1:0"}},
	}, 0)
	require.NoError(t, err)

	store, err := monstore.Open(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := monconfig.Config{
		Name:            "a",
		BindAddr:        "127.0.0.1:0",
		ProbeTimeout:    5 * time.Millisecond,
		ElectionTimeout: 5 * time.Millisecond,
		LeaseTimeout:    50 * time.Millisecond,
		SyncTimeout:     50 * time.Millisecond,
		TSlurp:          100,
	}

	trans := transport.NewHTTPTransport(zap.NewNop(), time.Second)
	t.Cleanup(trans.Stop)

	metrics := monmetrics.New(prometheus.NewRegistry())

	return New(zap.NewNop(), cfg, store, mm, fsid, trans, metrics)
}

// A lone monitor in a single-peer monmap must win its own election as soon
// as its first probe round times out with nobody else to hear from.
func TestSingleNodeBecomesLeader(t *testing.T) {
	m := singlePeerMonitor(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return m.State() == StateLeader
	}, 2*time.Second, 2*time.Millisecond)

	require.Equal(t, 0, m.Rank())
	require.Equal(t, fsidOf(m), m.Fsid())

	cancel()
	require.NoError(t, <-done)
}

func fsidOf(m *Monitor) uuid.UUID { return m.Fsid() }

// RegisterService must be callable before Run starts and the resulting
// service must be reachable from the event loop via the Router's
// per-service command passthrough.
func TestRegisterServiceWiresCommandDispatch(t *testing.T) {
	m := singlePeerMonitor(t)

	var committed []uint64
	inst, err := m.RegisterService("widget", 50*time.Millisecond, 50*time.Millisecond, func(version uint64, value []byte) {
		committed = append(committed, version)
	})
	require.NoError(t, err)

	m.Router().RegisterService("widget", func(argv []string) (int, string, string, string) {
		if len(argv) > 1 && argv[1] == "set" {
			if err := inst.Propose([]byte(argv[2])); err != nil {
				return 1, "NotLeader", err.Error(), ""
			}
			return 0, "", "", "proposed"
		}
		return 0, "", "", "widget-dump"
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return m.State() == StateLeader }, 2*time.Second, 2*time.Millisecond)

	reply := m.Router().Dispatch(router.ParseCaps("allow r"), []string{"widget"})
	require.Equal(t, 0, reply.RC)
	require.Equal(t, "widget-dump", reply.Output)
}

// A write command dispatched against a single-peer (and therefore always
// leader) monitor proposes through paxos.Instance and lands in the
// service's commit callback, exercising the Dispatch->Propose->commit path
// that processForwardedCommand relies on once a peon forwards.
func TestDispatchWriteCommandCommitsThroughPaxos(t *testing.T) {
	m := singlePeerMonitor(t)

	committed := make(chan []byte, 1)
	inst, err := m.RegisterService("widget", 50*time.Millisecond, 50*time.Millisecond, func(version uint64, value []byte) {
		committed <- value
	})
	require.NoError(t, err)

	m.Router().RegisterService("widget", func(argv []string) (int, string, string, string) {
		if len(argv) > 1 && argv[1] == "set" {
			if err := inst.Propose([]byte(argv[2])); err != nil {
				return 1, "NotLeader", err.Error(), ""
			}
			return 0, "", "", "proposed"
		}
		return 0, "", "", "widget-dump"
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return m.State() == StateLeader }, 2*time.Second, 2*time.Millisecond)

	reply := m.Router().Dispatch(router.ParseCaps("allow rw"), []string{"widget", "set", "hello"})
	require.Equal(t, 0, reply.RC)

	select {
	case value := <-committed:
		require.Equal(t, "hello", string(value))
	case <-time.After(2 * time.Second):
		t.Fatal("commit callback never fired")
	}
}

func TestMonStatusReportsRankAndEpoch(t *testing.T) {
	m := singlePeerMonitor(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return m.State() == StateLeader }, 2*time.Second, 2*time.Millisecond)

	reply := m.Router().Dispatch(router.ParseCaps("allow r"), []string{"mon_status"})
	require.Equal(t, 0, reply.RC)
	require.Contains(t, reply.Output, "rank=0")
	require.Contains(t, reply.Output, "epoch=1")
}
