package osdmap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOnCommitIgnoresStaleVersions(t *testing.T) {
	s := New(zap.NewNop())

	s.OnCommit(3, []byte("epoch-3"))
	v, blob := s.Current()
	require.Equal(t, uint64(3), v)
	require.Equal(t, "epoch-3", string(blob))

	s.OnCommit(2, []byte("epoch-2"))
	v, blob = s.Current()
	require.Equal(t, uint64(3), v, "stale commit must not regress version")
	require.Equal(t, "epoch-3", string(blob))
}

func TestDumpReportsCurrentState(t *testing.T) {
	s := New(zap.NewNop())
	s.OnCommit(1, []byte("abcde"))

	rc, kind, reason, out := s.Dispatch([]string{"osdmap", "dump"})
	require.Equal(t, 0, rc)
	require.Empty(t, kind)
	require.Empty(t, reason)
	require.Equal(t, "epoch=1 bytes=5", out)
}

func TestSetFailsClosedWithoutProposer(t *testing.T) {
	s := New(zap.NewNop())

	rc, kind, _, _ := s.Dispatch([]string{"osdmap", "set", "blob"})
	require.NotEqual(t, 0, rc)
	require.Equal(t, "NotLeader", kind)
}

func TestSetProposesThroughBoundProposer(t *testing.T) {
	s := New(zap.NewNop())

	var proposed []byte
	s.BindProposer(func(value []byte) error {
		proposed = value
		return nil
	})

	rc, kind, _, out := s.Dispatch([]string{"osdmap", "set", "new-blob"})
	require.Equal(t, 0, rc)
	require.Empty(t, kind)
	require.Equal(t, "proposed", out)
	require.Equal(t, "new-blob", string(proposed))
}

func TestSetSurfacesProposerError(t *testing.T) {
	s := New(zap.NewNop())
	s.BindProposer(func(value []byte) error { return errors.New("not leader for osdmap") })

	rc, kind, reason, _ := s.Dispatch([]string{"osdmap", "set", "blob"})
	require.NotEqual(t, 0, rc)
	require.Equal(t, "NotLeader", kind)
	require.Contains(t, reason, "not leader")
}
