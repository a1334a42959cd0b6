package pgmap

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOnCommitIgnoresStaleVersions(t *testing.T) {
	s := New(zap.NewNop())

	s.OnCommit(3, []byte("pg-3"))
	s.OnCommit(1, []byte("pg-1"))

	v, blob := s.Current()
	require.Equal(t, uint64(3), v)
	require.Equal(t, "pg-3", string(blob))
}

func TestDumpReportsCurrentState(t *testing.T) {
	s := New(zap.NewNop())
	s.OnCommit(7, []byte("abc"))

	rc, _, _, out := s.Dump(nil)
	require.Equal(t, 0, rc)
	require.Equal(t, "epoch=7 bytes=3", out)
}
