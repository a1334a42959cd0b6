package authsvc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOnCommitAdoptsKeyRing(t *testing.T) {
	s := New(zap.NewNop())
	body, err := json.Marshal(map[string]string{"client.admin": "allow rwx", "client.ro": "allow r"})
	require.NoError(t, err)

	s.OnCommit(1, body)

	require.Equal(t, "allow rwx", s.CapsFor("client.admin"))
	require.Equal(t, "allow r", s.CapsFor("client.ro"))
	require.Equal(t, "", s.CapsFor("client.unknown"))
}

func TestOnCommitIgnoresStaleVersion(t *testing.T) {
	s := New(zap.NewNop())
	first, _ := json.Marshal(map[string]string{"client.admin": "allow rwx"})
	second, _ := json.Marshal(map[string]string{"client.admin": "allow r"})

	s.OnCommit(2, first)
	s.OnCommit(1, second)

	require.Equal(t, "allow rwx", s.CapsFor("client.admin"))
}

func TestOnCommitIgnoresMalformedPayload(t *testing.T) {
	s := New(zap.NewNop())
	s.OnCommit(1, []byte("not json"))
	require.Equal(t, "", s.CapsFor("client.admin"))

	rc, _, _, out := s.Dump(nil)
	require.Equal(t, 0, rc)
	require.Contains(t, out, "version=0")
}
