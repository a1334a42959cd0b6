package mdscache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheExpireJSONFieldNames(t *testing.T) {
	ce := CacheExpire{
		FromRank: 2,
		Inodes: []InodeRef{
			{Ino: 100, Nonce: 1, Realm: 7},
		},
	}
	body, err := json.Marshal(ce)
	require.NoError(t, err)
	require.JSONEq(t, `{"from_rank":2,"inodes":[{"ino":100,"nonce":1,"realm":7}]}`, string(body))

	var out CacheExpire
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, ce, out)
}
