package monerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsWrappedSentinel(t *testing.T) {
	err := fmt.Errorf("opening store: %w", ErrStoreIOError)
	require.Equal(t, KindStoreIOError, KindOf(err))
	require.True(t, errors.Is(err, ErrStoreIOError))
}

func TestKindOfReturnsUnknownForForeignError(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
}

func TestFatalClassifiesStoreErrorsOnly(t *testing.T) {
	require.True(t, Fatal(ErrStoreIOError))
	require.True(t, Fatal(ErrStoreCorrupt))
	require.False(t, Fatal(ErrNetworkUnreachable))
	require.False(t, Fatal(errors.New("boom")))
}

func TestTransientClassifiesNetworkUnreachableOnly(t *testing.T) {
	require.True(t, Transient(ErrNetworkUnreachable))
	require.False(t, Transient(ErrBusy))
}

func TestKindStringRoundTrip(t *testing.T) {
	require.Equal(t, "StoreIOError", KindStoreIOError.String())
	require.Equal(t, "Unknown", Kind(999).String())
}
