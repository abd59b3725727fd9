package loom

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	base := NotFoundError("file %q", "/data/a.txt")
	wrapped := fmt.Errorf("read: %w", base)

	require.Equal(t, KindNotFound, KindOf(wrapped))
	require.True(t, IsKind(wrapped, KindNotFound))
	require.False(t, IsKind(wrapped, KindValidation))
}

func TestKindOfPlainError(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(errors.New("boom")))
	require.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := ProviderError(cause)

	require.ErrorIs(t, err, cause)
	require.Equal(t, KindProviderError, KindOf(err))
	require.Contains(t, err.Error(), "provider_error")
	require.Contains(t, err.Error(), "socket closed")
}

func TestConstructorsCarryDetail(t *testing.T) {
	require.Contains(t, ExceededMaxRunsError(25, 25).Error(), "max_runs 25")
	require.Contains(t, InvalidToolNameError("fetch").Error(), `"fetch"`)
	require.Contains(t, ReadonlyViolationError("/docs/a", "docs").Error(), "read-only")
}
