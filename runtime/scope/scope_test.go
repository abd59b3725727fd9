package scope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/loom"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{"user:42", "project:acme", "agent:researcher-1", "session:abc"}
	for _, raw := range cases {
		s, err := Parse(raw)
		require.NoError(t, err, raw)
		require.Equal(t, raw, s.String())
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "user", "user:", "tenant:5", "user:a:b"} {
		_, err := Parse(raw)
		require.Error(t, err, raw)
		require.Equal(t, loom.KindValidation, loom.KindOf(err), raw)
	}
}

func TestScopesAreComparable(t *testing.T) {
	a, err := New(User, "42")
	require.NoError(t, err)
	b, err := Parse("user:42")
	require.NoError(t, err)

	require.Equal(t, a, b)
	m := map[Scope]int{a: 1}
	require.Equal(t, 1, m[b])
}
