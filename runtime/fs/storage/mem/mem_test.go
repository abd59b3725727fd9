package mem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/loom"
)

func TestLoadReturnsACopy(t *testing.T) {
	b := New()
	_, err := b.Write(context.Background(), "a.txt", []byte("abc"))
	require.NoError(t, err)

	content, _, err := b.Load(context.Background(), "a.txt")
	require.NoError(t, err)
	content[0] = 'z'

	again, _, err := b.Load(context.Background(), "a.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), again, "callers cannot mutate stored content")
}

func TestLoadMissingIsNotFound(t *testing.T) {
	b := New()
	_, _, err := b.Load(context.Background(), "ghost.txt")
	require.True(t, loom.IsKind(err, loom.KindNotFound))
}

func TestDeleteIsIdempotent(t *testing.T) {
	b := New()
	b.Seed("a.txt", []byte("x"))
	require.NoError(t, b.Delete(context.Background(), "a.txt"))
	require.NoError(t, b.Delete(context.Background(), "a.txt"))
	require.Zero(t, b.Len())
}

func TestListIsSorted(t *testing.T) {
	b := New()
	for _, rel := range []string{"z.txt", "a/b.txt", "m.txt"} {
		b.Seed(rel, []byte(rel))
	}
	rels, err := b.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a/b.txt", "m.txt", "z.txt"}, rels)
}

func TestNormalizesAndRejectsEscapes(t *testing.T) {
	b := New()
	_, err := b.Write(context.Background(), "/lead/slash.txt", []byte("x"))
	require.NoError(t, err)
	_, _, err = b.Load(context.Background(), "lead/slash.txt")
	require.NoError(t, err, "leading slashes normalize away")

	for _, rel := range []string{"..", "../evil", ""} {
		_, err = b.Write(context.Background(), rel, []byte("x"))
		require.Truef(t, loom.IsKind(err, loom.KindValidation), "path %q must be rejected", rel)
	}
}
