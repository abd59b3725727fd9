package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/loom"
)

func TestWriteThenLoadRoundTrips(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	meta, err := b.Write(context.Background(), "notes/plan.md", []byte("draft"))
	require.NoError(t, err)
	require.Equal(t, int64(5), meta.Size)
	require.NotEmpty(t, meta.SHA256)

	content, loaded, err := b.Load(context.Background(), "notes/plan.md")
	require.NoError(t, err)
	require.Equal(t, []byte("draft"), content)
	require.Equal(t, meta.SHA256, loaded.SHA256)

	// The file is a plain file under the root, reachable by outside tooling.
	_, err = os.Stat(filepath.Join(b.Root(), "notes", "plan.md"))
	require.NoError(t, err)
}

func TestLoadMissingIsNotFound(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	_, _, err = b.Load(context.Background(), "ghost.txt")
	require.True(t, loom.IsKind(err, loom.KindNotFound))
}

func TestDeleteIsIdempotent(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = b.Write(context.Background(), "a.txt", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, b.Delete(context.Background(), "a.txt"))
	require.NoError(t, b.Delete(context.Background(), "a.txt"))
}

func TestListWalksNestedDirectories(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	for _, rel := range []string{"c.txt", "a/b.txt", "a/deep/d.txt"} {
		_, err = b.Write(context.Background(), rel, []byte(rel))
		require.NoError(t, err)
	}
	rels, err := b.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a/b.txt", "a/deep/d.txt", "c.txt"}, rels)
}

func TestRejectsEscapingPaths(t *testing.T) {
	b, err := New(t.TempDir())
	require.NoError(t, err)

	for _, rel := range []string{"..", "../evil", "a/../../evil", ""} {
		_, err = b.Write(context.Background(), rel, []byte("x"))
		require.Truef(t, loom.IsKind(err, loom.KindValidation), "path %q must be rejected", rel)
	}
}

func TestNewRequiresRootAndCreatesIt(t *testing.T) {
	_, err := New("")
	require.True(t, loom.IsKind(err, loom.KindValidation))

	root := filepath.Join(t.TempDir(), "nested", "store")
	b, err := New(root)
	require.NoError(t, err)
	info, err := os.Stat(b.Root())
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
