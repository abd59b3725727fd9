package middleware

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/loom"
)

func TestRegistryRegisterValidates(t *testing.T) {
	r := NewRegistry()
	ctor := func(map[string]any) (Middleware, error) { return NewTodos(), nil }

	err := r.Register("", ctor)
	require.True(t, loom.IsKind(err, loom.KindValidation))

	err = r.Register("custom", nil)
	require.True(t, loom.IsKind(err, loom.KindValidation))

	require.NoError(t, r.Register("custom", ctor))
	err = r.Register("custom", ctor)
	require.True(t, loom.IsKind(err, loom.KindValidation), "duplicate names fail")
}

func TestRegistryNewConstructsByName(t *testing.T) {
	r := NewRegistry()
	var got map[string]any
	require.NoError(t, r.Register("custom", func(opts map[string]any) (Middleware, error) {
		got = opts
		return namedMW{"custom"}, nil
	}))

	mw, err := r.New("custom", map[string]any{"level": "high"})
	require.NoError(t, err)
	require.Equal(t, "custom", mw.Name())
	require.Equal(t, map[string]any{"level": "high"}, got)
	require.True(t, r.Has("custom"))

	_, err = r.New("missing", nil)
	require.True(t, loom.IsKind(err, loom.KindNotFound))
	require.False(t, r.Has("missing"))
}

func TestDefaultRegistryBuiltins(t *testing.T) {
	r := DefaultRegistry()

	for _, name := range []string{NameTodos, NamePatchDanglingToolCalls, NameHITL} {
		require.True(t, r.Has(name), name)
		mw, err := r.New(name, nil)
		require.NoError(t, err)
		require.Equal(t, name, mw.Name())
	}

	// Middleware needing live dependencies is rebuilt by the snapshot
	// importer, not the registry.
	require.False(t, r.Has(NameSummarize))
	require.False(t, r.Has(NameFilesystem))

	mw, err := r.New(NameHITL, map[string]any{"tools": map[string]any{"deploy": []any{"approve"}}})
	require.NoError(t, err)
	hitl, ok := mw.(*HITL)
	require.True(t, ok)
	require.Equal(t, []string{"deploy"}, hitl.ReviewedTools())
}
