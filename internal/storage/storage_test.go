package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "secure_identity")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "secure_identity", []byte(`{"id":"a"}`)))
	got, ok, err := s.Get(ctx, "secure_identity")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"id":"a"}`, string(got))

	require.NoError(t, s.Set(ctx, "secure_identity", []byte(`{"id":"b"}`)))
	got, _, err = s.Get(ctx, "secure_identity")
	require.NoError(t, err)
	require.Equal(t, `{"id":"b"}`, string(got))

	require.NoError(t, s.Remove(ctx, "secure_identity"))
	_, ok, err = s.Get(ctx, "secure_identity")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Remove(ctx, "missing"))
}

func TestMemoryStore(t *testing.T) {
	exerciseStorage(t, NewMemoryStore())
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	v := []byte("abc")
	require.NoError(t, s.Set(context.Background(), "k", v))
	v[0] = 'z'
	got, _, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStorage(t, s)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "elm.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStorage(t, s)
}
