package rawstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/arathorn/vcsengine/rawstore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// backends returns one instance of every Store implementation,
// exercised by the same generic suite below.
func backends(t *testing.T) map[string]rawstore.Store {
	t.Helper()
	fs := afero.NewMemMapFs()

	kvPath := filepath.Join(os.TempDir(), "vcsengine-rawstore-test.db")
	_ = os.Remove(kvPath)
	kv, err := rawstore.NewKV(kvPath, "objects")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = kv.Close()
		_ = os.Remove(kvPath)
	})

	return map[string]rawstore.Store{
		"memory":  rawstore.NewMemory(),
		"file":    rawstore.NewFile(fs, "/objects"),
		"chunked": rawstore.NewChunked(fs, "/chunked"),
		"kv":      kv,
	}
}

func TestStoreLoadRoundTrip(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			n, err := s.Store("deadbeef", []byte("hello world"))
			require.NoError(t, err)
			require.EqualValues(t, 11, n)

			got, err := s.Load("deadbeef", rawstore.Window{})
			require.NoError(t, err)
			require.Equal(t, []byte("hello world"), got)

			has, err := s.Has("deadbeef")
			require.NoError(t, err)
			require.True(t, has)

			size, err := s.Size("deadbeef")
			require.NoError(t, err)
			require.EqualValues(t, 11, size)
		})
	}
}

func TestLoadNotFound(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			_, err := s.Load("nope", rawstore.Window{})
			require.ErrorIs(t, err, rawstore.ErrNotFound)

			_, err = s.Size("nope")
			require.ErrorIs(t, err, rawstore.ErrNotFound)
		})
	}
}

func TestWindowedLoad(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			_, err := s.Store("k", []byte("0123456789"))
			require.NoError(t, err)

			got, err := s.Load("k", rawstore.Window{Offset: 3, Length: 4})
			require.NoError(t, err)
			require.Equal(t, []byte("3456"), got)

			// offset == size yields empty, not error
			got, err = s.Load("k", rawstore.Window{Offset: 10})
			require.NoError(t, err)
			require.Empty(t, got)

			// reading past the end clamps rather than erroring
			got, err = s.Load("k", rawstore.Window{Offset: 8, Length: 100})
			require.NoError(t, err)
			require.Equal(t, []byte("89"), got)
		})
	}
}

func TestZeroLengthValue(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			_, err := s.Store("empty", []byte{})
			require.NoError(t, err)

			has, err := s.Has("empty")
			require.NoError(t, err)
			require.True(t, has)

			size, err := s.Size("empty")
			require.NoError(t, err)
			require.EqualValues(t, 0, size)
		})
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			_, err := s.Store("gone", []byte("x"))
			require.NoError(t, err)

			deleted, err := s.Delete("gone")
			require.NoError(t, err)
			require.True(t, deleted)

			has, err := s.Has("gone")
			require.NoError(t, err)
			require.False(t, has)

			deleted, err = s.Delete("gone")
			require.NoError(t, err)
			require.False(t, deleted)
		})
	}
}

func TestKeysPrefix(t *testing.T) {
	t.Parallel()
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			_, err := s.Store("aa11", []byte("1"))
			require.NoError(t, err)
			_, err = s.Store("aa22", []byte("2"))
			require.NoError(t, err)
			_, err = s.Store("bb33", []byte("3"))
			require.NoError(t, err)

			keys, err := s.Keys("aa")
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"aa11", "aa22"}, keys)
		})
	}
}

func TestChunkedLargeValueSpansMultipleChunks(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	s := rawstore.NewChunked(fs, "/chunked")

	data := make([]byte, rawstore.ChunkSize+100)
	for i := range data {
		data[i] = byte(i % 251)
	}

	_, err := s.Store("big", data)
	require.NoError(t, err)

	got, err := s.Load("big", rawstore.Window{})
	require.NoError(t, err)
	require.Equal(t, data, got)

	// a window spanning the chunk boundary
	got, err = s.Load("big", rawstore.Window{Offset: rawstore.ChunkSize - 5, Length: 10})
	require.NoError(t, err)
	require.Equal(t, data[rawstore.ChunkSize-5:rawstore.ChunkSize+5], got)
}
