package objstore_test

import (
	"testing"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/object"
	"github.com/arathorn/vcsengine/objstore"
	"github.com/arathorn/vcsengine/rawstore"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadRoundTrip(t *testing.T) {
	t.Parallel()
	hash := githash.NewSHA1()
	s := objstore.New(rawstore.NewMemory(), hash)

	blob := object.New(hash, object.TypeBlob, []byte("hello, objstore"))
	oid, err := s.Store(blob)
	require.NoError(t, err)
	require.Equal(t, blob.ID().String(), oid.String())

	has, err := s.Has(oid)
	require.NoError(t, err)
	require.True(t, has)

	loaded, err := s.Load(oid)
	require.NoError(t, err)
	require.Equal(t, object.TypeBlob, loaded.Type())
	require.Equal(t, blob.Bytes(), loaded.Bytes())
}

func TestLoadHeaderWithoutFullPayload(t *testing.T) {
	t.Parallel()
	hash := githash.NewSHA1()
	s := objstore.New(rawstore.NewMemory(), hash)

	blob := object.New(hash, object.TypeBlob, []byte("some content of known length"))
	oid, err := s.Store(blob)
	require.NoError(t, err)

	hdr, err := s.LoadHeader(oid)
	require.NoError(t, err)
	require.Equal(t, object.TypeBlob, hdr.Type)
	require.Equal(t, blob.Size(), hdr.Size)
}

func TestLoadUnknownObject(t *testing.T) {
	t.Parallel()
	hash := githash.NewSHA1()
	s := objstore.New(rawstore.NewMemory(), hash)

	oid, err := hash.ConvertFromString("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")
	require.NoError(t, err)

	_, err = s.Load(oid)
	require.ErrorIs(t, err, object.ErrObjectUnknown)
}

func TestStoreIsIdempotent(t *testing.T) {
	t.Parallel()
	hash := githash.NewSHA1()
	s := objstore.New(rawstore.NewMemory(), hash)

	blob := object.New(hash, object.TypeBlob, []byte("idempotent"))
	oid1, err := s.Store(blob)
	require.NoError(t, err)
	oid2, err := s.Store(blob)
	require.NoError(t, err)
	require.Equal(t, oid1.String(), oid2.String())
}

func TestDeleteAndList(t *testing.T) {
	t.Parallel()
	hash := githash.NewSHA1()
	s := objstore.New(rawstore.NewMemory(), hash)

	b1 := object.New(hash, object.TypeBlob, []byte("one"))
	b2 := object.New(hash, object.TypeBlob, []byte("two"))
	_, err := s.Store(b1)
	require.NoError(t, err)
	_, err = s.Store(b2)
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)

	deleted, err := s.Delete(b1.ID())
	require.NoError(t, err)
	require.True(t, deleted)

	list, err = s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
}
