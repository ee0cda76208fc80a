package packfile_test

import (
	"testing"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/object"
	"github.com/arathorn/vcsengine/packfile"
	"github.com/arathorn/vcsengine/rawstore"
	"github.com/stretchr/testify/require"
)

// resolverFunc adapts a plain function to packfile.ObjectResolver.
type resolverFunc func(oid githash.Oid) (*object.Object, error)

func (f resolverFunc) GetObject(oid githash.Oid) (*object.Object, error) {
	return f(oid)
}

func blobID(t *testing.T, hash githash.Hash, content string) githash.Oid {
	t.Helper()
	return object.New(hash, object.TypeBlob, []byte(content)).ID()
}

func TestTreeDeltaStoreRoundTrip(t *testing.T) {
	t.Parallel()

	hash := githash.NewSHA1()
	helloID := blobID(t, hash, "hello")
	worldID := blobID(t, hash, "world")

	base := object.NewTree(hash, []object.TreeEntry{
		{Path: "a.txt", Mode: object.ModeFile, ID: helloID},
		{Path: "b.txt", Mode: object.ModeFile, ID: helloID},
	})
	target := object.NewTree(hash, []object.TreeEntry{
		{Path: "a.txt", Mode: object.ModeFile, ID: worldID}, // modified
		{Path: "c.txt", Mode: object.ModeFile, ID: worldID}, // added
		// b.txt removed
	})

	store := packfile.NewTreeDeltaStore(rawstore.NewMemory(), hash)
	require.NoError(t, store.Deltify(base, target))

	has, err := store.Has(target.ID())
	require.NoError(t, err)
	require.True(t, has)

	td, err := store.Load(target.ID())
	require.NoError(t, err)
	require.Equal(t, base.ID().String(), td.BaseID.String())

	resolver := resolverFunc(func(oid githash.Oid) (*object.Object, error) {
		require.Equal(t, base.ID().String(), oid.String())
		return base.ToObject(), nil
	})

	entries, err := store.TreeEntries(resolver, target.ID())
	require.NoError(t, err)

	rebuilt := object.NewTree(hash, entries)
	require.Equal(t, target.ID().String(), rebuilt.ID().String())
}

func TestTreeDeltaStoreChain(t *testing.T) {
	t.Parallel()

	hash := githash.NewSHA1()
	v1ID := blobID(t, hash, "v1")
	v2ID := blobID(t, hash, "v2")
	v3ID := blobID(t, hash, "v3")

	root := object.NewTree(hash, []object.TreeEntry{
		{Path: "f.txt", Mode: object.ModeFile, ID: v1ID},
	})
	mid := object.NewTree(hash, []object.TreeEntry{
		{Path: "f.txt", Mode: object.ModeFile, ID: v2ID},
	})
	leaf := object.NewTree(hash, []object.TreeEntry{
		{Path: "f.txt", Mode: object.ModeFile, ID: v3ID},
	})

	store := packfile.NewTreeDeltaStore(rawstore.NewMemory(), hash)
	require.NoError(t, store.Deltify(root, mid))
	require.NoError(t, store.Deltify(mid, leaf))

	resolver := resolverFunc(func(oid githash.Oid) (*object.Object, error) {
		require.Equal(t, root.ID().String(), oid.String())
		return root.ToObject(), nil
	})

	entries, err := store.TreeEntries(resolver, leaf.ID())
	require.NoError(t, err)
	rebuilt := object.NewTree(hash, entries)
	require.Equal(t, leaf.ID().String(), rebuilt.ID().String())
}

func TestTreeDeltaStoreNoDeltaFallsThroughToDirectTree(t *testing.T) {
	t.Parallel()

	hash := githash.NewSHA1()
	id := blobID(t, hash, "plain")
	tree := object.NewTree(hash, []object.TreeEntry{
		{Path: "only.txt", Mode: object.ModeFile, ID: id},
	})

	store := packfile.NewTreeDeltaStore(rawstore.NewMemory(), hash)
	resolver := resolverFunc(func(oid githash.Oid) (*object.Object, error) {
		require.Equal(t, tree.ID().String(), oid.String())
		return tree.ToObject(), nil
	})

	entries, err := store.TreeEntries(resolver, tree.ID())
	require.NoError(t, err)
	require.Equal(t, tree.Entries(), entries)
}
