package refstore_test

import (
	"testing"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/refstore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*refstore.Store, githash.Hash) {
	t.Helper()
	hash := githash.NewSHA1()
	fs := afero.NewMemMapFs()
	return refstore.NewStore(fs, "/repo/.git", hash), hash
}

func TestSetAndGet(t *testing.T) {
	t.Parallel()
	s, hash := newStore(t)

	oid, err := hash.ConvertFromString("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")
	require.NoError(t, err)

	require.NoError(t, s.Set("refs/heads/main", oid))

	ref, err := s.Get("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, refstore.Direct, ref.Type())
	require.Equal(t, oid.String(), ref.Target().String())
}

func TestSymbolicResolve(t *testing.T) {
	t.Parallel()
	s, hash := newStore(t)

	oid, err := hash.ConvertFromString("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")
	require.NoError(t, err)
	require.NoError(t, s.Set("refs/heads/main", oid))
	require.NoError(t, s.SetSymbolic(refstore.Head, "refs/heads/main"))

	raw, err := s.Get(refstore.Head)
	require.NoError(t, err)
	require.Equal(t, refstore.Symbolic, raw.Type())

	resolved, err := s.Resolve(refstore.Head)
	require.NoError(t, err)
	require.Equal(t, refstore.Direct, resolved.Type())
	require.Equal(t, oid.String(), resolved.Target().String())
}

func TestResolveNotFound(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	_, err := s.Resolve("refs/heads/nope")
	require.ErrorIs(t, err, refstore.ErrRefNotFound)
}

func TestCompareAndSwap(t *testing.T) {
	t.Parallel()
	s, hash := newStore(t)

	oidA, _ := hash.ConvertFromString("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")
	oidB, _ := hash.ConvertFromString("b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")

	// expectedOld == nil means "must not exist"
	require.NoError(t, s.CompareAndSwap("refs/heads/feature", nil, oidA))
	require.ErrorIs(t, s.CompareAndSwap("refs/heads/feature", nil, oidA), refstore.ErrCASMismatch)

	require.NoError(t, s.CompareAndSwap("refs/heads/feature", oidA, oidB))

	ref, err := s.Get("refs/heads/feature")
	require.NoError(t, err)
	require.Equal(t, oidB.String(), ref.Target().String())

	require.ErrorIs(t, s.CompareAndSwap("refs/heads/feature", oidA, oidB), refstore.ErrCASMismatch)
}

func TestPackedRefsShadowing(t *testing.T) {
	t.Parallel()
	s, hash := newStore(t)

	oidPacked, _ := hash.ConvertFromString("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")
	oidLoose, _ := hash.ConvertFromString("b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")

	require.NoError(t, s.Set("refs/heads/main", oidPacked))
	require.NoError(t, s.PackRefs([]string{"refs/heads/main"}))

	// loose file has been folded away; value still reachable via packed-refs
	ref, err := s.Get("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, oidPacked.String(), ref.Target().String())

	// now write a loose ref with a different value: it must shadow the packed one
	require.NoError(t, s.Set("refs/heads/main", oidLoose))
	ref, err = s.Get("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, oidLoose.String(), ref.Target().String())
}

func TestListUnionLooseAndPacked(t *testing.T) {
	t.Parallel()
	s, hash := newStore(t)

	oid1, _ := hash.ConvertFromString("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")
	oid2, _ := hash.ConvertFromString("b6fc4c620b67d95f953a5c1c1230aaab5db5a1b0")
	oid3, _ := hash.ConvertFromString("4b825dc642cb6eb9a060e54bf8d69288fbee4904")

	require.NoError(t, s.Set("refs/heads/a", oid1))
	require.NoError(t, s.Set("refs/heads/b", oid2))
	require.NoError(t, s.PackRefs([]string{"refs/heads/a", "refs/heads/b"}))
	require.NoError(t, s.Set("refs/heads/c", oid3))

	refs, err := s.List("refs/heads/")
	require.NoError(t, err)
	require.Len(t, refs, 3)
}

func TestSetSymbolicRejectsFreshSelfCycle(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	// HEAD doesn't exist yet: resolving it used to fail with
	// ErrRefNotFound and let the write through, silently creating a
	// ref that points at itself.
	err := s.SetSymbolic(refstore.Head, refstore.Head)
	require.ErrorIs(t, err, refstore.ErrRefInvalid)

	_, err = s.Get(refstore.Head)
	require.ErrorIs(t, err, refstore.ErrRefNotFound)
}

func TestSetSymbolicRejectsMultiHopCycle(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	require.NoError(t, s.SetSymbolic("refs/heads/a", "refs/heads/b"))
	require.NoError(t, s.SetSymbolic("refs/heads/b", "refs/heads/c"))

	err := s.SetSymbolic("refs/heads/c", "refs/heads/a")
	require.ErrorIs(t, err, refstore.ErrRefInvalid)
}

func TestSetSymbolicAllowsRepointingExistingRef(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)

	require.NoError(t, s.SetSymbolic(refstore.Head, "refs/heads/main"))
	require.NoError(t, s.SetSymbolic(refstore.Head, "refs/heads/develop"))

	ref, err := s.Get(refstore.Head)
	require.NoError(t, err)
	require.Equal(t, refstore.Symbolic, ref.Type())
	require.Equal(t, "refs/heads/develop", ref.SymbolicTarget())
}

func TestInvalidRefName(t *testing.T) {
	t.Parallel()
	s, hash := newStore(t)
	oid, _ := hash.ConvertFromString("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391")

	err := s.Set("refs/heads/bad..name", oid)
	require.ErrorIs(t, err, refstore.ErrRefNameInvalid)
}
