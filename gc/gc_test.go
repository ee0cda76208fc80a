package gc_test

import (
	"testing"
	"time"

	"github.com/arathorn/vcsengine/gc"
	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/object"
	"github.com/arathorn/vcsengine/objstore"
	"github.com/arathorn/vcsengine/rawstore"
	"github.com/arathorn/vcsengine/refstore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeLoose is an in-memory LooseLister used for tests.
type fakeLoose struct {
	objs    map[string]time.Duration
	objects *objstore.Store
}

func (f *fakeLoose) ListLoose() ([]gc.LooseObject, error) {
	out := make([]gc.LooseObject, 0, len(f.objs))
	hash := githash.NewSHA1()
	for s, age := range f.objs {
		oid, err := hash.ConvertFromString(s)
		if err != nil {
			return nil, err
		}
		out = append(out, gc.LooseObject{Oid: oid, Age: age})
	}
	return out, nil
}

func (f *fakeLoose) DeleteLoose(oid githash.Oid) error {
	delete(f.objs, oid.String())
	_, err := f.objects.Delete(oid)
	return err
}

func TestGCReachabilityAndPrune(t *testing.T) {
	t.Parallel()
	hash := githash.NewSHA1()
	raw := rawstore.NewMemory()
	objs := objstore.New(raw, hash)
	fs := afero.NewMemMapFs()
	refs := refstore.NewStore(fs, "/repo/.git", hash)

	blob := object.New(hash, object.TypeBlob, []byte("reachable content"))
	_, err := objs.Store(blob)
	require.NoError(t, err)

	tree := object.NewTree(hash, []object.TreeEntry{
		{Path: "file.txt", Mode: object.ModeFile, ID: blob.ID()},
	})
	_, err = objs.Store(tree.ToObject())
	require.NoError(t, err)

	commit := object.NewCommit(hash, tree.ID(), object.NewSignature("A", "a@b.c"), &object.CommitOptions{
		Message: "initial",
	})
	_, err = objs.Store(commit.ToObject())
	require.NoError(t, err)

	require.NoError(t, refs.Set("refs/heads/main", commit.ID()))

	// one unreachable blob, old enough to prune
	unreached := object.New(hash, object.TypeBlob, []byte("orphaned content"))
	_, err = objs.Store(unreached)
	require.NoError(t, err)

	loose := &fakeLoose{
		objects: objs,
		objs: map[string]time.Duration{
			blob.ID().String():      0,
			tree.ID().String():      0,
			commit.ID().String():    0,
			unreached.ID().String(): 30 * 24 * time.Hour,
		},
	}

	collector := gc.NewCollector()
	var publishedPack, publishedIdx []byte
	res, err := collector.Run(gc.Options{
		Hash:     hash,
		Objects:  objs,
		Loose:    loose,
		Refs:     refs,
		RefNames: []string{"refs/heads/main"},
		PruneAge: 14 * 24 * time.Hour,
		WritePack: func(pack, index []byte, packID githash.Oid) error {
			publishedPack = pack
			publishedIdx = index
			return nil
		},
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.LiveObjects)
	require.Equal(t, 1, res.PrunedUnreached)
	require.Equal(t, 3, res.PrunedSuperseded)
	require.NotEmpty(t, publishedPack)
	require.NotEmpty(t, publishedIdx)
	require.Equal(t, gc.Idle, collector.State())

	ref, err := refs.Get("refs/heads/main")
	require.NoError(t, err)
	require.Equal(t, commit.ID().String(), ref.Target().String())
}

func TestPolicyShouldRun(t *testing.T) {
	t.Parallel()
	p := gc.DefaultPolicy()

	require.True(t, p.ShouldRun(gc.PolicyInputs{LooseObjectCount: 200}, time.Now()))
	require.False(t, p.ShouldRun(gc.PolicyInputs{LooseObjectCount: 1}, time.Now()))

	last := time.Now()
	require.False(t, p.ShouldRun(gc.PolicyInputs{LooseObjectCount: 200, LastRun: last}, last.Add(time.Second)))
}

func TestQuickPackBuffer(t *testing.T) {
	t.Parallel()
	q := gc.NewQuickPackBuffer(2)
	q.Add("a")
	require.False(t, q.Full())
	q.Add("b")
	require.True(t, q.Full())
	q.Add("b") // dedup
	drained := q.Drain()
	require.Equal(t, []string{"a", "b"}, drained)
	require.False(t, q.Full())
}
