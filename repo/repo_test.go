package repo_test

import (
	"testing"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/object"
	"github.com/arathorn/vcsengine/refstore"
	"github.com/arathorn/vcsengine/repo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestInitAndOpenRepository(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()

	r, err := repo.InitRepository("/work/.git", repo.InitOptions{FS: fs})
	require.NoError(t, err)
	require.NotNil(t, r.Config())

	head, err := r.Refs().Get(refstore.Head)
	require.NoError(t, err)
	require.Equal(t, refstore.Symbolic, head.Type())
	require.Equal(t, "refs/heads/main", head.SymbolicTarget())

	_, err = repo.InitRepository("/work/.git", repo.InitOptions{FS: fs})
	require.ErrorIs(t, err, repo.ErrRepositoryExists)

	opened, err := repo.OpenRepository("/work/.git", repo.OpenOptions{FS: fs})
	require.NoError(t, err)
	require.NotNil(t, opened)
}

func TestOpenMissingRepository(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	_, err := repo.OpenRepository("/nowhere/.git", repo.OpenOptions{FS: fs})
	require.ErrorIs(t, err, repo.ErrRepositoryNotExist)
}

func TestWriteAndGetObject(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	hash := githash.NewSHA1()
	r, err := repo.InitRepository("/work/.git", repo.InitOptions{FS: fs, Hash: hash})
	require.NoError(t, err)

	blob := object.New(hash, object.TypeBlob, []byte("hello, repo"))
	oid, err := r.WriteObject(blob)
	require.NoError(t, err)
	require.Equal(t, blob.ID().String(), oid.String())

	has, err := r.HasObject(oid)
	require.NoError(t, err)
	require.True(t, has)

	loaded, err := r.GetObject(oid)
	require.NoError(t, err)
	require.Equal(t, blob.Bytes(), loaded.Bytes())
}

func TestRunGC(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	hash := githash.NewSHA1()
	r, err := repo.InitRepository("/work/.git", repo.InitOptions{FS: fs, Hash: hash})
	require.NoError(t, err)

	blob := object.New(hash, object.TypeBlob, []byte("reachable"))
	_, err = r.WriteObject(blob)
	require.NoError(t, err)

	tree := object.NewTree(hash, []object.TreeEntry{
		{Path: "f.txt", Mode: object.ModeFile, ID: blob.ID()},
	})
	_, err = r.WriteObject(tree.ToObject())
	require.NoError(t, err)

	commit := object.NewCommit(hash, tree.ID(), object.NewSignature("A", "a@b.c"), &object.CommitOptions{Message: "c1"})
	_, err = r.WriteObject(commit.ToObject())
	require.NoError(t, err)

	require.NoError(t, r.Refs().Set("refs/heads/main", commit.ID()))

	res, err := r.RunGC()
	require.NoError(t, err)
	require.Equal(t, 3, res.LiveObjects)

	loaded, err := r.GetObject(commit.ID())
	require.NoError(t, err)
	require.Equal(t, object.TypeCommit, loaded.Type())
}
