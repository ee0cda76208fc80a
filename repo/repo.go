// Package repo ties the engine's four layers (raw store, object
// store, pack engine, ref store + GC) together into a single
// Repository, the unit InitRepository/OpenRepository hand back to
// embedders.
package repo

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/arathorn/vcsengine/config"
	"github.com/arathorn/vcsengine/gc"
	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/internal/gitpath"
	"github.com/arathorn/vcsengine/object"
	"github.com/arathorn/vcsengine/objstore"
	"github.com/arathorn/vcsengine/packfile"
	"github.com/arathorn/vcsengine/rawstore"
	"github.com/arathorn/vcsengine/refstore"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// Errors returned by Repository-level operations.
var (
	ErrRepositoryNotExist = errors.New("repository does not exist")
	ErrRepositoryExists   = errors.New("repository already exists")
)

// Repository wires together the loose-object raw store, the
// content-addressed object store, the set of open packs, and the ref
// store for a single .git directory.
type Repository struct {
	fs         afero.Fs
	gitDirPath string
	hash       githash.Hash

	objects    *objstore.Store
	refs       *refstore.Store
	config     *config.Configuration
	treeDeltas *packfile.TreeDeltaStore

	packs []*packfile.Pack
}

// InitOptions configures InitRepository.
type InitOptions struct {
	FS            afero.Fs
	Hash          githash.Hash
	DefaultBranch string
}

// InitRepository creates a new .git directory at gitDirPath (the
// caller decides whether that's "<work>/.git" or, for a bare repo,
// the work path itself) and returns a handle to it.
func InitRepository(gitDirPath string, opts InitOptions) (*Repository, error) {
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Hash == nil {
		opts.Hash = githash.NewSHA1()
	}
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}

	if _, err := opts.FS.Stat(filepath.Join(gitDirPath, gitpath.HEADPath)); err == nil {
		return nil, ErrRepositoryExists
	}

	for _, dir := range []string{gitpath.ObjectsPath, gitpath.ObjectsPackPath, gitpath.RefsHeadsPath, gitpath.RefsTagsPath} {
		if err := opts.FS.MkdirAll(filepath.Join(gitDirPath, dir), 0o755); err != nil {
			return nil, xerrors.Errorf("could not create %s: %w", dir, err)
		}
	}

	cfg, err := config.Load(config.Options{FS: opts.FS, GitDirPath: gitDirPath})
	if err != nil {
		return nil, xerrors.Errorf("could not load config: %w", err)
	}

	r := newRepository(opts.FS, gitDirPath, opts.Hash, cfg.ObjectCacheBytes)
	r.config = cfg

	if err := r.refs.SetSymbolic(refstore.Head, "refs/heads/"+opts.DefaultBranch); err != nil {
		return nil, xerrors.Errorf("could not write HEAD: %w", err)
	}

	cfg.DefaultBranch = opts.DefaultBranch
	if err := cfg.Save(); err != nil {
		return nil, xerrors.Errorf("could not save config: %w", err)
	}

	return r, nil
}

// OpenOptions configures OpenRepository.
type OpenOptions struct {
	FS   afero.Fs
	Hash githash.Hash
}

// OpenRepository loads an existing repository at gitDirPath,
// discovering its on-disk packs.
func OpenRepository(gitDirPath string, opts OpenOptions) (*Repository, error) {
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Hash == nil {
		opts.Hash = githash.NewSHA1()
	}

	if _, err := opts.FS.Stat(filepath.Join(gitDirPath, gitpath.HEADPath)); err != nil {
		return nil, ErrRepositoryNotExist
	}

	cfg, err := config.Load(config.Options{FS: opts.FS, GitDirPath: gitDirPath})
	if err != nil {
		return nil, xerrors.Errorf("could not load config: %w", err)
	}

	r := newRepository(opts.FS, gitDirPath, opts.Hash, cfg.ObjectCacheBytes)
	r.config = cfg

	if err := r.loadPacks(); err != nil {
		return nil, xerrors.Errorf("could not load packs: %w", err)
	}

	return r, nil
}

func newRepository(fs afero.Fs, gitDirPath string, hash githash.Hash, cacheBytes int64) *Repository {
	objectsDir := filepath.Join(gitDirPath, gitpath.ObjectsPath)
	treeDeltaDir := filepath.Join(gitDirPath, gitpath.ObjectsTreeDeltaPath)
	return &Repository{
		fs:         fs,
		gitDirPath: gitDirPath,
		hash:       hash,
		objects:    objstore.NewWithCache(rawstore.NewFile(fs, objectsDir), hash, cacheBytes),
		refs:       refstore.NewStore(fs, gitDirPath, hash),
		treeDeltas: packfile.NewTreeDeltaStore(rawstore.NewFile(fs, treeDeltaDir), hash),
	}
}

func (r *Repository) loadPacks() error {
	dir := filepath.Join(r.gitDirPath, gitpath.ObjectsPackPath)
	return afero.Walk(r.fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || filepath.Ext(path) != packfile.ExtPackfile {
			return nil
		}
		p, err := packfile.NewFromFile(r.fs, r.hash, path)
		if err != nil {
			return xerrors.Errorf("could not open pack %s: %w", path, err)
		}
		r.packs = append(r.packs, p)
		return nil
	})
}

// Config returns the repository's loaded configuration.
func (r *Repository) Config() *config.Configuration { return r.config }

// Refs returns the repository's ref store.
func (r *Repository) Refs() *refstore.Store { return r.refs }

// GetObject returns the object matching oid, checking loose storage
// first, then every open pack.
func (r *Repository) GetObject(oid githash.Oid) (*object.Object, error) {
	o, err := r.objects.Load(oid)
	if err == nil {
		return o, nil
	}
	if !xerrors.Is(err, object.ErrObjectUnknown) {
		return nil, err
	}

	for _, p := range r.packs {
		o, err := p.GetObject(oid)
		if err == nil {
			return o, nil
		}
		if xerrors.Is(err, packfile.ErrObjectNotFound) {
			continue
		}
		return nil, err
	}

	// Neither loose storage nor any open pack has oid directly: it may
	// still be a tree recorded in the structural tree-delta store.
	// Nothing in repo or gc writes to that store; its entries come
	// from TreeDeltaStore.Deltify calls on the same directory.
	if has, herr := r.treeDeltas.Has(oid); herr == nil && has {
		entries, terr := r.treeDeltas.TreeEntries(r, oid)
		if terr == nil {
			return object.NewTree(r.hash, entries).ToObject(), nil
		}
	}

	return nil, xerrors.Errorf("object %s: %w", oid, object.ErrObjectUnknown)
}

// HasObject reports whether oid exists loose or in any open pack.
func (r *Repository) HasObject(oid githash.Oid) (bool, error) {
	ok, err := r.objects.Has(oid)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	for _, p := range r.packs {
		if p.HasObject(oid) {
			return true, nil
		}
	}
	return false, nil
}

// WriteObject persists o as a loose object, short-circuiting if it's
// already present anywhere (loose or packed), per I2.
func (r *Repository) WriteObject(o *object.Object) (githash.Oid, error) {
	has, err := r.HasObject(o.ID())
	if err != nil {
		return nil, err
	}
	if has {
		return o.ID(), nil
	}
	return r.objects.Store(o)
}

// looseLister adapts Repository to gc.LooseLister: it enumerates the
// objects in the loose object store along with their on-disk age.
type looseLister struct {
	fs      afero.Fs
	dir     string
	objects *objstore.Store
	hash    githash.Hash
}

func (l *looseLister) ListLoose() ([]gc.LooseObject, error) {
	var out []gc.LooseObject
	now := time.Now()
	err := afero.Walk(l.fs, l.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(l.dir, path)
		if rerr != nil {
			return nil
		}
		sha := filepath.Dir(rel) + filepath.Base(rel)
		if len(sha) != l.hash.OidSize()*2 {
			return nil
		}
		oid, cerr := l.hash.ConvertFromString(sha)
		if cerr != nil {
			return nil
		}
		out = append(out, gc.LooseObject{Oid: oid, Age: now.Sub(info.ModTime())})
		return nil
	})
	return out, err
}

func (l *looseLister) DeleteLoose(oid githash.Oid) error {
	_, err := l.objects.Delete(oid)
	return err
}

// RunGC traces reachability from every ref, repacks the live set,
// folds stable refs into packed-refs, and prunes superseded/expired
// loose objects (spec §4.8). The new pack is published atomically
// under objects/pack/pack-<id>.{pack,idx}.
func (r *Repository) RunGC() (gc.Result, error) {
	refs, err := r.refs.List("")
	if err != nil {
		return gc.Result{}, xerrors.Errorf("could not list refs: %w", err)
	}
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name())
	}

	objectsDir := filepath.Join(r.gitDirPath, gitpath.ObjectsPath)
	packDir := filepath.Join(r.gitDirPath, gitpath.ObjectsPackPath)

	collector := gc.NewCollector()
	res, err := collector.Run(gc.Options{
		Hash:    r.hash,
		Objects: r.objects,
		Loose: &looseLister{
			fs:      r.fs,
			dir:     objectsDir,
			objects: r.objects,
			hash:    r.hash,
		},
		Refs:     r.refs,
		RefNames: names,
		PruneAge: r.config.GCPruneAge,
		WritePack: func(pack, index []byte, packID githash.Oid) error {
			return publishPack(r.fs, packDir, packID, pack, index)
		},
	})
	if err != nil {
		return gc.Result{}, err
	}

	// the new pack is now on disk: reopen every pack so the live
	// objects GC just repacked are immediately retrievable.
	r.packs = nil
	if err := r.loadPacks(); err != nil {
		return res, xerrors.Errorf("could not reload packs after gc: %w", err)
	}
	return res, nil
}

// publishPack writes pack and index to temp files, then renames both
// into place: a pack becomes visible to readers only once its .idx
// has been renamed in, per the spec's pack-visibility ordering
// guarantee.
func publishPack(fs afero.Fs, dir string, packID githash.Oid, pack, index []byte) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := "pack-" + packID.String()

	if err := writeThenRename(fs, dir, base+packfile.ExtPackfile, pack); err != nil {
		return xerrors.Errorf("could not publish pack: %w", err)
	}
	if err := writeThenRename(fs, dir, base+packfile.ExtIndex, index); err != nil {
		return xerrors.Errorf("could not publish pack index: %w", err)
	}
	return nil
}

func writeThenRename(fs afero.Fs, dir, name string, data []byte) error {
	tmp, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return err
	}
	return fs.Rename(tmpName, filepath.Join(dir, name))
}
