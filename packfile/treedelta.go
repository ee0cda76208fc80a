package packfile

import (
	"bytes"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/object"
	"github.com/arathorn/vcsengine/rawstore"
	"golang.org/x/xerrors"
)

// treeDeltaMagic tags a serialized TreeDelta so isTreeDelta can tell it
// apart from the bytes of a full tree object sharing the same key. A
// tree object's first byte is always an ASCII mode digit ('0'-'7'),
// which this magic can never collide with.
var treeDeltaMagic = []byte{0xfd, 'T', 'D', 1}

// changeKind identifies the flavor of a single structural change.
type changeKind uint8

const (
	changeAdd changeKind = iota
	changeRemove
	changeModify
)

// treeChange is one entry of a TreeDelta's change list: an add or
// modify carries the entry's new mode and ID; a remove only needs the
// path.
type treeChange struct {
	kind changeKind
	path string
	mode object.TreeObjectMode
	id   githash.Oid
}

// TreeDelta is a structural, entry-level diff between two tree objects:
// which paths were added, removed, or changed mode/target, relative to
// a base tree. It is an alternative to a binary pack-delta for trees,
// cheaper to apply when only a handful of entries changed, at the cost
// of only being meaningful between two Tree objects (never blobs or
// commits).
//
// A TreeDelta is keyed by the same OID as the tree it reconstructs: it
// is a same-key alternative lookup path alongside the binary pack-delta
// for that object, never a replacement for it. Binary pack-deltas
// remain authoritative; a TreeDelta is only consulted when present and
// its base happens to already be resident.
type TreeDelta struct {
	BaseID  githash.Oid
	Changes []treeChange
}

// deltifyTree computes the structural difference turning base into
// target. Paths present in both trees with the same mode and ID are
// omitted; everything else becomes an add, remove, or modify change.
// Adds and modifies come first, in target's entry order, followed by
// removes in no particular order.
func deltifyTree(base, target *object.Tree) *TreeDelta {
	td := &TreeDelta{BaseID: base.ID()}

	baseByPath := make(map[string]object.TreeEntry, len(base.Entries()))
	for _, e := range base.Entries() {
		baseByPath[e.Path] = e
	}

	seen := make(map[string]bool, len(target.Entries()))
	for _, e := range target.Entries() {
		seen[e.Path] = true
		old, existed := baseByPath[e.Path]
		switch {
		case !existed:
			td.Changes = append(td.Changes, treeChange{kind: changeAdd, path: e.Path, mode: e.Mode, id: e.ID})
		case old.Mode != e.Mode || old.ID.String() != e.ID.String():
			td.Changes = append(td.Changes, treeChange{kind: changeModify, path: e.Path, mode: e.Mode, id: e.ID})
		}
	}
	for path := range baseByPath {
		if !seen[path] {
			td.Changes = append(td.Changes, treeChange{kind: changeRemove, path: path})
		}
	}
	return td
}

// undeltifyTree reconstructs the target tree's entries by patching
// base with the recorded structural changes. The caller is responsible
// for verifying base.ID() matches td.BaseID.
func (td *TreeDelta) undeltifyTree(hash githash.Hash, base *object.Tree) *object.Tree {
	removed := make(map[string]bool)
	changed := make(map[string]treeChange)
	var added []treeChange
	for _, c := range td.Changes {
		switch c.kind {
		case changeRemove:
			removed[c.path] = true
		case changeModify:
			changed[c.path] = c
		case changeAdd:
			added = append(added, c)
		}
	}

	entries := make([]object.TreeEntry, 0, len(base.Entries())+len(added))
	for _, e := range base.Entries() {
		if removed[e.Path] {
			continue
		}
		if c, ok := changed[e.Path]; ok {
			entries = append(entries, object.TreeEntry{Path: c.path, Mode: c.mode, ID: c.id})
			continue
		}
		entries = append(entries, e)
	}
	for _, c := range added {
		entries = append(entries, object.TreeEntry{Path: c.path, Mode: c.mode, ID: c.id})
	}

	return object.NewTree(hash, entries)
}

// Serialize encodes td into the compact binary form persisted by
// TreeDeltaStore: a magic tag, the base tree ID, and a varint-prefixed
// list of changes. Removals only need their path; adds and modifies
// also carry the new mode and ID.
func (td *TreeDelta) Serialize(hash githash.Hash) []byte {
	out := make([]byte, 0, len(treeDeltaMagic)+hash.OidSize()+16*len(td.Changes))
	out = append(out, treeDeltaMagic...)
	out = append(out, td.BaseID.Bytes()...)
	out = writeDeltaSize(out, uint64(len(td.Changes)))
	for _, c := range td.Changes {
		out = append(out, byte(c.kind))
		out = writeDeltaSize(out, uint64(len(c.path)))
		out = append(out, c.path...)
		if c.kind == changeRemove {
			continue
		}
		out = writeDeltaSize(out, uint64(c.mode))
		out = append(out, c.id.Bytes()...)
	}
	return out
}

// deserializeTreeDelta is the inverse of Serialize.
func deserializeTreeDelta(hash githash.Hash, data []byte) (*TreeDelta, error) {
	if !isTreeDelta(data) {
		return nil, xerrors.Errorf("not a tree delta: %w", ErrCorruptPack)
	}
	data = data[len(treeDeltaMagic):]

	oidSize := hash.OidSize()
	if len(data) < oidSize {
		return nil, xerrors.Errorf("truncated tree delta base id: %w", ErrCorruptPack)
	}
	baseID, err := hash.ConvertFromBytes(data[:oidSize])
	if err != nil {
		return nil, xerrors.Errorf("invalid tree delta base id: %w", err)
	}
	data = data[oidSize:]

	count, n, err := readDeltaSize(data)
	if err != nil {
		return nil, xerrors.Errorf("could not read change count: %w", err)
	}
	data = data[n:]

	td := &TreeDelta{BaseID: baseID, Changes: make([]treeChange, 0, count)}
	for i := uint64(0); i < count; i++ {
		if len(data) < 1 {
			return nil, xerrors.Errorf("truncated change %d: %w", i, ErrCorruptPack)
		}
		kind := changeKind(data[0])
		data = data[1:]

		pathLen, n, err := readDeltaSize(data)
		if err != nil {
			return nil, xerrors.Errorf("could not read path length of change %d: %w", i, err)
		}
		data = data[n:]
		if uint64(len(data)) < pathLen {
			return nil, xerrors.Errorf("truncated path of change %d: %w", i, ErrCorruptPack)
		}
		path := string(data[:pathLen])
		data = data[pathLen:]

		c := treeChange{kind: kind, path: path}
		if kind != changeRemove {
			mode, n, err := readDeltaSize(data)
			if err != nil {
				return nil, xerrors.Errorf("could not read mode of change %d: %w", i, err)
			}
			data = data[n:]
			if uint64(len(data)) < uint64(oidSize) {
				return nil, xerrors.Errorf("truncated id of change %d: %w", i, ErrCorruptPack)
			}
			id, err := hash.ConvertFromBytes(data[:oidSize])
			if err != nil {
				return nil, xerrors.Errorf("invalid id of change %d: %w", i, err)
			}
			data = data[oidSize:]
			c.mode = object.TreeObjectMode(mode)
			c.id = id
		}
		td.Changes = append(td.Changes, c)
	}
	return td, nil
}

// isTreeDelta reports whether data is a serialized TreeDelta (per
// Serialize) rather than the bytes of a full object.
func isTreeDelta(data []byte) bool {
	return len(data) >= len(treeDeltaMagic) && bytes.Equal(data[:len(treeDeltaMagic)], treeDeltaMagic)
}

// ObjectResolver loads a fully-materialized object by ID. It's the
// minimal capability loadTreeEntries needs to fetch the full tree that
// terminates a delta chain; *repo.Repository satisfies it directly.
type ObjectResolver interface {
	GetObject(oid githash.Oid) (*object.Object, error)
}

// TreeDeltaStore persists structural tree deltas in a store distinct
// from, but keyed the same way as, the engine's content-addressed
// object store: a delta reconstructing tree oid is saved under oid's
// own string key, in a separate namespace the pack/object layers never
// see unless they go looking for one.
type TreeDeltaStore struct {
	raw  rawstore.Store
	hash githash.Hash
}

// NewTreeDeltaStore wraps raw as a structural tree-delta store.
func NewTreeDeltaStore(raw rawstore.Store, hash githash.Hash) *TreeDeltaStore {
	return &TreeDeltaStore{raw: raw, hash: hash}
}

func (s *TreeDeltaStore) key(oid githash.Oid) string { return oid.String() }

// Has reports whether a structural delta is stored for oid.
func (s *TreeDeltaStore) Has(oid githash.Oid) (bool, error) {
	ok, err := s.raw.Has(s.key(oid))
	if err != nil {
		return false, xerrors.Errorf("could not check tree delta for %s: %w", oid, err)
	}
	return ok, nil
}

// Deltify computes the structural delta from base to target and
// persists it under target's ID.
func (s *TreeDeltaStore) Deltify(base, target *object.Tree) error {
	td := deltifyTree(base, target)
	if _, err := s.raw.Store(s.key(target.ID()), td.Serialize(s.hash)); err != nil {
		return xerrors.Errorf("could not persist tree delta for %s: %w", target.ID(), err)
	}
	return nil
}

// Load reads and deserializes the structural delta stored for oid.
// ErrObjectNotFound is returned if none is stored.
func (s *TreeDeltaStore) Load(oid githash.Oid) (*TreeDelta, error) {
	data, err := s.raw.Load(s.key(oid), rawstore.Window{})
	if err != nil {
		if err == rawstore.ErrNotFound {
			return nil, ErrObjectNotFound
		}
		return nil, xerrors.Errorf("could not load tree delta for %s: %w", oid, err)
	}
	return deserializeTreeDelta(s.hash, data)
}

// getTreeDeltaChain walks the chain of structural deltas starting at
// oid, following each BaseID link, stopping as soon as a base isn't
// itself a stored delta. It returns the chain in root-to-target order
// alongside the ID of the full tree the chain bottoms out on.
func (s *TreeDeltaStore) getTreeDeltaChain(oid githash.Oid) (chain []*TreeDelta, rootID githash.Oid, err error) {
	current := oid
	for depth := 0; ; depth++ {
		if depth > maxDeltaDepth {
			return nil, nil, xerrors.Errorf("tree delta chain for %s exceeds %d hops: %w", oid, maxDeltaDepth, ErrDeltaChainTooDeep)
		}
		has, err := s.Has(current)
		if err != nil {
			return nil, nil, err
		}
		if !has {
			break
		}
		td, err := s.Load(current)
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, td)
		current = td.BaseID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, current, nil
}

// loadTreeEntries transparently resolves oid to its entries: if a
// structural delta chain is stored for it, the chain is walked back to
// a full tree (fetched through resolver) and replayed forward; if no
// delta is stored at all, oid is assumed to name a full tree directly
// and is loaded and returned as-is.
func (s *TreeDeltaStore) loadTreeEntries(resolver ObjectResolver, oid githash.Oid) ([]object.TreeEntry, error) {
	chain, rootID, err := s.getTreeDeltaChain(oid)
	if err != nil {
		return nil, err
	}

	rootObj, err := resolver.GetObject(rootID)
	if err != nil {
		return nil, xerrors.Errorf("could not load root tree %s of delta chain: %w", rootID, err)
	}
	tree, err := object.NewTreeFromObject(rootObj)
	if err != nil {
		return nil, xerrors.Errorf("object %s is not a tree: %w", rootID, err)
	}

	for _, td := range chain {
		tree = td.undeltifyTree(s.hash, tree)
	}
	return tree.Entries(), nil
}

// TreeEntries exposes loadTreeEntries to callers outside this package
// (e.g. repo.Repository's fallback lookup for trees that have a
// structural delta stored through Deltify).
func (s *TreeDeltaStore) TreeEntries(resolver ObjectResolver, oid githash.Oid) ([]object.TreeEntry, error) {
	return s.loadTreeEntries(resolver, oid)
}
