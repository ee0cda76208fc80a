// Package objstore implements the content-addressed object store
// (spec §4.2): it stores a Git object as a zlib-deflated
// "type size\0payload" envelope keyed by the SHA-1 of the undeflated
// envelope, built on top of a rawstore.Store.
package objstore

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"io/ioutil"
	"strconv"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/internal/cache"
	"github.com/arathorn/vcsengine/object"
	"github.com/arathorn/vcsengine/rawstore"
	"golang.org/x/xerrors"
)

// avgCachedObjectBytes approximates an inflated object's size for
// turning a byte budget (spec §9's ObjectCacheBytes) into the entry
// count internal/cache.LRU is bounded by.
const avgCachedObjectBytes = 4 << 10

// Store is a content-addressed object store atop any rawstore.Store.
type Store struct {
	raw   rawstore.Store
	hash  githash.Hash
	cache *cache.LRU
}

// New wraps raw as a content-addressed object store, with no inflated
// object cache.
func New(raw rawstore.Store, hash githash.Hash) *Store {
	return &Store{raw: raw, hash: hash}
}

// NewWithCache wraps raw as a content-addressed object store, keeping
// an LRU cache of inflated object payloads bounded to roughly
// cacheBytes. A cacheBytes of 0 disables the cache.
func NewWithCache(raw rawstore.Store, hash githash.Hash, cacheBytes int64) *Store {
	s := New(raw, hash)
	if cacheBytes > 0 {
		entries := int(cacheBytes / avgCachedObjectBytes)
		if entries < 1 {
			entries = 1
		}
		s.cache = cache.NewLRU(entries)
	}
	return s
}

// key turns an Oid into the string key used in the raw store: its
// lowercase hex representation, the full ID (the raw store does its
// own directory fan-out, e.g. rawstore.File splits it into
// first-2/rest).
func key(oid githash.Oid) string { return oid.String() }

// Store deflates o's canonical envelope and writes it under the key
// o.ID(). If the key already exists the write is skipped: by I2
// (immutability), existing content under that key is, by
// content-addressability, already identical.
func (s *Store) Store(o *object.Object) (githash.Oid, error) {
	oid := o.ID()
	k := key(oid)

	exists, err := s.raw.Has(k)
	if err != nil {
		return nil, xerrors.Errorf("could not check existence of %s: %w", oid, err)
	}
	if exists {
		return oid, nil
	}

	data, err := o.Compress()
	if err != nil {
		return nil, xerrors.Errorf("could not compress object %s: %w", oid, err)
	}
	if _, err := s.raw.Store(k, data); err != nil {
		return nil, xerrors.Errorf("could not persist object %s: %w", oid, err)
	}
	return oid, nil
}

// Load fetches, inflates, and fully parses the object stored under oid.
func (s *Store) Load(oid githash.Oid) (*object.Object, error) {
	k := key(oid)

	if s.cache != nil {
		if v, ok := s.cache.Get(k); ok {
			return object.New(s.hash, v.(*object.Object).Type(), v.(*object.Object).Bytes()), nil
		}
	}

	data, err := s.raw.Load(k, rawstore.Window{})
	if err != nil {
		if err == rawstore.ErrNotFound {
			return nil, xerrors.Errorf("object %s: %w", oid, object.ErrObjectUnknown)
		}
		return nil, xerrors.Errorf("could not load object %s: %w", oid, err)
	}

	payload, err := inflate(data)
	if err != nil {
		return nil, xerrors.Errorf("could not inflate object %s: %w", oid, err)
	}

	o, err := object.NewFromReader(s.hash, payload)
	if err != nil {
		return nil, xerrors.Errorf("could not parse object %s: %w", oid, err)
	}

	if s.cache != nil {
		s.cache.Add(k, o)
	}
	return o, nil
}

// Header is the result of a header-only read: the object's kind and
// declared payload size, without materializing the payload.
type Header struct {
	Type object.Type
	Size int
}

// LoadHeader inflates only as much of oid's envelope as needed to parse
// its "type size\0" header, stopping the zlib stream right after the
// terminator instead of draining it to read the full payload.
func (s *Store) LoadHeader(oid githash.Oid) (Header, error) {
	data, err := s.raw.Load(key(oid), rawstore.Window{})
	if err != nil {
		if err == rawstore.ErrNotFound {
			return Header{}, xerrors.Errorf("object %s: %w", oid, object.ErrObjectUnknown)
		}
		return Header{}, xerrors.Errorf("could not load object %s: %w", oid, err)
	}

	zlibR, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return Header{}, xerrors.Errorf("could not inflate object %s: %w", oid, err)
	}
	defer zlibR.Close()

	header, err := bufio.NewReader(zlibR).ReadBytes(0)
	if err != nil {
		return Header{}, xerrors.Errorf("could not read header of object %s: %w", oid, err)
	}
	header = header[:len(header)-1] // drop the NUL terminator

	sp := bytes.IndexByte(header, ' ')
	if sp < 0 {
		return Header{}, xerrors.Errorf("could not find type separator in object %s: %w", oid, object.ErrObjectInvalid)
	}
	typ, err := object.NewTypeFromString(string(header[:sp]))
	if err != nil {
		return Header{}, xerrors.Errorf("invalid object type for %s: %w", oid, err)
	}
	size, err := strconv.Atoi(string(header[sp+1:]))
	if err != nil {
		return Header{}, xerrors.Errorf("invalid object size for %s: %w", oid, err)
	}
	return Header{Type: typ, Size: size}, nil
}

// Has reports whether oid is present.
func (s *Store) Has(oid githash.Oid) (bool, error) {
	ok, err := s.raw.Has(key(oid))
	if err != nil {
		return false, xerrors.Errorf("could not check existence of %s: %w", oid, err)
	}
	return ok, nil
}

// Delete removes oid. Normal operation never calls this directly;
// it exists for the GC's loose-object prune phase.
func (s *Store) Delete(oid githash.Oid) (bool, error) {
	ok, err := s.raw.Delete(key(oid))
	if err != nil {
		return false, xerrors.Errorf("could not delete %s: %w", oid, err)
	}
	return ok, nil
}

// List enumerates every object ID present in the store.
func (s *Store) List() ([]githash.Oid, error) {
	keys, err := s.raw.Keys("")
	if err != nil {
		return nil, xerrors.Errorf("could not list objects: %w", err)
	}
	out := make([]githash.Oid, 0, len(keys))
	for _, k := range keys {
		oid, err := s.hash.ConvertFromString(k)
		if err != nil {
			continue
		}
		out = append(out, oid)
	}
	return out, nil
}

func inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ioutil.ReadAll(r)
}
