package rawstore

import (
	"encoding/binary"
	"sort"
	"strings"

	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// kvBucket holds both the raw: and size: entries for every key, as
// described in the spec's key-value layout: <prefix>:raw:<key> and
// <prefix>:size:<key>.
var kvBucket = []byte("rawstore")

// KV is a Store backed by a single ordered key-value database
// (bbolt): every logical key occupies two entries in one bucket, a
// raw byte blob and a 4-byte little-endian size, so that Size never
// requires reading the full value. Every write is one atomic
// transaction. KV offers no compare-and-swap operation: Store always
// replaces the value unconditionally.
type KV struct {
	db     *bbolt.DB
	prefix string
}

// NewKV opens (creating if necessary) a bbolt-backed store at path,
// namespacing all entries under prefix.
func NewKV(path, prefix string) (*KV, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, xerrors.Errorf("could not open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("could not create bucket: %w", err)
	}
	return &KV{db: db, prefix: prefix}, nil
}

// Close releases the underlying database file.
func (k *KV) Close() error {
	return k.db.Close()
}

func (k *KV) rawKey(key string) []byte  { return []byte(k.prefix + ":raw:" + key) }
func (k *KV) sizeKey(key string) []byte { return []byte(k.prefix + ":size:" + key) }

// Store implements Store; both entries are written in one
// transaction so a concurrent reader never observes one without the
// other.
func (k *KV) Store(key string, data []byte) (int64, error) {
	size := make([]byte, 4)
	binary.LittleEndian.PutUint32(size, uint32(len(data)))

	err := k.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(kvBucket)
		if err := b.Put(k.rawKey(key), data); err != nil {
			return err
		}
		return b.Put(k.sizeKey(key), size)
	})
	if err != nil {
		return 0, xerrors.Errorf("could not store %s: %w", key, err)
	}
	return int64(len(data)), nil
}

// Load implements Store.
func (k *KV) Load(key string, win Window) ([]byte, error) {
	var out []byte
	err := k.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(kvBucket).Get(k.rawKey(key))
		if v == nil {
			return ErrNotFound
		}
		start, end := clampWindow(win, int64(len(v)))
		out = make([]byte, end-start)
		copy(out, v[start:end])
		return nil
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, xerrors.Errorf("could not load %s: %w", key, err)
	}
	return out, nil
}

// Has implements Store.
func (k *KV) Has(key string) (bool, error) {
	found := false
	err := k.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(kvBucket).Get(k.sizeKey(key)) != nil
		return nil
	})
	return found, err
}

// Size implements Store.
func (k *KV) Size(key string) (int64, error) {
	var size int64 = -1
	err := k.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(kvBucket).Get(k.sizeKey(key))
		if v == nil {
			return ErrNotFound
		}
		size = int64(binary.LittleEndian.Uint32(v))
		return nil
	})
	if err != nil {
		if err == ErrNotFound {
			return -1, ErrNotFound
		}
		return -1, xerrors.Errorf("could not read size of %s: %w", key, err)
	}
	return size, nil
}

// Delete implements Store.
func (k *KV) Delete(key string) (bool, error) {
	existed := false
	err := k.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(kvBucket)
		existed = b.Get(k.sizeKey(key)) != nil
		if !existed {
			return nil
		}
		if err := b.Delete(k.rawKey(key)); err != nil {
			return err
		}
		return b.Delete(k.sizeKey(key))
	})
	if err != nil {
		return false, xerrors.Errorf("could not delete %s: %w", key, err)
	}
	return existed, nil
}

// Keys implements Store.
func (k *KV) Keys(prefix string) ([]string, error) {
	rawPrefix := k.prefix + ":raw:" + prefix
	var out []string
	err := k.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		p := []byte(k.prefix + ":raw:")
		for key, _ := c.Seek(p); key != nil && strings.HasPrefix(string(key), k.prefix+":raw:"); key, _ = c.Next() {
			if strings.HasPrefix(string(key), rawPrefix) {
				out = append(out, strings.TrimPrefix(string(key), k.prefix+":raw:"))
			}
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("could not list keys: %w", err)
	}
	sort.Strings(out)
	return out, nil
}
