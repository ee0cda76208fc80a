package rawstore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// File is a file-per-key Store rooted at a directory: a key k maps to
// path {first-2-hex}/{remaining} underneath root, mirroring Git's
// loose-object layout. Directories are created on demand; writes are
// atomic via temp-file + rename, the same discipline the object
// store's loose-object writer relies on.
type File struct {
	fs   afero.Fs
	root string
}

// NewFile opens (without requiring it to exist yet) a file-per-key
// store rooted at root.
func NewFile(fs afero.Fs, root string) *File {
	return &File{fs: fs, root: root}
}

// keyPath splits key the way Git splits a hex object ID: first two
// characters become a directory, the rest the filename. Keys shorter
// than 2 characters are stored flat under root.
func (f *File) keyPath(key string) string {
	if len(key) <= 2 {
		return filepath.Join(f.root, key)
	}
	return filepath.Join(f.root, key[:2], key[2:])
}

// Store implements Store.
func (f *File) Store(key string, data []byte) (int64, error) {
	p := f.keyPath(key)
	dir := filepath.Dir(p)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, xerrors.Errorf("could not create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(f.fs, dir, ".tmp-*")
	if err != nil {
		return 0, xerrors.Errorf("could not create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := tmp.Write(data)
	if err != nil {
		_ = tmp.Close()
		_ = f.fs.Remove(tmpName)
		return 0, xerrors.Errorf("could not write %s: %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		_ = f.fs.Remove(tmpName)
		return 0, xerrors.Errorf("could not close temp file for %s: %w", key, err)
	}
	if err = f.fs.Rename(tmpName, p); err != nil {
		_ = f.fs.Remove(tmpName)
		return 0, xerrors.Errorf("could not persist %s: %w", key, err)
	}
	return int64(n), nil
}

// Load implements Store.
func (f *File) Load(key string, win Window) ([]byte, error) {
	p := f.keyPath(key)
	data, err := afero.ReadFile(f.fs, p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Errorf("could not read %s: %w", key, err)
	}
	start, end := clampWindow(win, int64(len(data)))
	return data[start:end], nil
}

// Has implements Store.
func (f *File) Has(key string) (bool, error) {
	_, err := f.fs.Stat(f.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, xerrors.Errorf("could not stat %s: %w", key, err)
	}
	return true, nil
}

// Size implements Store.
func (f *File) Size(key string) (int64, error) {
	info, err := f.fs.Stat(f.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return -1, ErrNotFound
		}
		return -1, xerrors.Errorf("could not stat %s: %w", key, err)
	}
	return info.Size(), nil
}

// Delete implements Store.
func (f *File) Delete(key string) (bool, error) {
	p := f.keyPath(key)
	_, err := f.fs.Stat(p)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err := f.fs.Remove(p); err != nil {
		return false, xerrors.Errorf("could not delete %s: %w", key, err)
	}
	return true, nil
}

// Keys implements Store. It walks the two-level directory layout,
// reconstituting full keys from {dir}{file}.
func (f *File) Keys(prefix string) ([]string, error) {
	var out []string
	err := afero.Walk(f.fs, f.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if path == f.root || info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return nil
		}
		key := strings.ReplaceAll(rel, string(filepath.Separator), "")
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("could not walk %s: %w", f.root, err)
	}
	return out, nil
}
