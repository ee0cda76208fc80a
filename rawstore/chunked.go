package rawstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

// ChunkSize is the fixed chunk size used by Chunked. Each key's value
// is split across N = ceil(len/ChunkSize) files so that large blobs
// can be streamed or partially read without materializing the whole
// value in memory.
const ChunkSize = 4 << 20 // 4 MiB

// Chunked is a Store that splits each key's value across
// fixed-size chunk files under {root}/{first-2-hex}/{remaining}/,
// one file per chunk plus a small size marker. It targets large
// values where File would otherwise require reading the entire
// object to serve a short Load window.
type Chunked struct {
	fs   afero.Fs
	root string
}

// NewChunked opens a chunked-file store rooted at root.
func NewChunked(fs afero.Fs, root string) *Chunked {
	return &Chunked{fs: fs, root: root}
}

func (c *Chunked) keyDir(key string) string {
	if len(key) <= 2 {
		return filepath.Join(c.root, key)
	}
	return filepath.Join(c.root, key[:2], key[2:])
}

func chunkName(i int) string {
	return fmt.Sprintf("chunk-%06d", i)
}

func (c *Chunked) sizePath(key string) string {
	return filepath.Join(c.keyDir(key), "size")
}

// Store implements Store, splitting data into ChunkSize pieces, each
// written atomically via temp-file + rename, followed by a size
// marker written last so a reader never observes a partially written
// value as complete.
func (c *Chunked) Store(key string, data []byte) (int64, error) {
	dir := c.keyDir(key)
	if err := c.fs.RemoveAll(dir); err != nil {
		return 0, xerrors.Errorf("could not clear previous chunks for %s: %w", key, err)
	}
	if err := c.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, xerrors.Errorf("could not create directory %s: %w", dir, err)
	}

	total := 0
	for i := 0; ; i++ {
		start := i * ChunkSize
		if start >= len(data) && i > 0 {
			break
		}
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := writeAtomic(c.fs, dir, chunkName(i), data[start:end]); err != nil {
			return 0, xerrors.Errorf("could not write chunk %d of %s: %w", i, key, err)
		}
		total += end - start
		if end == len(data) {
			break
		}
	}

	if err := writeAtomic(c.fs, dir, "size", []byte(strconv.Itoa(len(data)))); err != nil {
		return 0, xerrors.Errorf("could not write size marker for %s: %w", key, err)
	}
	return int64(total), nil
}

func writeAtomic(fs afero.Fs, dir, name string, data []byte) error {
	tmp, err := afero.TempFile(fs, dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(tmpName)
		return err
	}
	if err = tmp.Close(); err != nil {
		_ = fs.Remove(tmpName)
		return err
	}
	return fs.Rename(tmpName, filepath.Join(dir, name))
}

// Size implements Store.
func (c *Chunked) Size(key string) (int64, error) {
	data, err := afero.ReadFile(c.fs, c.sizePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return -1, ErrNotFound
		}
		return -1, xerrors.Errorf("could not read size marker for %s: %w", key, err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1, xerrors.Errorf("corrupt size marker for %s: %w", key, err)
	}
	return int64(n), nil
}

// Has implements Store.
func (c *Chunked) Has(key string) (bool, error) {
	_, err := c.fs.Stat(c.sizePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, xerrors.Errorf("could not stat %s: %w", key, err)
	}
	return true, nil
}

// Load implements Store, reading only the chunks that intersect win.
func (c *Chunked) Load(key string, win Window) ([]byte, error) {
	total, err := c.Size(key)
	if err != nil {
		return nil, err
	}
	start, end := clampWindow(win, total)
	if end == start {
		return []byte{}, nil
	}

	dir := c.keyDir(key)
	out := make([]byte, 0, end-start)
	firstChunk := int(start / ChunkSize)
	lastChunk := int((end - 1) / ChunkSize)
	for i := firstChunk; i <= lastChunk; i++ {
		chunk, err := afero.ReadFile(c.fs, filepath.Join(dir, chunkName(i)))
		if err != nil {
			return nil, xerrors.Errorf("could not read chunk %d of %s: %w", i, key, err)
		}
		chunkStart := int64(i * ChunkSize)
		lo := int64(0)
		if start > chunkStart {
			lo = start - chunkStart
		}
		hi := int64(len(chunk))
		if end < chunkStart+int64(len(chunk)) {
			hi = end - chunkStart
		}
		out = append(out, chunk[lo:hi]...)
	}
	return out, nil
}

// Delete implements Store.
func (c *Chunked) Delete(key string) (bool, error) {
	ok, err := c.Has(key)
	if err != nil || !ok {
		return false, err
	}
	if err := c.fs.RemoveAll(c.keyDir(key)); err != nil {
		return false, xerrors.Errorf("could not delete %s: %w", key, err)
	}
	return true, nil
}

// Keys implements Store.
func (c *Chunked) Keys(prefix string) ([]string, error) {
	var out []string
	err := afero.Walk(c.fs, c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || info.Name() != "size" {
			return nil
		}
		rel, err := filepath.Rel(c.root, filepath.Dir(path))
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
		return nil, xerrors.Errorf("could not walk %s: %w", c.root, err)
	}
	sort.Strings(out)
	return out, nil
}
