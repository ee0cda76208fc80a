package packfile

import (
	"bytes"
	"testing"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/object"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// TestStreamObjectsMatchesIndexOffsets builds a small pack with a handful
// of full objects, then checks that streamObjects yields every object
// exactly once, at the offset recorded for it in the index, regardless
// of the index's own OID-sorted order.
func TestStreamObjectsMatchesIndexOffsets(t *testing.T) {
	t.Parallel()

	hash := githash.NewSHA1()
	blobs := []*object.Object{
		object.New(hash, object.TypeBlob, []byte("alpha")),
		object.New(hash, object.TypeBlob, []byte("beta, a bit longer this time")),
		object.New(hash, object.TypeBlob, []byte("gamma")),
	}

	writeEntries := make([]WriteEntry, len(blobs))
	for i, b := range blobs {
		writeEntries[i] = WriteEntry{Oid: b.ID(), Type: b.Type(), Content: b.Bytes()}
	}

	var packBuf bytes.Buffer
	indexEntries, packID, err := Write(&packBuf, hash, writeEntries)
	require.NoError(t, err)

	var idxBuf bytes.Buffer
	require.NoError(t, WriteIndex(&idxBuf, hash, indexEntries, packID))

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "test.pack", packBuf.Bytes(), 0o644))
	require.NoError(t, afero.WriteFile(fs, "test.idx", idxBuf.Bytes(), 0o644))

	pck, err := NewFromFile(fs, hash, "test.pack")
	require.NoError(t, err)
	defer pck.Close()

	offsetByOid := make(map[string]uint64, len(indexEntries))
	for _, e := range indexEntries {
		offsetByOid[e.Oid.String()] = e.Offset
	}

	seen := make(map[string]bool, len(blobs))
	err = pck.streamObjects(func(offset uint64, objectType object.Type, size uint64, data []byte) error {
		var match *object.Object
		for _, b := range blobs {
			if bytes.Equal(b.Bytes(), data) {
				match = b
				break
			}
		}
		require.NotNilf(t, match, "no blob matches streamed payload at offset %d", offset)
		require.Equal(t, object.TypeBlob, objectType)
		require.Equal(t, uint64(len(match.Bytes())), size)
		require.Equal(t, offsetByOid[match.ID().String()], offset)
		seen[match.ID().String()] = true
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, len(blobs))
}
