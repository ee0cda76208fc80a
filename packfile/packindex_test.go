package packfile_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/object"
	"github.com/arathorn/vcsengine/packfile"
	"github.com/stretchr/testify/require"
)

// TestIndexLargeOffsets exercises the layer4/layer5 escape path for two
// objects whose offsets exceed the 31-bit layer4 range, the scenario
// that exposed the index-vs-relative-offset mismatch between the index
// writer and reader.
func TestIndexLargeOffsets(t *testing.T) {
	t.Parallel()

	hash := githash.NewSHA1()
	small := object.New(hash, object.TypeBlob, []byte("small"))
	big1 := object.New(hash, object.TypeBlob, []byte("big one"))
	big2 := object.New(hash, object.TypeBlob, []byte("big two"))

	const (
		bigOffset1 = uint64(1) << 32
		bigOffset2 = (uint64(1) << 32) + 4096
	)

	entries := []packfile.IndexEntry{
		{Oid: small.ID(), Offset: 12, CRC: 0x1},
		{Oid: big1.ID(), Offset: bigOffset1, CRC: 0x2},
		{Oid: big2.ID(), Offset: bigOffset2, CRC: 0x3},
	}

	var idxBuf bytes.Buffer
	packID := hash.Sum([]byte("fake pack checksum"))
	require.NoError(t, packfile.WriteIndex(&idxBuf, hash, entries, packID))

	idx, err := packfile.NewIndex(bufio.NewReader(bytes.NewReader(idxBuf.Bytes())), hash)
	require.NoError(t, err)

	gotSmall, err := idx.GetObjectOffset(small.ID())
	require.NoError(t, err)
	require.Equal(t, uint64(12), gotSmall)

	gotBig1, err := idx.GetObjectOffset(big1.ID())
	require.NoError(t, err)
	require.Equal(t, bigOffset1, gotBig1)

	gotBig2, err := idx.GetObjectOffset(big2.ID())
	require.NoError(t, err)
	require.Equal(t, bigOffset2, gotBig2)
}
