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

func TestWriteThenIndexThenRead(t *testing.T) {
	t.Parallel()

	hash := githash.NewSHA1()
	blob := object.New(hash, object.TypeBlob, []byte("hello, packed world"))

	var packBuf bytes.Buffer
	entries, packID, err := packfile.Write(&packBuf, hash, []packfile.WriteEntry{
		{Oid: blob.ID(), Type: blob.Type(), Content: blob.Bytes()},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, packID.IsZero())

	var idxBuf bytes.Buffer
	err = packfile.WriteIndex(&idxBuf, hash, entries, packID)
	require.NoError(t, err)

	idx, err := packfile.NewIndex(bufio.NewReader(bytes.NewReader(idxBuf.Bytes())), hash)
	require.NoError(t, err)

	offset, err := idx.GetObjectOffset(blob.ID())
	require.NoError(t, err)
	require.Equal(t, entries[0].Offset, offset)

	crc, err := idx.GetObjectCRC(blob.ID())
	require.NoError(t, err)
	require.Equal(t, entries[0].CRC, crc)
}
