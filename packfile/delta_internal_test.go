package packfile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIndexBlocksCapsBucketSize checks that a base built out of a
// single repeating block (the pathological case that would otherwise
// collect one offset per byte under the same hash) never grows a
// bucket past maxBucketOffsets, and that the offsets kept are the
// rightmost ones in base.
func TestIndexBlocksCapsBucketSize(t *testing.T) {
	t.Parallel()

	base := make([]byte, blockSize*(maxBucketOffsets*4))
	for i := range base {
		base[i] = 'a'
	}

	idx := indexBlocks(base)
	require.Len(t, idx, 1)

	for _, offsets := range idx {
		require.Len(t, offsets, maxBucketOffsets)
		lastPossible := len(base) - blockSize
		require.Equal(t, lastPossible, offsets[len(offsets)-1])
		require.True(t, offsets[0] > 0, "bucket should have been trimmed to the rightmost offsets")
	}
}

// TestBestMatchVerifiesBytesNotJustHash checks that bestMatch rejects a
// candidate offset whose bytes don't actually equal window, even
// though it shares a bucket with one that does (a hash collision).
func TestBestMatchVerifiesBytesNotJustHash(t *testing.T) {
	t.Parallel()

	base := []byte("0123456789abcdef" + "ZYXWVUTSRQPONMLK")
	window := base[16:32]

	off, ok := bestMatch([]int{0, 16}, base, window)
	require.True(t, ok)
	require.Equal(t, 16, off)

	_, ok = bestMatch([]int{0}, base, window)
	require.False(t, ok)
}
