package packfile

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

const (
	// maxCopySize is the largest length a single COPY instruction can
	// represent; 0 in the 3 length bytes is special-cased by git to mean
	// 0x10000
	maxCopySize = 0x10000
	// maxInsertSize is the largest length a single INSERT instruction
	// can carry (7 bits, MSB reserved to mark COPY vs INSERT)
	maxInsertSize = 0x7f
	// blockSize is the window used by the rolling hash when looking for
	// copyable matches between the base and the target
	blockSize = 16
	// maxBucketOffsets caps the number of offsets kept per hash bucket,
	// bounding the cost of pathological inputs (e.g. a base that is
	// mostly zero bytes) where a single hash would otherwise collect
	// every offset in the file.
	maxBucketOffsets = 16
)

// writeDeltaSize appends a little-endian, MSB-continued varint encoding
// of size to buf. This is the same encoding used for object size headers.
func writeDeltaSize(buf []byte, size uint64) []byte {
	for {
		b := byte(size & 0x7f)
		size >>= 7
		if size != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if size == 0 {
			break
		}
	}
	return buf
}

// readDeltaSize is the inverse of writeDeltaSize
func readDeltaSize(data []byte) (size uint64, n int, err error) {
	for i, b := range data {
		size |= uint64(b&0x7f) << (uint(i) * 7)
		if b&0x80 == 0 {
			return size, i + 1, nil
		}
	}
	return 0, 0, xerrors.Errorf("truncated size varint: %w", ErrCorruptDelta)
}

// MakeDelta builds a delta instruction stream that, when applied to
// base via ApplyDelta, reproduces target. The encoder finds copyable
// runs between base and target using a rolling-hash block index (the
// same technique used by git itself), falling back to literal INSERT
// instructions wherever no match is found.
func MakeDelta(base, target []byte) []byte {
	out := make([]byte, 0, len(target)/2+32)
	out = writeDeltaSize(out, uint64(len(base)))
	out = writeDeltaSize(out, uint64(len(target)))

	index := indexBlocks(base)

	var pendingLiteral []byte
	flushLiteral := func() {
		for len(pendingLiteral) > 0 {
			n := len(pendingLiteral)
			if n > maxInsertSize {
				n = maxInsertSize
			}
			out = append(out, byte(n))
			out = append(out, pendingLiteral[:n]...)
			pendingLiteral = pendingLiteral[n:]
		}
	}

	i := 0
	for i < len(target) {
		if i+blockSize <= len(target) {
			h := rollingHash(target[i : i+blockSize])
			if best, ok := bestMatch(index[h], base, target[i:i+blockSize]); ok {
				// extend the match forwards as far as possible
				start := best
				tstart := i
				length := blockSize
				for start+length < len(base) && tstart+length < len(target) && base[start+length] == target[tstart+length] {
					length++
				}
				flushLiteral()
				out = appendCopy(out, uint32(start), uint32(length))
				i += length
				continue
			}
		}
		pendingLiteral = append(pendingLiteral, target[i])
		i++
	}
	flushLiteral()

	return out
}

// bestMatch scans a hash bucket's candidate offsets for the last one
// (i.e. further right, biasing towards the end of base) whose bytes
// actually match window, since a hash collision doesn't guarantee equal
// bytes.
func bestMatch(offsets []int, base, window []byte) (int, bool) {
	found := -1
	for _, off := range offsets {
		if bytesEqual(base[off:minInt(off+blockSize, len(base))], window) {
			found = off
		}
	}
	return found, found >= 0
}

// indexBlocks builds a map from the rolling hash of every blockSize-byte
// window of base to the list of starting offsets sharing that hash.
// Each bucket keeps at most the maxBucketOffsets most recent (i.e.
// rightmost) offsets, biasing matches towards the end of base while
// bounding the cost of pathological inputs that would otherwise collect
// every offset under one hash.
func indexBlocks(base []byte) map[uint64][]int {
	idx := make(map[uint64][]int)
	if len(base) < blockSize {
		return idx
	}
	for i := 0; i+blockSize <= len(base); i++ {
		h := rollingHash(base[i : i+blockSize])
		bucket := idx[h]
		if len(bucket) == maxBucketOffsets {
			bucket = bucket[1:]
		}
		idx[h] = append(bucket, i)
	}
	return idx
}

// rollingHash computes a simple polynomial (Rabin-style) hash over a
// fixed-size window. It doesn't need to be cryptographically strong,
// only cheap and well distributed.
func rollingHash(b []byte) uint64 {
	var h uint64
	for _, c := range b {
		h = h*1000000007 + uint64(c)
	}
	return h
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// appendCopy appends a COPY instruction for the given base offset/length,
// splitting into multiple instructions if length exceeds maxCopySize.
func appendCopy(out []byte, offset, length uint32) []byte {
	for length > 0 {
		n := length
		if n > maxCopySize {
			n = maxCopySize
		}

		offsetBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(offsetBytes, offset)
		lengthBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lengthBytes, n)
		if n == maxCopySize {
			// 0 in the length field means 0x10000 by convention
			lengthBytes[0], lengthBytes[1], lengthBytes[2] = 0, 0, 0
		}

		var instr byte = 0b_1000_0000
		var extra []byte
		for j := 0; j < 4; j++ {
			if offsetBytes[j] != 0 {
				instr |= 1 << uint(j)
				extra = append(extra, offsetBytes[j])
			}
		}
		for j := 0; j < 3; j++ {
			if lengthBytes[j] != 0 {
				instr |= 1 << uint(4+j)
				extra = append(extra, lengthBytes[j])
			}
		}
		out = append(out, instr)
		out = append(out, extra...)

		offset += n
		length -= n
	}
	return out
}

// ApplyDelta replays a delta instruction stream (as produced by MakeDelta,
// or found in a packfile's REF_DELTA/OFS_DELTA object) against base and
// returns the reconstructed target.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	sourceSize, n, err := readDeltaSize(delta)
	if err != nil {
		return nil, xerrors.Errorf("couldn't read source size of delta: %w", err)
	}
	if int(sourceSize) != len(base) {
		return nil, xerrors.Errorf("invalid base size: expected %d, got %d: %w", len(base), sourceSize, ErrCorruptDelta)
	}
	targetSize, n2, err := readDeltaSize(delta[n:])
	if err != nil {
		return nil, xerrors.Errorf("couldn't read target size of delta: %w", err)
	}

	instructions := delta[n+n2:]
	out := make([]byte, 0, targetSize)

	for i := 0; i < len(instructions); i++ {
		instr := instructions[i]

		if instr&0b_1000_0000 != 0 { // COPY
			offsetInfo := uint(instr & 0b_0000_1111)
			offsetBytes := make([]byte, 4)
			byteRead := 0
			for j := uint(0); j < 4; j++ {
				if (offsetInfo>>j)&1 == 1 {
					if i+1+byteRead >= len(instructions) {
						return nil, xerrors.Errorf("truncated copy offset: %w", ErrCorruptDelta)
					}
					offsetBytes[j] = instructions[i+1+byteRead]
					byteRead++
				}
			}
			offset := binary.LittleEndian.Uint32(offsetBytes)
			i += byteRead

			copyLenInfo := uint((instr & 0b_0111_0000) >> 4)
			copyLenBytes := make([]byte, 4)
			byteRead = 0
			for j := uint(0); j < 3; j++ {
				if (copyLenInfo>>j)&1 == 1 {
					if i+1+byteRead >= len(instructions) {
						return nil, xerrors.Errorf("truncated copy length: %w", ErrCorruptDelta)
					}
					copyLenBytes[j] = instructions[i+1+byteRead]
					byteRead++
				}
			}
			copyLen := binary.LittleEndian.Uint32(copyLenBytes)
			if copyLen == 0 {
				copyLen = maxCopySize
			}
			i += byteRead

			if int(offset)+int(copyLen) > len(base) {
				return nil, xerrors.Errorf("copy instruction out of bounds: %w", ErrCorruptDelta)
			}
			out = append(out, base[offset:offset+copyLen]...)
		} else { // INSERT
			n := int(instr)
			start := i + 1
			end := start + n
			if end > len(instructions) {
				return nil, xerrors.Errorf("truncated insert: %w", ErrCorruptDelta)
			}
			out = append(out, instructions[start:end]...)
			i += n
		}
	}

	if len(out) != int(targetSize) {
		return nil, xerrors.Errorf("target size mismatch: expected %d, got %d: %w", targetSize, len(out), ErrCorruptDelta)
	}
	return out, nil
}
