// Package packfile contains methods and structs to read and write packfiles:
// the binary format git uses to store many objects (optionally deltified
// against each other) as a single blob, plus its companion index.
package packfile

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/object"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

const (
	// packfileHeaderSize contains the size of the header of a packfile.
	// the first 4 bytes contain the magic, the 4 next bytes contains the
	// version, and the last 4 bytes contains the number of objects in
	// the packfile, for a total of 12 bytes
	packfileHeaderSize = 12

	// maxDeltaDepth is the default ceiling on how many delta hops may
	// be chained before resolving back to a full object
	maxDeltaDepth = 50
)

func packfileMagic() []byte {
	return []byte{'P', 'A', 'C', 'K'}
}

func packfileVersion() []byte {
	return []byte{0, 0, 0, 2}
}

var (
	// ErrIntOverflow is an error thrown when the packfile couldn't
	// be parsed because some data couldn't fit in an int64
	ErrIntOverflow = errors.New("int64 overflow")
	// ErrInvalidMagic is an error thrown when a file doesn't have
	// the expected magic.
	ErrInvalidMagic = errors.New("invalid magic")
	// ErrInvalidVersion is an error thrown when a file has an
	// unsupported version
	ErrInvalidVersion = errors.New("invalid version")
	// ErrObjectNotFound is returned when an object isn't present in
	// the pack's index
	ErrObjectNotFound = errors.New("object not found in pack")
	// ErrCorruptPack is returned when the content of a packfile doesn't
	// match what its header/trailer/index promised
	ErrCorruptPack = errors.New("corrupt packfile")
	// ErrCorruptDelta is returned when a delta instruction stream can't
	// be replayed against its base object
	ErrCorruptDelta = errors.New("corrupt delta")
	// ErrDeltaChainTooDeep is returned when resolving an object would
	// require following more delta hops than the configured ceiling
	ErrDeltaChainTooDeep = errors.New("delta chain too deep")
)

// Pack represents a Packfile
// The packfile contains a header, a content, and a footer
// Header: 12 bytes
//
//	The first 4 bytes contain the magic ('P', 'A', 'C', 'K')
//	The next 4 bytes contains the version (0, 0, 0, 2)
//	The last 4 bytes contains the number of objects in the packfile
//
// Content: Variable size
//
//	         The content contains all the objects of the packfile, each zlib
//	         compressed.
//	         Before every zlib compressed objects comes a few bytes of
//	         metadata about the object (the type and size of the object).
//	         The size of the metadata is variable, so every byte contains
//	         a MSB (Most Significant bit, the most left bit of a byte) that
//	         indicates if the next byte is also part of the size or not.
//	         The very first byte of the metadata contains:
//	         - The MSB (1 bit)
//	         - The type of the object (3 bits)
//	         - the beginning of the size (4 bits)
//	         The subsequent bytes contains:
//	         - The MSB (1 bit)
//				- The next part of the size (7 bits)
//	        The chucks of the size are little-endian encoded (right to left):
//	        Final_size = [part_2][part_1][part_0]
//	        /!\ The size of the object cannot be used to extract the
//	        object. The size corresponds to the real size of the object
//	        and not the size of the zlib compressed object (which is)
//	        what we have here). It's possible that the compressed object
//	        has a bigger size than the de-compressed object.
//
// Footer: hash.OidSize() bytes
//
//	Contains the hash sum of the packfile (without this footer)
//
// https://github.com/git/git/blob/master/Documentation/technical/pack-format.txt
type Pack struct {
	hash    githash.Hash
	r       afero.File
	idxFile afero.File
	idx     *Index
	header  [packfileHeaderSize]byte
	id      githash.Oid

	maxDeltaDepth int

	// Mutex used to protect the exported methods from being called
	// concurrently
	mu sync.Mutex
}

// NewFromFile returns a pack object from the given file
// The pack will need to be closed using Close()
func NewFromFile(fs afero.Fs, hash githash.Hash, filePath string) (pack *Pack, err error) {
	f, err := fs.Open(filePath)
	if err != nil {
		return nil, xerrors.Errorf("could not open %s: %w", filePath, err)
	}
	defer func() {
		if err != nil {
			f.Close() //nolint:errcheck // it already failed
		}
	}()

	p := &Pack{
		hash:          hash,
		r:             f,
		id:            hash.NullOid(),
		maxDeltaDepth: maxDeltaDepth,
	}

	// Let's validate the header
	_, err = f.ReadAt(p.header[:], 0)
	if err != nil {
		return nil, xerrors.Errorf("could read header of packfile: %w", err)
	}
	if !bytes.Equal(p.header[0:4], packfileMagic()) {
		return nil, xerrors.Errorf("invalid header: %w", ErrInvalidMagic)
	}
	if !bytes.Equal(p.header[4:8], packfileVersion()) {
		return nil, xerrors.Errorf("invalid header: %w", ErrInvalidVersion)
	}
	if p.ObjectCount() == 0 {
		return nil, xerrors.Errorf("pack has no objects: %w", ErrCorruptPack)
	}

	// Now we load the index file
	indexFilePath := strings.TrimSuffix(filePath, ExtPackfile) + ExtIndex
	p.idxFile, err = fs.Open(indexFilePath)
	if err != nil {
		return nil, xerrors.Errorf("could not open %s: %w", indexFilePath, err)
	}
	defer func() {
		if err != nil {
			p.idxFile.Close() //nolint:errcheck // it already failed
		}
	}()
	p.idx, err = NewIndex(bufio.NewReader(p.idxFile), hash)
	if err != nil {
		return nil, xerrors.Errorf("could create index for %s: %w", indexFilePath, err)
	}

	return p, nil
}

// parseObjectHeader parses the metadata of the object starting at the
// reader's current position: type, inflated size, and (for deltified
// objects) the base object's SHA or relative offset. objectOffset is the
// absolute position of this record in the pack, needed to turn an
// OFS_DELTA's relative offset into an absolute one. On return buf is
// positioned at the start of the zlib-compressed payload.
func (pck *Pack) parseObjectHeader(buf *bufio.Reader, objectOffset uint64) (objectType object.Type, objectSize uint64, baseObjectOid githash.Oid, baseObjectOffset uint64, err error) {
	// the metadata is X bytes long and contains:
	// 1 first byte that contains
	//   - a MSB (1 bit)
	//   - the Object type (3 bits)
	//   - the beginning of the object size (4 bits)
	// X more bytes that contains:
	//   - a MSB (a bit)
	//   - the next part of the size (7 bits)
	// Once the MSB of a byte is 0 it means the byte is the last
	// one we need to read.
	// Assuming the worst case scenario (64 bits) we need to read:
	// - 8 bytes (because an int64 is on 8 byte)
	// - 1 extra byte because each of the 8 bytes are missing one bit (because
	//   of the MSB). We lose a total of 8bits, so 1 byte.
	// - 1 extra bit for safety because the first byte we get uses 3 bits
	//   for the type
	// Total: 10 bytes
	metadata, err := buf.Peek(10)
	if err != nil {
		return 0, 0, pck.hash.NullOid(), 0, xerrors.Errorf("could not get object meta: %w", err)
	}

	// We now need to extract the type of the object. The type is a number
	// between 1 and 7.
	// To extract it (bits 2, 3, and 4) we apply a mask to unset
	// all the bits we don't want, then we move our 3 bits to the
	// right with ">> 4"
	// value       : MTTT_SSSS // M = MSB ; T = type ; S = size
	// & 0111_0000 : 0TTT_0000
	// >> 4        : 0000_0TTT
	objectType = object.Type((metadata[0] & 0b_0111_0000) >> 4)
	if !objectType.IsValid() {
		return 0, 0, pck.hash.NullOid(), 0, xerrors.Errorf("unknown object type %d: %w", objectType, ErrCorruptPack)
	}

	// The first part of the size is on the last 4 bits of the byte.
	// We can use a mask to only keep the bits we want
	// value       : MTTT_SSSS // M = MSB ; T = type; S = size
	// & 0000_1111  : 0000_SSSS
	objectSize = uint64(metadata[0] & 0b_0000_1111)
	metadataSize := 1

	// To know if we need to read more bytes, we need to check the MSB
	// 1 = we read more, 0 = we're done
	if pck.isMSBSet(metadata[0]) {
		size, byteRead, err := pck.readSize(metadata[1:])
		if err != nil {
			return 0, 0, pck.hash.NullOid(), 0, xerrors.Errorf("couldn't read object size: %w", err)
		}
		metadataSize += byteRead
		// we add 4bits to the right of $size, then we merge everything with |
		// Example:
		// with size = 1001 and objectsize = 1011
		// size << 4  : 1001_0000
		// | size     : 1001_1011
		objectSize |= (size << 4)
	}

	// Since we used Peek() to get the metadata (because we didn't know its
	// size), we now need to discard the right amount of bytes to move
	// our internal cursor to the object data
	if _, err = buf.Discard(metadataSize); err != nil {
		return 0, 0, pck.hash.NullOid(), 0, xerrors.Errorf("could not skip the metadata: %w", err)
	}

	// Some objects are deltified and need extra parsing before getting to
	// the object content.
	// This is a way for git to only store the changes between 2 similar objects
	// instead of storing 2 full objects. This reduces disk usage.
	// There's 2 types of delta:
	// Refs: This delta contains the SHA of the base object
	// ofs: This Delta contains a negative offset to the base object
	switch objectType { //nolint:exhaustive // only 2 types have a special treatment
	case object.ObjectDeltaRef:
		baseObjectSHA := make([]byte, pck.hash.OidSize())
		_, err = io.ReadFull(buf, baseObjectSHA)
		if err != nil {
			return 0, 0, pck.hash.NullOid(), 0, xerrors.Errorf("could not get base object SHA: %w", err)
		}
		baseObjectOid, err = pck.hash.ConvertFromBytes(baseObjectSHA)
		if err != nil {
			return 0, 0, pck.hash.NullOid(), 0, xerrors.Errorf("could not parse base object SHA %#v: %w", baseObjectSHA, err)
		}
	case object.ObjectDeltaOFS:
		// we're assuming the offset is no bigger than 9 bytes to fit an int64.
		// We use 9 instead of 8 because the numbers are on 7bits instead of 8
		// so we need to read an extra byte
		offsetParts, err := buf.Peek(9)
		if err != nil {
			return 0, 0, pck.hash.NullOid(), 0, xerrors.Errorf("could not get base object offset: %w", err)
		}
		offset, bytesRead, err := pck.readDeltaOffset(offsetParts)
		if err != nil {
			return 0, 0, pck.hash.NullOid(), 0, xerrors.Errorf("couldn't read base object offset: %w", err)
		}
		baseObjectOffset = objectOffset - offset

		// Since we used Peek() because we didn't know the offset size, we
		// now need to discard the right amount of bytes to move our internal
		// cursor to the object data
		if _, err = buf.Discard(bytesRead); err != nil {
			return 0, 0, pck.hash.NullOid(), 0, xerrors.Errorf("could not skip the offset: %w", err)
		}
	}

	return objectType, objectSize, baseObjectOid, baseObjectOffset, nil
}

// decompressPayload inflates the zlib-compressed payload following an
// object's metadata and validates its length against the size recorded
// in that metadata.
func decompressPayload(buf *bufio.Reader, objectSize uint64) (data []byte, err error) {
	zlibR, err := zlib.NewReader(buf)
	if err != nil {
		return nil, xerrors.Errorf("could not get zlib reader: %w", err)
	}
	defer func() {
		closeErr := zlibR.Close()
		if err == nil {
			err = closeErr
		}
	}()

	objectData := bytes.Buffer{}
	_, err = io.Copy(&objectData, zlibR)
	if err != nil {
		return nil, xerrors.Errorf("could not decompress: %w", err)
	}

	if objectData.Len() != int(objectSize) {
		return nil, xerrors.Errorf("object size not valid. expecting %d, got %d: %w", objectSize, objectData.Len(), ErrCorruptPack)
	}
	return objectData.Bytes(), nil
}

// getRawObjectAt return the raw object located at the given offset,
// including its base info if the object is a delta
func (pck *Pack) getRawObjectAt(oid githash.Oid, objectOffset uint64) (o *object.Object, deltaBaseSHA githash.Oid, deltaBaseOffset uint64, err error) {
	_, err = pck.r.Seek(int64(objectOffset), io.SeekStart)
	if err != nil {
		return nil, pck.hash.NullOid(), 0, xerrors.Errorf("could not seek from 0 to object offset %d: %w", objectOffset, err)
	}
	buf := bufio.NewReader(pck.r)

	objectType, objectSize, baseObjectOid, baseObjectOffset, err := pck.parseObjectHeader(buf, objectOffset)
	if err != nil {
		return nil, pck.hash.NullOid(), 0, err
	}

	objectData, err := decompressPayload(buf, objectSize)
	if err != nil {
		return nil, pck.hash.NullOid(), 0, err
	}

	return object.New(pck.hash, objectType, objectData), baseObjectOid, baseObjectOffset, nil
}

// streamObjects walks every record of the pack in on-disk order, without
// going through the index, calling fn with each record's absolute
// offset, type, inflated size, and inflated bytes. Deltified records are
// yielded as-is (instruction stream, not resolved against their base):
// callers that need fully-materialized objects should use GetObject or
// Walk instead.
func (pck *Pack) streamObjects(fn func(offset uint64, objectType object.Type, size uint64, data []byte) error) error {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	if _, err := pck.r.Seek(packfileHeaderSize, io.SeekStart); err != nil {
		return xerrors.Errorf("could not seek to first object: %w", err)
	}
	buf := bufio.NewReader(pck.r)

	// buf reads ahead of what's been logically consumed, so the current
	// logical offset is the file's physical cursor minus what's sitting
	// unread in buf's internal buffer.
	position := func() (uint64, error) {
		physical, err := pck.r.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		return uint64(physical) - uint64(buf.Buffered()), nil
	}

	count := pck.ObjectCount()
	for i := uint32(0); i < count; i++ {
		offset, err := position()
		if err != nil {
			return xerrors.Errorf("could not determine offset of object %d: %w", i, err)
		}

		objectType, objectSize, _, _, err := pck.parseObjectHeader(buf, offset)
		if err != nil {
			return xerrors.Errorf("could not parse header of object %d at offset %d: %w", i, offset, err)
		}
		data, err := decompressPayload(buf, objectSize)
		if err != nil {
			return xerrors.Errorf("could not decompress object %d at offset %d: %w", i, offset, err)
		}

		if err := fn(offset, objectType, objectSize, data); err != nil {
			return err
		}
	}
	return nil
}

// getObjectAt return the object located at the given offset
func (pck *Pack) getObjectAt(oid githash.Oid, objectOffset uint64) (*object.Object, error) {
	return pck.getObjectAtDepth(oid, objectOffset, 0)
}

func (pck *Pack) getObjectAtDepth(oid githash.Oid, objectOffset uint64, depth int) (*object.Object, error) {
	if depth > pck.maxDeltaDepth {
		return nil, xerrors.Errorf("chain exceeds %d hops: %w", pck.maxDeltaDepth, ErrDeltaChainTooDeep)
	}

	o, baseOid, baseOffset, err := pck.getRawObjectAt(oid, objectOffset)
	if err != nil {
		return nil, err
	}

	// If the object is not deltified, we don't have anything to do
	if o.Type() != object.ObjectDeltaRef && o.Type() != object.ObjectDeltaOFS {
		return o, nil
	}

	// we retrieve the base object
	var base *object.Object
	if baseOid != nil && !baseOid.IsZero() {
		// GetObject would take pck.mu again, which the caller already holds
		off, err := pck.idx.GetObjectOffset(baseOid)
		if err != nil {
			return nil, xerrors.Errorf("could not get base object %s: %w", baseOid.String(), err)
		}
		base, err = pck.getObjectAtDepth(baseOid, off, depth+1)
		if err != nil {
			return nil, xerrors.Errorf("could not get base object %s: %w", baseOid.String(), err)
		}
	} else {
		// we pass NullOid because we don't know the SHA of the base
		base, err = pck.getObjectAtDepth(pck.hash.NullOid(), baseOffset, depth+1)
		if err != nil {
			return nil, xerrors.Errorf("could not get base object at offset %d: %w", baseOffset, err)
		}
	}

	content, err := ApplyDelta(base.Bytes(), o.Bytes())
	if err != nil {
		return nil, xerrors.Errorf("could not apply delta: %w", err)
	}
	return object.New(pck.hash, base.Type(), content), nil
}

// GetObject returns the object that has the given SHA
func (pck *Pack) GetObject(oid githash.Oid) (*object.Object, error) {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	objectOffset, err := pck.idx.GetObjectOffset(oid)
	if err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			return nil, xerrors.Errorf("could not get object index: %w", err)
		}
		return nil, err
	}
	return pck.getObjectAt(oid, objectOffset)
}

// HasObject reports whether the given OID is present in this pack
func (pck *Pack) HasObject(oid githash.Oid) bool {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	_, err := pck.idx.GetObjectOffset(oid)
	return err == nil
}

// ObjectCount returns the number of objects in the packfile
func (pck *Pack) ObjectCount() uint32 {
	return binary.BigEndian.Uint32(pck.header[8:])
}

// Walk calls fn for every object ID stored in this pack, in index order
func (pck *Pack) Walk(fn func(oid githash.Oid) error) error {
	return pck.idx.Walk(fn)
}

// ID returns the ID of the packfile
func (pck *Pack) ID() (githash.Oid, error) {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	if !pck.id.IsZero() {
		return pck.id, nil
	}

	oidSize := pck.hash.OidSize()
	id := make([]byte, oidSize)
	offset, err := pck.r.Seek(-int64(oidSize), io.SeekEnd)
	if err != nil {
		return pck.hash.NullOid(), xerrors.Errorf("could not get the offset of the ID: %w", err)
	}
	if _, err = pck.r.ReadAt(id, offset); err != nil {
		return pck.hash.NullOid(), xerrors.Errorf("could not read the ID: %w", err)
	}
	pck.id, err = pck.hash.ConvertFromBytes(id)
	if err != nil {
		return pck.hash.NullOid(), xerrors.Errorf("could not generate oid from %v: %w", id, err)
	}
	return pck.id, nil
}

// Close frees the resources
func (pck *Pack) Close() error {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	packErr := pck.r.Close()
	idxErr := pck.idxFile.Close()
	if packErr != nil {
		return packErr
	}
	if idxErr != nil {
		return idxErr
	}
	return nil
}

// readSize reads the provided bytes to extract what's left for the
// size from an object metadata.
// This method is only to read the remaining parts of a size.
func (pck *Pack) readSize(data []byte) (objectSize uint64, bytesRead int, err error) {
	for i, b := range data {
		bytesRead++

		// We make sure to remove the MSB because it's not part of the size
		chunk := pck.unsetMSB(b)

		// Sizes are little endian encoded, because why not
		objectSize = pck.insertLittleEndian7(objectSize, chunk, uint8(i))

		// No more MSB? Then we're done reading the size
		if !pck.isMSBSet(b) {
			break
		}
	}

	// if the last byte read has its MSB set it means that we have an
	// overflow (bytesRead - 1 is also == to len(data))
	if pck.isMSBSet(data[bytesRead-1]) {
		return 0, 0, ErrIntOverflow
	}

	return objectSize, bytesRead, nil
}

// readDeltaOffset reads the provided bytes to extract a delta offset.
// The format of the each byte is:
// - 1 bit (MSB) that is used to know if we need to read the next byte
// - 7 bits that contains a chunk of offset
// The offset is big-endian encoded.
// Each chunk of offset (except the last one) are stored -1, so we need
// to add 1 back to each chunk.
func (pck *Pack) readDeltaOffset(data []byte) (offset uint64, bytesRead int, err error) {
	for _, b := range data {
		bytesRead++

		// We set the MSB to 0 since it's not part of the offset
		chunk := pck.unsetMSB(b)

		// To save more space, all the chunks beside the last one
		// are stored with -1.
		if pck.isMSBSet(b) {
			chunk++
		}

		// Offsets are big endian encoded, because why not
		offset = pck.insertBigEndian7(offset, chunk)

		// No more MSB? Then we're done reading the offset
		if !pck.isMSBSet(b) {
			break
		}
	}
	// if the last byte read has its MSB set it means that we have an
	// overflow (bytesRead-1 is also == to len(data))
	if pck.isMSBSet(data[bytesRead-1]) {
		return 0, 0, ErrIntOverflow
	}

	return offset, bytesRead, nil
}

// insertLittleEndian7 inserts $chunk into $base from the left.
// Only the 7 most right bits will be inserted.
// Example:
// base   = 1110_1010_1111_1100
// chunk  = 1010_1011
// Result = 1010_1011_1110_1010_1111_1100 [chunk][base]
func (pck *Pack) insertLittleEndian7(base uint64, chunk, position uint8) uint64 {
	return (uint64(chunk) << (position * 7)) | base
}

// insertBigEndian7 inserts $chunk into $base from the right
// Only the 7 most right bits will be inserted.
// Example:
// base   = 1110_1010_1111_1100
// chunk  = 1010_1011
// Result = 1110_1010_1111_1100_1010_1011 [base][chunk]
func (pck *Pack) insertBigEndian7(base uint64, chunk uint8) uint64 {
	return base<<7 | uint64(chunk)
}

// isMSBSet checks if the MSB of a byte is set to 1.
// The MSB is the first bit on the left
func (pck *Pack) isMSBSet(b byte) bool {
	return b >= 0b_1000_0000
}

// unsetMSB set the most left bit of the byte to 0
func (pck *Pack) unsetMSB(b byte) byte {
	// To make any bit turn to 0 we can use a mask and a AND operator.
	// Example:
	// value       : XXXX_XXXX
	// & 0111_1111 : 0XXX_XXXX
	return b & 0b_0111_1111
}
