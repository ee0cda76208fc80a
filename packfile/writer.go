package packfile

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/object"
	"golang.org/x/xerrors"
)

// WriteEntry describes a single object to be packed. If BaseOid is set
// the object is stored as a REF_DELTA against that base; Content must
// then already be the delta instruction stream (see MakeDelta). When
// BaseOid is the zero value, Content is stored as a full object.
type WriteEntry struct {
	Oid     githash.Oid
	Type    object.Type
	Content []byte
	BaseOid githash.Oid
}

// Write serializes entries into a pack, writing the packfile to packW
// and returning the IndexEntry slice needed to build the companion
// index (see WriteIndex) along with the pack's own checksum.
//
// Entries are written in the order given. Deltified entries are always
// written as REF_DELTA, never OFS_DELTA, so the writer places no order
// requirement between a base and its deltas.
func Write(packW io.Writer, hash githash.Hash, entries []WriteEntry) (indexEntries []IndexEntry, packID githash.Oid, err error) {
	tw := &shaTeeWriter{w: packW}

	header := make([]byte, packfileHeaderSize)
	copy(header[0:4], packfileMagic())
	copy(header[4:8], packfileVersion())
	binary.BigEndian.PutUint32(header[8:12], uint32(len(entries)))
	if _, err = tw.Write(header); err != nil {
		return nil, nil, xerrors.Errorf("could not write pack header: %w", err)
	}

	offset := uint64(packfileHeaderSize)
	offsetByOid := make(map[string]uint64, len(entries))
	indexEntries = make([]IndexEntry, 0, len(entries))

	for _, e := range entries {
		n, crc, err := writeEntry(tw, hash, e, offset, offsetByOid)
		if err != nil {
			return nil, nil, xerrors.Errorf("could not write object %s: %w", e.Oid.String(), err)
		}
		indexEntries = append(indexEntries, IndexEntry{Oid: e.Oid, Offset: offset, CRC: crc})
		offsetByOid[e.Oid.String()] = offset
		offset += uint64(n)
	}

	packID = hash.Sum(tw.sum.Bytes())
	if _, err = packW.Write(packID.Bytes()); err != nil {
		return nil, nil, xerrors.Errorf("could not write pack checksum: %w", err)
	}

	return indexEntries, packID, nil
}

// writeEntry writes the header + (optional delta base) + zlib body for
// a single object, returning the number of bytes written and the
// CRC-32 of the whole packed record, size/type header included (the
// portion git verifies against the index's layer3).
func writeEntry(w io.Writer, hash githash.Hash, e WriteEntry, offset uint64, offsetByOid map[string]uint64) (n int, crc uint32, err error) {
	typ := e.Type
	payload := e.Content
	isRefDelta := e.BaseOid != nil && !e.BaseOid.IsZero()

	if isRefDelta {
		typ = object.ObjectDeltaRef
	}

	counter := &countingCRCWriter{w: w, crc: crc32.NewIEEE()}

	size := uint64(len(payload))
	firstByte := byte(typ&0b0111) << 4
	firstByte |= byte(size & 0b1111)
	size >>= 4
	if size > 0 {
		firstByte |= 0b1000_0000
	}
	if err = writeByte(counter, firstByte); err != nil {
		return 0, 0, err
	}
	for size > 0 {
		b := byte(size & 0b0111_1111)
		size >>= 7
		if size > 0 {
			b |= 0b1000_0000
		}
		if err = writeByte(counter, b); err != nil {
			return 0, 0, err
		}
	}

	if isRefDelta {
		if _, err = counter.Write(e.BaseOid.Bytes()); err != nil {
			return 0, 0, err
		}
	}

	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	if _, err = zw.Write(payload); err != nil {
		return 0, 0, err
	}
	if err = zw.Close(); err != nil {
		return 0, 0, err
	}
	if _, err = counter.Write(zbuf.Bytes()); err != nil {
		return 0, 0, err
	}

	return counter.n, counter.crc.Sum32(), nil
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

// countingCRCWriter tracks both the number of bytes written and their
// CRC-32, matching the region the index's layer3 entry covers.
type countingCRCWriter struct {
	w   io.Writer
	crc interface {
		Write([]byte) (int, error)
		Sum32() uint32
	}
	n int
}

func (c *countingCRCWriter) Write(p []byte) (int, error) {
	c.crc.Write(p)
	c.n += len(p)
	return c.w.Write(p)
}
