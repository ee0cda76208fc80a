package packfile

import (
	"encoding/binary"
	"io"
	"sort"

	"github.com/arathorn/vcsengine/githash"
	"golang.org/x/xerrors"
)

// IndexEntry describes one object recorded in a pack, as needed to
// build its index
type IndexEntry struct {
	Oid    githash.Oid
	Offset uint64
	CRC    uint32
}

// maxSmallOffset is the largest offset that fits in layer4's 31 usable
// bits; anything bigger needs a layer5 entry
const maxSmallOffset = 0x7fffffff

// WriteIndex writes a version-2 pack index to w, out of the path
// pack's footer (packSHA) and its object entries. entries does not
// need to be pre-sorted; WriteIndex sorts a copy by OID.
func WriteIndex(w io.Writer, hash githash.Hash, entries []IndexEntry, packSHA githash.Oid) error {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Oid.String() < sorted[j].Oid.String() })

	cw := &shaTeeWriter{w: w}

	if _, err := cw.Write(indexHeader()); err != nil {
		return xerrors.Errorf("could not write index header: %w", err)
	}

	// Layer1: cumulative fanout by first byte
	var fanout [256]uint32
	for _, e := range sorted {
		firstByte := e.Oid.Bytes()[0]
		for i := int(firstByte); i < 256; i++ {
			fanout[i]++
		}
	}
	for _, count := range fanout {
		if err := writeUint32(cw, count); err != nil {
			return xerrors.Errorf("could not write fanout table: %w", err)
		}
	}

	// Layer2: sorted OIDs
	for _, e := range sorted {
		if _, err := cw.Write(e.Oid.Bytes()); err != nil {
			return xerrors.Errorf("could not write oid: %w", err)
		}
	}

	// Layer3: CRC-32 of each object's compressed representation
	for _, e := range sorted {
		if err := writeUint32(cw, e.CRC); err != nil {
			return xerrors.Errorf("could not write crc: %w", err)
		}
	}

	// Layer4/5: offsets, with large offsets escaped into layer5
	var large []uint64
	for _, e := range sorted {
		if e.Offset <= maxSmallOffset {
			if err := writeUint32(cw, uint32(e.Offset)); err != nil {
				return xerrors.Errorf("could not write offset: %w", err)
			}
			continue
		}
		idx := uint32(len(large))
		large = append(large, e.Offset)
		if err := writeUint32(cw, idx|0x80000000); err != nil {
			return xerrors.Errorf("could not write extended offset marker: %w", err)
		}
	}
	for _, off := range large {
		if err := writeUint64(cw, off); err != nil {
			return xerrors.Errorf("could not write layer5 offset: %w", err)
		}
	}

	// Footer: pack SHA, then the SHA of everything written so far
	if _, err := cw.Write(packSHA.Bytes()); err != nil {
		return xerrors.Errorf("could not write pack checksum: %w", err)
	}
	selfSum := hash.Sum(cw.sum.Bytes())
	if _, err := w.Write(selfSum.Bytes()); err != nil {
		return xerrors.Errorf("could not write index checksum: %w", err)
	}

	return nil
}

func writeUint32(w io.Writer, v uint32) error {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	_, err := w.Write(b)
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	_, err := w.Write(b)
	return err
}
