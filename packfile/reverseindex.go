package packfile

import (
	"sort"

	"github.com/arathorn/vcsengine/githash"
)

// ReverseIndex maps pack offsets back to object IDs. It is built
// in-memory from a forward Index, for finding which object lives just
// before a given offset or walking a pack in byte-offset order rather
// than OID order. Pack does not build or use one: OFS_DELTA bases are
// read directly at their absolute offset.
type ReverseIndex struct {
	offsets []uint64
	byOffet map[uint64]githash.Oid
}

// NewReverseIndex builds a ReverseIndex from a forward Index
func NewReverseIndex(idx *Index) (*ReverseIndex, error) {
	ri := &ReverseIndex{
		byOffet: make(map[uint64]githash.Oid),
	}
	err := idx.Walk(func(oid githash.Oid) error {
		offset, err := idx.GetObjectOffset(oid)
		if err != nil {
			return err
		}
		ri.offsets = append(ri.offsets, offset)
		ri.byOffet[offset] = oid
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ri.offsets, func(i, j int) bool { return ri.offsets[i] < ri.offsets[j] })
	return ri, nil
}

// OidAt returns the OID of the object stored at exactly offset
func (ri *ReverseIndex) OidAt(offset uint64) (githash.Oid, bool) {
	oid, ok := ri.byOffet[offset]
	return oid, ok
}

// PrecedingOffset returns the largest recorded offset strictly before
// offset, used to find which object a given OFS_DELTA points into
func (ri *ReverseIndex) PrecedingOffset(offset uint64) (uint64, bool) {
	i := sort.Search(len(ri.offsets), func(i int) bool { return ri.offsets[i] >= offset })
	if i == 0 {
		return 0, false
	}
	return ri.offsets[i-1], true
}
