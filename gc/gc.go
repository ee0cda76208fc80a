// Package gc implements the repository garbage collector (spec
// §4.8): a cooperative, single-writer control loop that traces
// reachability from refs, repacks the live set into a pack, folds
// stable refs into packed-refs, and prunes loose objects that are
// either superseded by the new pack or unreachable past an age
// floor.
package gc

import (
	"bytes"
	"errors"
	"time"

	"github.com/arathorn/vcsengine/githash"
	"github.com/arathorn/vcsengine/object"
	"github.com/arathorn/vcsengine/objstore"
	"github.com/arathorn/vcsengine/packfile"
	"github.com/arathorn/vcsengine/refstore"
	"golang.org/x/xerrors"
)

// State is a phase of the GC state machine.
type State int

const (
	Idle State = iota
	Scanning
	WritingPack
	UpdatingRefs
	Pruning
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case WritingPack:
		return "writing-pack"
	case UpdatingRefs:
		return "updating-refs"
	case Pruning:
		return "pruning"
	default:
		return "unknown"
	}
}

// ErrCyclicGraph is reported when a commit-parent or tag-of-tag walk
// revisits a node already on the current path: such a graph cannot
// occur in a well-formed repository, so it is treated as corruption
// rather than followed.
var ErrCyclicGraph = errors.New("gc: cyclic object graph")

// maxTraceDepth bounds tag-of-tag and commit-parent walks against
// corrupt or adversarial repositories, per the spec's "explicit depth
// ceiling" requirement for untrusted traversals.
const maxTraceDepth = 10000

// LooseLister is the subset of loose-object storage the GC needs:
// enumerate every loose object along with its age, and delete one by
// ID. It is satisfied by a thin wrapper around objstore.Store that
// also knows each object's mtime (repo's looseLister); objstore.Store
// does not implement it itself.
type LooseLister interface {
	ListLoose() ([]LooseObject, error)
	DeleteLoose(oid githash.Oid) error
}

// LooseObject is one loose object's identity and age, as reported by
// a LooseLister.
type LooseObject struct {
	Oid githash.Oid
	Age time.Duration
}

// Options configures a single Run.
type Options struct {
	Hash     githash.Hash
	Objects  *objstore.Store
	Loose    LooseLister
	Refs     *refstore.Store
	RefNames []string // refs to trace from; typically refstore.Store.List("")

	// PruneAge is the age floor (spec default 2 weeks): unreachable
	// loose objects younger than this are left alone.
	PruneAge time.Duration

	// WritePack receives the finished pack + index bytes so the
	// caller can publish them atomically (temp + rename) under its
	// own storage policy; gc itself never decides the final path.
	WritePack func(pack, index []byte, packID githash.Oid) error
}

// Result summarizes one completed run.
type Result struct {
	LiveObjects      int
	PackedRefs       int
	PrunedUnreached  int
	PrunedSuperseded int
	PackID           githash.Oid
}

// Collector runs GC passes and tracks the current phase for
// observability; State returns to Idle when a run ends, whether it
// succeeded or failed. A failed run does not undo the steps it had
// already completed.
type Collector struct {
	state State
}

// NewCollector returns an idle collector.
func NewCollector() *Collector { return &Collector{state: Idle} }

// State returns the collector's current phase.
func (c *Collector) State() State { return c.state }

// Run executes one full GC pass: reachability trace, pack build, ref
// packing, loose prune, bookkeeping. On any error the collector's
// state is reset to Idle. Steps that already completed are not
// undone: a pack handed to WritePack stays published, refs already
// folded stay in packed-refs, and loose objects already pruned stay
// deleted.
func (c *Collector) Run(opts Options) (res Result, err error) {
	defer func() {
		c.state = Idle
	}()

	c.state = Scanning
	live, err := c.trace(opts)
	if err != nil {
		return Result{}, xerrors.Errorf("reachability trace failed: %w", err)
	}
	res.LiveObjects = len(live)

	c.state = WritingPack
	packID, err := c.buildPack(opts, live)
	if err != nil {
		return Result{}, xerrors.Errorf("pack build failed: %w", err)
	}
	res.PackID = packID

	c.state = UpdatingRefs
	packed, err := c.packRefs(opts)
	if err != nil {
		return Result{}, xerrors.Errorf("ref packing failed: %w", err)
	}
	res.PackedRefs = packed

	c.state = Pruning
	supersededN, unreachedN, err := c.prune(opts, live)
	if err != nil {
		return Result{}, xerrors.Errorf("prune failed: %w", err)
	}
	res.PrunedSuperseded = supersededN
	res.PrunedUnreached = unreachedN

	return res, nil
}

// trace walks every ref's target, then every commit's tree/parents
// and every tag's target, recording the closure as the live set
// (spec §4.8 step 1).
func (c *Collector) trace(opts Options) (map[string]githash.Oid, error) {
	live := make(map[string]githash.Oid)

	for _, name := range opts.RefNames {
		ref, err := opts.Refs.Resolve(name)
		if err != nil {
			if xerrors.Is(err, refstore.ErrRefNotFound) {
				continue
			}
			return nil, xerrors.Errorf("could not resolve %q: %w", name, err)
		}
		if err := c.traceObject(opts, ref.Target(), live, make(map[string]bool), 0); err != nil {
			return nil, xerrors.Errorf("could not trace from %q: %w", name, err)
		}
	}
	return live, nil
}

func (c *Collector) traceObject(opts Options, oid githash.Oid, live map[string]githash.Oid, path map[string]bool, depth int) error {
	key := oid.String()
	if _, ok := live[key]; ok {
		return nil
	}
	if depth > maxTraceDepth {
		return xerrors.Errorf("oid %s: %w", oid, ErrCyclicGraph)
	}
	if path[key] {
		return xerrors.Errorf("oid %s: %w", oid, ErrCyclicGraph)
	}
	path[key] = true
	defer delete(path, key)

	o, err := opts.Objects.Load(oid)
	if err != nil {
		return xerrors.Errorf("could not load %s: %w", oid, err)
	}
	live[key] = oid

	switch o.Type() {
	case object.TypeCommit:
		commit, err := o.AsCommit()
		if err != nil {
			return err
		}
		if err := c.traceObject(opts, commit.TreeID(), live, path, depth+1); err != nil {
			return err
		}
		for _, p := range commit.ParentIDs() {
			if err := c.traceObject(opts, p, live, path, depth+1); err != nil {
				return err
			}
		}
	case object.TypeTree:
		tree, err := o.AsTree()
		if err != nil {
			return err
		}
		for _, e := range tree.Entries() {
			if err := c.traceObject(opts, e.ID, live, path, depth+1); err != nil {
				return err
			}
		}
	case object.TypeTag:
		tag, err := o.AsTag()
		if err != nil {
			return err
		}
		if err := c.traceObject(opts, tag.Target(), live, path, depth+1); err != nil {
			return err
		}
	case object.TypeBlob:
		// leaf, nothing further to trace
	}
	return nil
}

// buildPack streams the live set through the pack writer (spec §4.8
// step 2). Every object is written as a full object, in map iteration
// order: no delta candidates are chosen, and entries are not grouped
// by type or size.
func (c *Collector) buildPack(opts Options, live map[string]githash.Oid) (githash.Oid, error) {
	if len(live) == 0 {
		return opts.Hash.NullOid(), nil
	}

	entries := make([]packfile.WriteEntry, 0, len(live))
	for _, oid := range live {
		o, err := opts.Objects.Load(oid)
		if err != nil {
			return nil, xerrors.Errorf("could not load %s for packing: %w", oid, err)
		}
		entries = append(entries, packfile.WriteEntry{
			Oid:     oid,
			Type:    o.Type(),
			Content: o.Bytes(),
		})
	}

	var packBuf, idxBuf bytes.Buffer
	indexEntries, packID, err := packfile.Write(&packBuf, opts.Hash, entries)
	if err != nil {
		return nil, xerrors.Errorf("could not write pack: %w", err)
	}
	if err := packfile.WriteIndex(&idxBuf, opts.Hash, indexEntries, packID); err != nil {
		return nil, xerrors.Errorf("could not write pack index: %w", err)
	}

	if opts.WritePack != nil {
		if err := opts.WritePack(packBuf.Bytes(), idxBuf.Bytes(), packID); err != nil {
			return nil, xerrors.Errorf("could not publish pack: %w", err)
		}
	}
	return packID, nil
}

// packRefs folds every direct, currently-resolvable ref into
// packed-refs (spec §4.8 step 3).
func (c *Collector) packRefs(opts Options) (int, error) {
	if err := opts.Refs.PackRefs(opts.RefNames); err != nil {
		return 0, err
	}
	return len(opts.RefNames), nil
}

// prune deletes loose objects that are either (a) live and already
// present in the pack just written, or (b) unreachable and older
// than PruneAge (spec §4.8 step 4).
func (c *Collector) prune(opts Options, live map[string]githash.Oid) (superseded, unreached int, err error) {
	if opts.Loose == nil {
		return 0, 0, nil
	}
	objs, err := opts.Loose.ListLoose()
	if err != nil {
		return 0, 0, xerrors.Errorf("could not list loose objects: %w", err)
	}

	for _, lo := range objs {
		_, isLive := live[lo.Oid.String()]
		switch {
		case isLive:
			if err := opts.Loose.DeleteLoose(lo.Oid); err != nil {
				return superseded, unreached, xerrors.Errorf("could not prune %s: %w", lo.Oid, err)
			}
			superseded++
		case lo.Age >= opts.PruneAge:
			if err := opts.Loose.DeleteLoose(lo.Oid); err != nil {
				return superseded, unreached, xerrors.Errorf("could not prune %s: %w", lo.Oid, err)
			}
			unreached++
		}
	}
	return superseded, unreached, nil
}
