package gc

import "time"

// PolicyInputs is the set of repository metrics auto-GC decisions
// are made from.
type PolicyInputs struct {
	LooseObjectCount   int
	MaxDeltaChainDepth int
	PackCount          int
	LastRun            time.Time
}

// Policy holds the thresholds the spec's auto-policy compares
// PolicyInputs against.
type Policy struct {
	LooseObjectThreshold int
	DeltaChainThreshold  int
	PackCountThreshold   int
	MinInterval          time.Duration
}

// DefaultPolicy matches the spec §9 configuration surface defaults.
func DefaultPolicy() Policy {
	return Policy{
		LooseObjectThreshold: 100,
		DeltaChainThreshold:  50,
		PackCountThreshold:   50,
		MinInterval:          60 * time.Second,
	}
}

// ShouldRun reports whether a full GC pass should start now: any
// threshold breached, subject to the minimum interval between runs.
func (p Policy) ShouldRun(in PolicyInputs, now time.Time) bool {
	if !in.LastRun.IsZero() && now.Sub(in.LastRun) < p.MinInterval {
		return false
	}
	return in.LooseObjectCount > p.LooseObjectThreshold ||
		in.MaxDeltaChainDepth > p.DeltaChainThreshold ||
		in.PackCount > p.PackCountThreshold
}

// QuickPackBuffer is the bounded buffer of recently written objects
// the quick-pack path processes (spec §4.8): used for hot paths like
// push receive, it packs a handful of objects without reachability
// tracing or pruning.
type QuickPackBuffer struct {
	max   int
	items []string
	seen  map[string]bool
}

// NewQuickPackBuffer creates a buffer bounded to max entries.
func NewQuickPackBuffer(max int) *QuickPackBuffer {
	return &QuickPackBuffer{max: max, seen: make(map[string]bool)}
}

// Add records oid (by its string form) as recently written. Once the
// buffer reaches its bound, Full reports true and the caller should
// flush via the quick-pack path.
func (q *QuickPackBuffer) Add(oid string) {
	if q.seen[oid] {
		return
	}
	q.seen[oid] = true
	q.items = append(q.items, oid)
}

// Full reports whether the buffer has reached its bound.
func (q *QuickPackBuffer) Full() bool { return len(q.items) >= q.max }

// Drain returns and clears the buffered object IDs.
func (q *QuickPackBuffer) Drain() []string {
	out := q.items
	q.items = nil
	q.seen = make(map[string]bool)
	return out
}
