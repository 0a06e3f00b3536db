// Package registry implements the shared index registry (§4.7): a
// concurrent map from index name to a reference-counted served index
// handle, supporting add-unique/add-or-replace/delete/contains/get and
// safe iteration under either a read or a write lock.
package registry

import "sync"

// IndexType is the kind of served index a Handle wraps.
type IndexType int

const (
	IndexPlain IndexType = iota
	IndexTemplate
	IndexRT
	IndexPercolate
	IndexDistributed
)

func (t IndexType) String() string {
	switch t {
	case IndexPlain:
		return "plain"
	case IndexTemplate:
		return "template"
	case IndexRT:
		return "rt"
	case IndexPercolate:
		return "percolate"
	case IndexDistributed:
		return "distributed"
	default:
		return "unknown"
	}
}

// Mutable reports whether the index type grants write-locks for
// insert/replace operations.
func (t IndexType) Mutable() bool {
	return t == IndexRT || t == IndexPercolate
}

// Handle is a served index handle: the data model entry from §3, minus
// the opaque owned index object itself, which callers attach via the
// Index field (the index engine proper is out of this core's scope).
type Handle struct {
	Name             string
	Path             string
	NewPath          string // populated during a reload, swapped in on success
	Type             IndexType
	Preopen          bool
	KillListTargets  []string
	Mass             float64 // relative access cost, used for rotation scheduling
	RotationPriority int

	Index interface{} // opaque index object, owned by the caller's index engine

	Stats *QueryStats

	mu       sync.RWMutex
	refs     int32
	released bool
	onClose  func(*Handle)
}

// NewHandle constructs a Handle ready for registry insertion, with refs
// starting at 1 for the registry's own owning reference.
func NewHandle(name, path string, typ IndexType) *Handle {
	return &Handle{
		Name:  name,
		Path:  path,
		Type:  typ,
		Stats: NewQueryStats(),
		refs:  1,
	}
}

// RLock/RUnlock/Lock/Unlock expose the handle's own reader/writer lock,
// so a long read on index A never blocks mutation of index B.
func (h *Handle) RLock()   { h.mu.RLock() }
func (h *Handle) RUnlock() { h.mu.RUnlock() }
func (h *Handle) Lock()    { h.mu.Lock() }
func (h *Handle) Unlock()  { h.mu.Unlock() }

func (h *Handle) acquire() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// Release drops one reference. When the count reaches zero the handle's
// onClose hook (if any) fires exactly once.
func (h *Handle) Release() {
	h.mu.Lock()
	h.refs--
	fire := h.refs <= 0 && !h.released
	if fire {
		h.released = true
	}
	hook := h.onClose
	h.mu.Unlock()

	if fire && hook != nil {
		hook(h)
	}
}

// Ref is an acquired reference to a Handle. Callers that obtain one via
// Registry.Get or an iterator must call Release when done.
type Ref struct {
	*Handle
}

// Release returns the reference to the handle's ref count.
func (r Ref) Release() {
	if r.Handle != nil {
		r.Handle.Release()
	}
}
