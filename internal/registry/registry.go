package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sphinx-search/searchd-core/internal/errs"
)

// Registry is the key→handle map guarded by a single reader/writer lock,
// on top of which each Handle carries its own reader/writer lock for its
// contents.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{m: make(map[string]*Handle)}
}

// AddUnique inserts h under h.Name, failing if an entry already exists.
func (r *Registry) AddUnique(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.m[h.Name]; exists {
		return errs.NewLocal(errs.KindIndexTypeMismatch, fmt.Sprintf("index %q already registered", h.Name))
	}
	r.m[h.Name] = h
	return nil
}

// AddOrReplace installs h under h.Name, invoking hook (if non-nil) after
// the new handle is visible but before the prior occupant's reference is
// released — so a concurrent reader that already saw the old handle
// non-empty at this key never observes an empty slot.
func (r *Registry) AddOrReplace(h *Handle, hook func(old, new *Handle)) {
	r.mu.Lock()
	old, existed := r.m[h.Name]
	r.m[h.Name] = h
	r.mu.Unlock()

	if hook != nil {
		hook(old, h)
	}
	if existed {
		old.Release()
	}
}

// Delete removes the entry for name, releasing the registry's owning
// reference, and reports whether anything was removed.
func (r *Registry) Delete(name string) bool {
	r.mu.Lock()
	h, exists := r.m[name]
	if exists {
		delete(r.m, name)
	}
	r.mu.Unlock()

	if exists {
		h.Release()
	}
	return exists
}

// DeleteIfNil removes the entry for name only if its Index field is nil
// (an index slot reserved but never populated).
func (r *Registry) DeleteIfNil(name string) bool {
	r.mu.Lock()
	h, exists := r.m[name]
	if exists && h.Index != nil {
		r.mu.Unlock()
		return false
	}
	if exists {
		delete(r.m, name)
	}
	r.mu.Unlock()

	if exists {
		h.Release()
	}
	return exists
}

// Contains reports whether name is currently registered.
func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.m[name]
	return ok
}

// Get returns an acquired reference to the handle registered under name,
// or ok=false if none exists.
func (r *Registry) Get(name string) (Ref, bool) {
	r.mu.RLock()
	h, ok := r.m[name]
	r.mu.RUnlock()
	if !ok {
		return Ref{}, false
	}
	h.acquire()
	return Ref{h}, true
}

// sortedNames returns the registry's keys in a stable order, so iteration
// is deterministic for tests and logging.
func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.m))
	for name := range r.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadIter is a read-locked iterator: it holds the registry's shared
// lock for its entire lifetime, returns acquired references, and
// forbids deletion.
type ReadIter struct {
	r     *Registry
	names []string
	idx   int
}

// ReadIterate begins a read-locked iteration. Callers must call Close
// when done to release the shared lock.
func (r *Registry) ReadIterate() *ReadIter {
	r.mu.RLock()
	return &ReadIter{r: r, names: r.sortedNames()}
}

// Next advances the iterator, returning an acquired reference and true,
// or a zero Ref and false once exhausted.
func (it *ReadIter) Next() (Ref, bool) {
	for it.idx < len(it.names) {
		name := it.names[it.idx]
		it.idx++
		if h, ok := it.r.m[name]; ok {
			h.acquire()
			return Ref{h}, true
		}
	}
	return Ref{}, false
}

// Close releases the registry's shared lock.
func (it *ReadIter) Close() { it.r.mu.RUnlock() }

// WriteIter is a write-locked iterator: it holds the registry's
// exclusive lock for its entire lifetime and allows in-place Delete,
// which removes the current entry and rewinds the cursor so the next
// Next() call visits the successor.
type WriteIter struct {
	r     *Registry
	names []string
	idx   int
}

// WriteIterate begins a write-locked iteration. Callers must call Close
// when done to release the exclusive lock.
func (r *Registry) WriteIterate() *WriteIter {
	r.mu.Lock()
	return &WriteIter{r: r, names: r.sortedNames()}
}

// Next advances the iterator, returning the handle (not ref-counted;
// the caller holds the registry's exclusive lock) and true, or false
// once exhausted.
func (it *WriteIter) Next() (*Handle, bool) {
	for it.idx < len(it.names) {
		name := it.names[it.idx]
		it.idx++
		if h, ok := it.r.m[name]; ok {
			return h, true
		}
	}
	return nil, false
}

// Delete removes the entry the most recent Next() call returned, and
// rewinds the cursor so the next Next() visits the successor rather
// than skipping it.
func (it *WriteIter) Delete() {
	if it.idx == 0 || it.idx > len(it.names) {
		return
	}
	name := it.names[it.idx-1]
	if h, ok := it.r.m[name]; ok {
		delete(it.r.m, name)
		h.Release()
	}
	it.idx--
	it.names = append(it.names[:it.idx], it.names[it.idx+1:]...)
}

// Close releases the registry's exclusive lock.
func (it *WriteIter) Close() { it.r.mu.Unlock() }
