package instrument

import (
	"sync"
	"sync/atomic"
)

// Registry holds every hook, keyed by guest virtual address.
//
// A nil *Registry, or one whose table was never created, reports no hooks.
// Lookups never lock; Insert and Remove serialize with each other.
type Registry struct {
	mu    sync.Mutex
	size  int
	table atomic.Pointer[htable]
	gen   atomic.Uint64
}

// NewRegistry returns a registry whose table starts with size buckets
// (DefaultSize if size <= 0) and grows automatically.
func NewRegistry(size int) *Registry {
	r := &Registry{size: size}
	r.Init()
	return r
}

// Init creates the backing table if it does not exist yet.
func (r *Registry) Init() {
	if r == nil {
		return
	}
	r.init()
}

func (r *Registry) init() *htable {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.table.Load(); t != nil {
		return t
	}
	size := r.size
	if size <= 0 {
		size = DefaultSize
	}
	t := newHtable(size, true)
	r.table.Store(t)
	return t
}

func (r *Registry) tab() *htable {
	if r == nil {
		return nil
	}
	return r.table.Load()
}

// Insert registers cb at addr for the vCPUs sel selects. It returns false,
// leaving the existing hook in place, if (addr, sel) is already registered.
func (r *Registry) Insert(addr uint64, sel Selector, cb Callback, data interface{}) bool {
	if r == nil || cb == nil {
		return false
	}
	t := r.tab()
	if t == nil {
		t = r.init()
	}
	e := &Entry{Addr: addr, CPU: sel, Cb: cb, Data: data}
	if !t.insert(e) {
		return false
	}
	r.gen.Add(1)
	return true
}

// Remove unregisters the hook at exactly (addr, sel). A wildcard selector
// only removes the wildcard hook.
func (r *Registry) Remove(addr uint64, sel Selector) bool {
	t := r.tab()
	if t == nil || !t.remove(addr, sel) {
		return false
	}
	r.gen.Add(1)
	return true
}

// Exists reports whether any hook at addr covers sel.
func (r *Registry) Exists(addr uint64, sel Selector) bool {
	t := r.tab()
	if t == nil {
		return false
	}
	for n := t.chain(addr); n != nil; n = n.next {
		if n.e.match(addr, sel) {
			return true
		}
	}
	return false
}

// Find returns the hook at addr covering sel. A hook registered for sel
// itself wins over a wildcard hook at the same address.
func (r *Registry) Find(addr uint64, sel Selector) (*Entry, bool) {
	t := r.tab()
	if t == nil {
		return nil, false
	}
	var wild *Entry
	for n := t.chain(addr); n != nil; n = n.next {
		if !n.e.match(addr, sel) {
			continue
		}
		if n.e.CPU != AllCPUs {
			return n.e, true
		}
		wild = n.e
	}
	return wild, wild != nil
}

// Len returns the number of registered hooks.
func (r *Registry) Len() int {
	t := r.tab()
	if t == nil {
		return 0
	}
	return t.size()
}

// Generation changes every time a hook is added or removed. Translation
// caches compare it to decide whether cached units are stale.
func (r *Registry) Generation() uint64 {
	if r == nil {
		return 0
	}
	return r.gen.Load()
}

// Range calls fn for every hook, in no particular order, until fn returns false.
func (r *Registry) Range(fn func(e *Entry) bool) {
	t := r.tab()
	if t == nil {
		return
	}
	t.walk(fn)
}
