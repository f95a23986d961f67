package instrument

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/twmb/murmur3"
)

// DefaultSize is the initial bucket count of a registry table.
const DefaultSize = 1 << 15

// chain nodes are immutable once published; writers replace whole prefixes
type node struct {
	e    *Entry
	next *node
}

type buckets struct {
	mask  uint64
	heads []atomic.Pointer[node]
}

func newBuckets(n int) *buckets {
	size := 1
	for size < n {
		size <<= 1
	}
	return &buckets{
		mask:  uint64(size - 1),
		heads: make([]atomic.Pointer[node], size),
	}
}

func (b *buckets) head(hash uint64) *atomic.Pointer[node] {
	return &b.heads[hash&b.mask]
}

func (b *buckets) push(hash uint64, e *Entry) {
	h := b.head(hash)
	h.Store(&node{e: e, next: h.Load()})
}

func hashAddr(addr uint64) uint64 {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], addr)
	return murmur3.Sum64(tmp[:])
}

// htable is a read-copy-update hash table of entries keyed by address hash.
// Readers load the bucket array and walk immutable chains without locking.
// Writers serialize on mu and publish new chain heads with atomic stores.
// Growth builds a complete new array before swapping it in, so a reader
// sees either the old table or the new one.
type htable struct {
	mu     sync.Mutex
	cur    atomic.Pointer[buckets]
	count  int
	resize bool
}

func newHtable(size int, resize bool) *htable {
	t := &htable{resize: resize}
	t.cur.Store(newBuckets(size))
	return t
}

// chain returns the head of addr's bucket. The chain may hold entries for
// other addresses; callers decide equality.
func (t *htable) chain(addr uint64) *node {
	b := t.cur.Load()
	if b == nil {
		return nil
	}
	return b.head(hashAddr(addr)).Load()
}

// insert adds e unless an entry with the same address and selector exists.
func (t *htable) insert(e *Entry) bool {
	hash := hashAddr(e.Addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.cur.Load()
	for n := b.head(hash).Load(); n != nil; n = n.next {
		if n.e.same(e.Addr, e.CPU) {
			return false
		}
	}
	b.push(hash, e)
	t.count++
	if t.resize && t.count > len(b.heads) {
		t.grow(b)
	}
	return true
}

// remove unlinks the exact (addr, sel) entry by copying the chain prefix
// in front of it.
func (t *htable) remove(addr uint64, sel Selector) bool {
	hash := hashAddr(addr)
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.cur.Load().head(hash)
	var prefix []*Entry
	for n := h.Load(); n != nil; n = n.next {
		if n.e.same(addr, sel) {
			rest := n.next
			for i := len(prefix) - 1; i >= 0; i-- {
				rest = &node{e: prefix[i], next: rest}
			}
			h.Store(rest)
			t.count--
			return true
		}
		prefix = append(prefix, n.e)
	}
	return false
}

// caller holds t.mu
func (t *htable) grow(old *buckets) {
	b := newBuckets(len(old.heads) * 2)
	for i := range old.heads {
		var chain []*Entry
		for n := old.heads[i].Load(); n != nil; n = n.next {
			chain = append(chain, n.e)
		}
		// push in reverse to keep insertion order within each new chain
		for j := len(chain) - 1; j >= 0; j-- {
			b.push(hashAddr(chain[j].Addr), chain[j])
		}
	}
	t.cur.Store(b)
}

func (t *htable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *htable) nbuckets() int {
	return len(t.cur.Load().heads)
}

// walk visits every entry until fn returns false.
func (t *htable) walk(fn func(e *Entry) bool) {
	b := t.cur.Load()
	for i := range b.heads {
		for n := b.heads[i].Load(); n != nil; n = n.next {
			if !fn(n.e) {
				return
			}
		}
	}
}
