package cpu

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type MemError struct {
	Addr uint64
	Size int
	Enum int
}

func (m *MemError) Error() string {
	reason := "memory error"
	switch m.Enum {
	case MEM_WRITE_UNMAPPED:
		reason = "unmapped write"
	case MEM_READ_UNMAPPED:
		reason = "unmapped read"
	case MEM_FETCH_UNMAPPED:
		reason = "unmapped fetch"
	case MEM_WRITE_PROT:
		reason = "protected write"
	case MEM_READ_PROT:
		reason = "protected read"
	case MEM_FETCH_PROT:
		reason = "protected exec"
	}
	return fmt.Sprintf("%s at %#x(%d)", reason, m.Addr, m.Size)
}

// Region is one mapped range of guest memory.
type Region struct {
	Addr uint64
	Size uint64
	Prot int
	Desc string
	Data []byte
}

func (r *Region) String() string {
	prot := []byte("---")
	for i, c := range "rwx" {
		if r.Prot&(1<<uint(i)) != 0 {
			prot[i] = byte(c)
		}
	}
	s := fmt.Sprintf("%#x-%#x %s", r.Addr, r.Addr+r.Size, prot)
	if r.Desc != "" {
		s += " [" + r.Desc + "]"
	}
	return s
}

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Addr && addr-r.Addr < r.Size
}

func (r *Region) overlaps(addr, size uint64) bool {
	return addr < r.Addr+r.Size && r.Addr < addr+size
}

// Mem is guest physical memory shared by every vCPU of a machine.
// Accesses may span adjacent regions. Safe for concurrent use.
type Mem struct {
	mu      sync.RWMutex
	mask    uint64
	order   binary.ByteOrder
	regions []*Region
}

func NewMem(bits uint, order binary.ByteOrder) *Mem {
	return &Mem{
		mask:  ^uint64(0) >> (64 - bits),
		order: order,
	}
}

func (m *Mem) Order() binary.ByteOrder {
	return m.order
}

// Map creates a zeroed region. Overlapping an existing region is an error.
func (m *Mem) Map(addr, size uint64, prot int, desc string) error {
	if size == 0 {
		return errors.New("zero-sized mapping")
	}
	end := addr + size - 1
	if end < addr || addr&m.mask != addr || end&m.mask != end {
		return errors.Errorf("region %#x+%#x outside memory range", addr, size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if r.overlaps(addr, size) {
			return errors.Errorf("region %#x+%#x overlaps %s", addr, size, r)
		}
	}
	m.regions = append(m.regions, &Region{Addr: addr, Size: size, Prot: prot, Desc: desc, Data: make([]byte, size)})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Addr < m.regions[j].Addr })
	return nil
}

func (m *Mem) MemMapProt(addr, size uint64, prot int) error {
	return m.Map(addr, size, prot, "")
}

// Unmap removes the region starting exactly at addr.
func (m *Mem) Unmap(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regions {
		if r.Addr == addr {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return nil
		}
	}
	return errors.Errorf("no region at %#x", addr)
}

// Regions returns a copy of the region list, sorted by address.
func (m *Mem) Regions() []Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Region, len(m.regions))
	for i, r := range m.regions {
		out[i] = *r
		out[i].Data = nil
	}
	return out
}

// caller holds m.mu
func (m *Mem) find(addr uint64) int {
	i := sort.Search(len(m.regions), func(i int) bool {
		r := m.regions[i]
		return r.Addr+r.Size > addr
	})
	if i < len(m.regions) && m.regions[i].Contains(addr) {
		return i
	}
	return -1
}

// walk calls fn over each region slice backing [addr, addr+size).
// Nothing is touched unless the whole range is mapped with prot.
// caller holds m.mu
func (m *Mem) walk(addr, size uint64, prot int, fn func(data []byte)) (mapped, allowed bool) {
	if addr+size < addr {
		return false, false
	}
	first := m.find(addr)
	if first < 0 {
		return false, false
	}
	allowed = true
	a, end := addr, addr+size
	last := first
	for i := first; i < len(m.regions) && a < end; i++ {
		r := m.regions[i]
		if !r.Contains(a) {
			return false, false
		}
		if prot != 0 && r.Prot&prot != prot {
			allowed = false
		}
		a, last = r.Addr+r.Size, i
	}
	if a < end {
		return false, false
	}
	if !allowed {
		return true, false
	}
	a = addr
	for _, r := range m.regions[first : last+1] {
		o := a - r.Addr
		n := r.Size - o
		if n > end-a {
			n = end - a
		}
		fn(r.Data[o : o+n])
		a += n
	}
	return true, true
}

func (m *Mem) read(addr uint64, p []byte, prot int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	off := 0
	mapped, allowed := m.walk(addr, uint64(len(p)), prot, func(data []byte) {
		off += copy(p[off:], data)
	})
	return readErr(addr, len(p), prot, mapped, allowed)
}

func readErr(addr uint64, size, prot int, mapped, allowed bool) error {
	fetch := prot&PROT_EXEC != 0
	switch {
	case !mapped && fetch:
		return &MemError{Addr: addr, Size: size, Enum: MEM_FETCH_UNMAPPED}
	case !mapped:
		return &MemError{Addr: addr, Size: size, Enum: MEM_READ_UNMAPPED}
	case !allowed && fetch:
		return &MemError{Addr: addr, Size: size, Enum: MEM_FETCH_PROT}
	case !allowed:
		return &MemError{Addr: addr, Size: size, Enum: MEM_READ_PROT}
	}
	return nil
}

func (m *Mem) write(addr uint64, p []byte, prot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := 0
	mapped, allowed := m.walk(addr, uint64(len(p)), prot, func(data []byte) {
		off += copy(data, p[off:])
	})
	if !mapped {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_WRITE_UNMAPPED}
	} else if !allowed {
		return &MemError{Addr: addr, Size: len(p), Enum: MEM_WRITE_PROT}
	}
	return nil
}

// MemReadInto ignores protections, like a debugger access.
func (m *Mem) MemReadInto(p []byte, addr uint64) error {
	return m.read(addr, p, 0)
}

// check returns the error a read of [addr, addr+size) would fault with,
// without allocating the buffer.
func (m *Mem) check(addr, size uint64, prot int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mapped, allowed := m.walk(addr, size, prot, func([]byte) {})
	return readErr(addr, int(size), prot, mapped, allowed)
}

func (m *Mem) MemRead(addr, size uint64) ([]byte, error) {
	if err := m.check(addr, size, 0); err != nil {
		return nil, err
	}
	p := make([]byte, size)
	if err := m.MemReadInto(p, addr); err != nil {
		return nil, err
	}
	return p, nil
}

// MemWrite ignores protections, like a debugger access.
func (m *Mem) MemWrite(addr uint64, p []byte) error {
	return m.write(addr, p, 0)
}

// ReadProt reads while checking protections, for guest accesses.
func (m *Mem) ReadProt(addr, size uint64, prot int) ([]byte, error) {
	if err := m.check(addr, size, prot); err != nil {
		return nil, err
	}
	p := make([]byte, size)
	if err := m.read(addr, p, prot); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteProt writes while checking protections, for guest accesses.
func (m *Mem) WriteProt(addr uint64, p []byte, prot int) error {
	return m.write(addr, p, prot)
}

func (m *Mem) ReadUint(addr uint64, size, prot int) (uint64, error) {
	if size > 8 {
		return 0, errors.Errorf("ReadUint size too large: %d > 8", size)
	}
	var buf [8]byte
	if err := m.read(addr, buf[:size], prot); err != nil {
		return 0, err
	}
	return UnpackUint(m.order, size, buf[:size])
}

func (m *Mem) WriteUint(addr uint64, size, prot int, val uint64) error {
	var buf [8]byte
	p, err := PackUint(m.order, size, buf[:], val)
	if err != nil {
		return err
	}
	return m.write(addr, p, prot)
}

func PackUint(order binary.ByteOrder, size int, buf []byte, n uint64) ([]byte, error) {
	if buf == nil {
		buf = make([]byte, size)
	} else if len(buf) < size {
		return nil, errors.Errorf("buffer too small (%d < %d)", len(buf), size)
	}
	switch size {
	case 8:
		order.PutUint64(buf, n)
	case 4:
		order.PutUint32(buf, uint32(n))
	case 2:
		order.PutUint16(buf, uint16(n))
	case 1:
		buf[0] = byte(n)
	default:
		return nil, errors.Errorf("unsupported uint size: %d", size)
	}
	return buf[:size], nil
}

func UnpackUint(order binary.ByteOrder, size int, buf []byte) (uint64, error) {
	if len(buf) < size {
		return 0, errors.Errorf("buffer too small (%d < %d)", len(buf), size)
	}
	switch size {
	case 8:
		return order.Uint64(buf), nil
	case 4:
		return uint64(order.Uint32(buf)), nil
	case 2:
		return uint64(order.Uint16(buf)), nil
	case 1:
		return uint64(buf[0]), nil
	default:
		return 0, errors.Errorf("unsupported uint size: %d", size)
	}
}
