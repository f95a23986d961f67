package cpu

import (
	"github.com/pkg/errors"
)

// Regs is a register file keyed by arbitrary enums and masked to the
// address width. Each vCPU owns one; it is not synchronized.
type Regs struct {
	mask  uint64
	index map[int]int
	vals  []uint64
}

func NewRegs(bits uint, enums []int) *Regs {
	r := &Regs{
		mask:  ^uint64(0) >> (64 - bits),
		index: make(map[int]int, len(enums)),
	}
	for _, e := range enums {
		if _, ok := r.index[e]; !ok {
			r.index[e] = len(r.vals)
			r.vals = append(r.vals, 0)
		}
	}
	return r
}

func (r *Regs) RegRead(enum int) (uint64, error) {
	i, ok := r.index[enum]
	if !ok {
		return 0, errors.Errorf("invalid register %d", enum)
	}
	return r.vals[i], nil
}

func (r *Regs) RegWrite(enum int, val uint64) error {
	i, ok := r.index[enum]
	if !ok {
		return errors.Errorf("invalid register %d", enum)
	}
	r.vals[i] = val & r.mask
	return nil
}

// ContextSave copies every register value, reusing a previous snapshot's
// storage when one is passed in.
func (r *Regs) ContextSave(reuse []uint64) []uint64 {
	return append(reuse[:0], r.vals...)
}

func (r *Regs) ContextRestore(ctx []uint64) error {
	if len(ctx) != len(r.vals) {
		return errors.Errorf("context has %d registers, want %d", len(ctx), len(r.vals))
	}
	copy(r.vals, ctx)
	return nil
}
