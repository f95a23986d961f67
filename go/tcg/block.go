// Package tcg is a block-translating interpreter core. It turns guest code
// into translation units, emits instrumentation dispatch points while doing
// so, and executes units on a cpu.VCPU.
//
// tcg ships no instruction decoder. Embedders supply a Frontend for their
// ISA; the ARM64 board in the root package runs on unicorn instead and goes
// through the same Gate.
package tcg

import (
	"github.com/pkg/errors"

	"github.com/fastproto/fastproto/go/instrument"
	"github.com/fastproto/fastproto/go/models/cpu"
)

// DefaultMaxInsns bounds the size of a translation unit.
const DefaultMaxInsns = 64

// Insn is one decoded guest instruction.
type Insn interface {
	Len() uint64
	// Exec runs the instruction and returns the next pc.
	Exec(v *cpu.VCPU) (uint64, error)
	// EndsBlock is true for anything that may not fall through.
	EndsBlock() bool
}

// Frontend decodes guest instructions for one ISA.
type Frontend interface {
	Decode(mem *cpu.Mem, pc uint64) (Insn, error)
}

type op struct {
	pc       uint64
	dispatch bool
	insn     Insn
	// decode error, raised when execution reaches the op
	err error
}

// Block is one translation unit.
type Block struct {
	Start, End uint64
	gen        uint64
	ops        []op
}

// Dispatches lists the addresses in b that call the gate.
func (b *Block) Dispatches() []uint64 {
	var out []uint64
	for _, o := range b.ops {
		if o.dispatch {
			out = append(out, o.pc)
		}
	}
	return out
}

func (b *Block) Len() int {
	n := 0
	for _, o := range b.ops {
		if !o.dispatch {
			n++
		}
	}
	return n
}

type Translator struct {
	Frontend Frontend
	Gate     *instrument.Gate
	MaxInsns int
}

// Translate builds the unit starting at pc for vCPU v, placing a dispatch op
// in front of every instruction the gate reports as hooked for v.
func (t *Translator) Translate(v *cpu.VCPU, pc uint64) (*Block, error) {
	max := t.MaxInsns
	if max <= 0 {
		max = DefaultMaxInsns
	}
	sel := instrument.CPU(v.Index())
	b := &Block{Start: pc, gen: t.Gate.Registry.Generation()}
	for i := 0; i < max; i++ {
		hooked := t.Gate.HasHook(pc, sel)
		if hooked {
			b.ops = append(b.ops, op{pc: pc, dispatch: true})
		}
		insn, err := t.Frontend.Decode(v.Mem, pc)
		if err != nil {
			if i == 0 && !hooked {
				return nil, errors.Wrapf(err, "translate %#x", pc)
			}
			// a hook may redirect before the bad fetch is reached
			b.ops = append(b.ops, op{pc: pc, err: err})
			break
		}
		b.ops = append(b.ops, op{pc: pc, insn: insn})
		pc += insn.Len()
		if insn.EndsBlock() {
			break
		}
	}
	b.End = pc
	return b, nil
}
