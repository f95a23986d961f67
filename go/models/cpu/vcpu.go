package cpu

import (
	"github.com/fastproto/fastproto/go/instrument"
)

// VCPU is one interpreted execution context: a private register file, guest
// memory shared with the other vCPUs of its machine, and the re-entrancy
// marker the instrumentation gate needs.
type VCPU struct {
	*Regs
	*Mem

	arch   *Arch
	index  int
	marker instrument.Marker
}

var _ instrument.Context = (*VCPU)(nil)
var _ Cpu = (*VCPU)(nil)

func NewVCPU(index int, arch *Arch, mem *Mem, enums []int) *VCPU {
	return &VCPU{
		Regs:  NewRegs(arch.Bits, enums),
		Mem:   mem,
		arch:  arch,
		index: index,
	}
}

func (v *VCPU) Arch() *Arch { return v.arch }

func (v *VCPU) Index() int { return v.index }

func (v *VCPU) Marker() *instrument.Marker { return &v.marker }

func (v *VCPU) PC() uint64 {
	pc, _ := v.RegRead(v.arch.PC)
	return pc
}

func (v *VCPU) SetPC(pc uint64) error {
	return v.RegWrite(v.arch.PC, pc)
}
