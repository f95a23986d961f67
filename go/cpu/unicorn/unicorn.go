package unicorn

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/fastproto/fastproto/go/instrument"
	"github.com/fastproto/fastproto/go/models/cpu"
)

const pageSize = 0x1000

var Arm64 = &cpu.Arch{
	Name:  "arm64",
	Bits:  64,
	Order: binary.LittleEndian,
	PC:    uc.ARM64_REG_PC,
	SP:    uc.ARM64_REG_SP,
	LR:    uc.ARM64_REG_X30,
	Ret:   uc.ARM64_REG_X0,
	Args: []int{
		uc.ARM64_REG_X0, uc.ARM64_REG_X1, uc.ARM64_REG_X2, uc.ARM64_REG_X3,
		uc.ARM64_REG_X4, uc.ARM64_REG_X5, uc.ARM64_REG_X6, uc.ARM64_REG_X7,
	},
	Regs: arm64Regs(),
}

func arm64Regs() map[string]int {
	regs := map[string]int{
		"x29": uc.ARM64_REG_X29,
		"fp":  uc.ARM64_REG_X29,
		"x30": uc.ARM64_REG_X30,
		"lr":  uc.ARM64_REG_X30,
		"sp":  uc.ARM64_REG_SP,
		"pc":  uc.ARM64_REG_PC,
	}
	// x0-x28 are contiguous in unicorn's enum
	for i := 0; i <= 28; i++ {
		regs[fmt.Sprintf("x%d", i)] = uc.ARM64_REG_X0 + i
	}
	return regs
}

type Builder struct {
	Arch   *cpu.Arch
	UcArch int
	UcMode int
}

var Arm64Builder = &Builder{Arch: Arm64, UcArch: uc.ARCH_ARM64, UcMode: uc.MODE_ARM}

func (b *Builder) New(index int) (*UnicornCpu, error) {
	u, err := uc.NewUnicorn(b.UcArch, b.UcMode)
	if err != nil {
		return nil, errors.Wrap(err, "NewUnicorn() failed")
	}
	return &UnicornCpu{Unicorn: u, arch: b.Arch, index: index}, nil
}

// UnicornCpu is one vCPU backed by a unicorn instance. Registers and
// memory come straight from unicorn.
type UnicornCpu struct {
	uc.Unicorn

	arch    *cpu.Arch
	index   int
	marker  instrument.Marker
	gate    *instrument.Gate
	restart bool
}

var _ cpu.Cpu = (*UnicornCpu)(nil)
var _ instrument.Context = (*UnicornCpu)(nil)

func (u *UnicornCpu) Arch() *cpu.Arch { return u.arch }

func (u *UnicornCpu) Index() int { return u.index }

func (u *UnicornCpu) Marker() *instrument.Marker { return &u.marker }

func (u *UnicornCpu) PC() uint64 {
	pc, _ := u.RegRead(u.arch.PC)
	return pc
}

func (u *UnicornCpu) SetPC(pc uint64) error {
	return u.RegWrite(u.arch.PC, pc)
}

// Map maps [addr, addr+size) rounded out to whole pages.
func (u *UnicornCpu) Map(addr, size uint64, prot int) error {
	start := addr &^ (pageSize - 1)
	end := (addr + size + pageSize - 1) &^ (pageSize - 1)
	if err := u.MemMapProt(start, end-start, prot); err != nil {
		return errors.Wrapf(err, "map %#x-%#x", start, end)
	}
	return nil
}

// Attach routes every executed instruction through gate. Must be called
// before Run; the gate must have been initialized over this cpu.
func (u *UnicornCpu) Attach(gate *instrument.Gate) error {
	u.gate = gate
	sel := instrument.CPU(u.index)
	_, err := u.HookAdd(uc.HOOK_CODE, func(_ uc.Unicorn, addr uint64, size uint32) {
		u.marker.Progress(addr)
		if !gate.HasHook(addr, sel) {
			return
		}
		if gate.Dispatch(u) {
			// drop the current block and resume at the new pc
			u.restart = true
			u.Stop()
		}
	}, 1, 0)
	return errors.Wrap(err, "failed to add code hook")
}

// Run emulates from begin until pc reaches until or ctx is done. Emulation
// restarts at the current pc whenever a hook changed control flow.
func (u *UnicornCpu) Run(ctx context.Context, begin, until uint64) error {
	if u.gate == nil {
		return errors.New("cpu has no gate attached")
	}
	var cancelled atomic.Bool
	stop := context.AfterFunc(ctx, func() {
		cancelled.Store(true)
		u.Stop()
	})
	defer stop()
	pc := begin
	for {
		u.restart = false
		if err := u.Start(pc, until); err != nil {
			return errors.Wrapf(err, "cpu%d emulation failed at %#x", u.index, u.PC())
		}
		if cancelled.Load() {
			return errors.Wrapf(ctx.Err(), "cpu%d stopped at %#x", u.index, u.PC())
		}
		if !u.restart {
			return nil
		}
		pc = u.PC()
		if pc == until {
			return nil
		}
		u.marker.Progress(pc)
	}
}
