package cpu

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/lunixbochs/fvbommel-util/sortorder"
)

// Arch describes the registers a hook body needs to follow the guest's
// calling convention.
type Arch struct {
	Name  string
	Bits  uint
	Order binary.ByteOrder

	PC, SP int
	// link register holding the return address
	LR int
	// return value register
	Ret  int
	Args []int

	// register enums by lowercase name
	Regs map[string]int
}

// Reg looks up a register by name.
func (a *Arch) Reg(name string) (int, bool) {
	enum, ok := a.Regs[strings.ToLower(name)]
	return enum, ok
}

// RegNames lists register names in natural order (x2 before x10).
func (a *Arch) RegNames() []string {
	names := make([]string, 0, len(a.Regs))
	for name := range a.Regs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return sortorder.NaturalLess(names[i], names[j]) })
	return names
}

// Arg returns the register enum for argument n, or -1.
func (a *Arch) Arg(n int) int {
	if n < 0 || n >= len(a.Args) {
		return -1
	}
	return a.Args[n]
}

// This interface is the state a hook body and an execution engine share:
// registers, guest memory and the program counter.
type Cpu interface {
	Arch() *Arch

	// register IO
	RegRead(reg int) (uint64, error)
	RegWrite(reg int, val uint64) error

	// memory IO
	MemRead(addr, size uint64) ([]byte, error)
	MemReadInto(p []byte, addr uint64) error
	MemWrite(addr uint64, p []byte) error

	PC() uint64
	SetPC(pc uint64) error
}
