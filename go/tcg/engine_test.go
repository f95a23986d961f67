package tcg

import (
	"context"
	"encoding/binary"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"

	"github.com/fastproto/fastproto/go/instrument"
	"github.com/fastproto/fastproto/go/models/cpu"
)

// a tiny fixed-width test ISA: [op, reg, imm16]
const (
	opNop    = 0x00
	opAddi   = 0x01
	opJmp    = 0x02
	opDecBnz = 0x03
	opRet    = 0x04
)

const (
	rLR = 14
	rPC = 15
)

var testArch = &cpu.Arch{
	Name: "t4", Bits: 32, Order: binary.LittleEndian,
	PC: rPC, SP: 13, LR: rLR, Ret: 0, Args: []int{0, 1, 2, 3},
}

var testEnums = func() []int {
	enums := make([]int, 16)
	for i := range enums {
		enums[i] = i
	}
	return enums
}()

type t4Insn struct {
	op, reg byte
	imm     uint64
}

func (i *t4Insn) Len() uint64 { return 4 }

func (i *t4Insn) EndsBlock() bool {
	return i.op == opJmp || i.op == opDecBnz || i.op == opRet
}

func (i *t4Insn) Exec(v *cpu.VCPU) (uint64, error) {
	pc := v.PC()
	r := int(i.reg)
	switch i.op {
	case opNop:
	case opAddi:
		val, err := v.RegRead(r)
		if err != nil {
			return 0, err
		}
		v.RegWrite(r, val+i.imm)
	case opJmp:
		return i.imm, nil
	case opDecBnz:
		val, _ := v.RegRead(r)
		v.RegWrite(r, val-1)
		if val-1 != 0 {
			return i.imm, nil
		}
	case opRet:
		return v.RegRead(rLR)
	}
	return pc + 4, nil
}

type t4 struct{}

func (t4) Decode(mem *cpu.Mem, pc uint64) (Insn, error) {
	p, err := mem.ReadProt(pc, 4, cpu.PROT_EXEC)
	if err != nil {
		return nil, err
	}
	if p[0] > opRet {
		return nil, errors.Errorf("invalid opcode %#x", p[0])
	}
	return &t4Insn{op: p[0], reg: p[1], imm: uint64(binary.LittleEndian.Uint16(p[2:]))}, nil
}

func asm(ops ...[3]uint16) []byte {
	out := make([]byte, 0, len(ops)*4)
	for _, o := range ops {
		out = append(out, byte(o[0]), byte(o[1]))
		out = binary.LittleEndian.AppendUint16(out, o[2])
	}
	return out
}

func makeMachine(t *testing.T, ncpu int, code map[uint64][]byte) (*Machine, *instrument.Registry) {
	registry := instrument.NewRegistry(16)
	m, err := NewMachine(testArch, testEnums, t4{}, ncpu, registry)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Mem.Map(0x1000, 0x2000, cpu.PROT_ALL, "code"); err != nil {
		t.Fatal(err)
	}
	for addr, p := range code {
		if err := m.Mem.MemWrite(addr, p); err != nil {
			t.Fatal(err)
		}
	}
	return m, registry
}

func reg(t *testing.T, v *cpu.VCPU, r int) uint64 {
	val, err := v.RegRead(r)
	if err != nil {
		t.Fatal(err)
	}
	return val
}

func TestTranslateEmitsDispatch(t *testing.T) {
	m, r := makeMachine(t, 2, map[uint64][]byte{
		0x1000: asm([3]uint16{opNop}, [3]uint16{opAddi, 1, 1}, [3]uint16{opNop}, [3]uint16{opJmp, 0, 0x1000}),
	})
	r.Insert(0x1004, 0, func(instrument.Context, uint64, interface{}) bool { return false }, nil)
	r.Insert(0x100c, instrument.AllCPUs, func(instrument.Context, uint64, interface{}) bool { return false }, nil)

	b, err := m.Engines[0].Translate(m.Cpu(0), 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if d := b.Dispatches(); len(d) != 2 || d[0] != 0x1004 || d[1] != 0x100c {
		t.Fatalf("cpu0 dispatches %#x", d)
	}
	if b.Len() != 4 || b.End != 0x1010 {
		t.Fatalf("block has %d insns, ends at %#x", b.Len(), b.End)
	}
	b, _ = m.Engines[1].Translate(m.Cpu(1), 0x1000)
	if d := b.Dispatches(); len(d) != 1 || d[0] != 0x100c {
		t.Fatalf("cpu1 dispatches %#x", d)
	}
	if _, err := m.Engines[0].Translate(m.Cpu(0), 0x8000); err == nil {
		t.Fatal("translated unmapped code")
	}
}

// a hook replaces a routine that cannot even be decoded
func TestHookSkipsRoutine(t *testing.T) {
	m, r := makeMachine(t, 1, map[uint64][]byte{
		0x1000: asm([3]uint16{opAddi, 1, 1}, [3]uint16{opJmp, 0, 0x2000}, [3]uint16{opAddi, 2, 1}),
		0x2000: {0xff, 0xff, 0xff, 0xff},
	})
	hits := 0
	r.Insert(0x2000, instrument.AllCPUs, func(ctx instrument.Context, pc uint64, data interface{}) bool {
		hits++
		v := ctx.(*cpu.VCPU)
		v.RegWrite(0, data.(uint64))
		lr, _ := v.RegRead(rLR)
		v.SetPC(lr)
		return true
	}, uint64(42))

	v := m.Cpu(0)
	v.RegWrite(rLR, 0x1008)
	if err := m.Run(context.Background(), 0x1000, 0x100c); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Fatalf("hook ran %d times", hits)
	}
	if reg(t, v, 0) != 42 || reg(t, v, 1) != 1 || reg(t, v, 2) != 1 {
		t.Fatalf("registers r0=%d r1=%d r2=%d", reg(t, v, 0), reg(t, v, 1), reg(t, v, 2))
	}
}

// a hook that reports a control flow change without moving pc fires once,
// then the instruction under it runs
func TestHookReentry(t *testing.T) {
	m, r := makeMachine(t, 1, map[uint64][]byte{
		0x1000: asm([3]uint16{opNop}, [3]uint16{opAddi, 1, 1}, [3]uint16{opNop}),
	})
	hits := 0
	r.Insert(0x1004, instrument.AllCPUs, func(instrument.Context, uint64, interface{}) bool {
		hits++
		return true
	}, nil)
	if err := m.Run(context.Background(), 0x1000, 0x100c); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Fatalf("hook ran %d times", hits)
	}
	if reg(t, m.Cpu(0), 1) != 1 {
		t.Fatal("instruction under the hook did not run exactly once")
	}
}

// every iteration of a loop is a new arrival
func TestHookLoop(t *testing.T) {
	m, r := makeMachine(t, 1, map[uint64][]byte{
		0x1000: asm([3]uint16{opAddi, 2, 1}, [3]uint16{opDecBnz, 1, 0x1000}),
	})
	hits := 0
	r.Insert(0x1000, 0, func(instrument.Context, uint64, interface{}) bool {
		hits++
		return false
	}, nil)
	v := m.Cpu(0)
	v.RegWrite(1, 5)
	if err := m.Run(context.Background(), 0x1000, 0x1008); err != nil {
		t.Fatal(err)
	}
	if hits != 5 || reg(t, v, 2) != 5 {
		t.Fatalf("hook ran %d times, r2=%d", hits, reg(t, v, 2))
	}
}

func TestCacheInvalidation(t *testing.T) {
	m, r := makeMachine(t, 1, map[uint64][]byte{
		0x1000: asm([3]uint16{opNop}, [3]uint16{opNop}),
	})
	if err := m.Run(context.Background(), 0x1000, 0x1008); err != nil {
		t.Fatal(err)
	}
	hits := 0
	r.Insert(0x1004, instrument.AllCPUs, func(instrument.Context, uint64, interface{}) bool {
		hits++
		return false
	}, nil)
	if err := m.Run(context.Background(), 0x1000, 0x1008); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Fatalf("cached unit ignored a new hook: %d hits", hits)
	}
	r.Remove(0x1004, instrument.AllCPUs)
	if err := m.Run(context.Background(), 0x1000, 0x1008); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Fatalf("cached unit kept a removed hook: %d hits", hits)
	}
}

func TestMachineConcurrent(t *testing.T) {
	const ncpu = 4
	m, r := makeMachine(t, ncpu, map[uint64][]byte{
		0x1000: asm([3]uint16{opAddi, 2, 1}, [3]uint16{opDecBnz, 1, 0x1000}),
	})
	var hits int64
	r.Insert(0x1000, instrument.AllCPUs, func(ctx instrument.Context, pc uint64, data interface{}) bool {
		atomic.AddInt64(&hits, 1)
		return false
	}, nil)
	for i := 0; i < ncpu; i++ {
		m.Cpu(i).RegWrite(1, 100)
	}
	if err := m.Run(context.Background(), 0x1000, 0x1008); err != nil {
		t.Fatal(err)
	}
	if hits != ncpu*100 {
		t.Fatalf("hits %d, want %d", hits, ncpu*100)
	}
	for i := 0; i < ncpu; i++ {
		if reg(t, m.Cpu(i), 2) != 100 {
			t.Fatalf("cpu%d r2=%d", i, reg(t, m.Cpu(i), 2))
		}
	}
}

func TestLimitAndCancel(t *testing.T) {
	m, _ := makeMachine(t, 1, map[uint64][]byte{
		0x1000: asm([3]uint16{opJmp, 0, 0x1000}),
	})
	e := m.Engines[0]
	e.Limit = 1000
	if err := m.Run(context.Background(), 0x1000, 0x2000); err != ErrLimit {
		t.Fatalf("infinite loop returned %v", err)
	}
	e.Limit = 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Run(ctx, 0x2000); errors.Cause(err) != context.Canceled {
		t.Fatalf("cancelled run returned %v", err)
	}
}

func TestFault(t *testing.T) {
	m, _ := makeMachine(t, 1, map[uint64][]byte{
		0x1000: asm([3]uint16{opNop}, [3]uint16{0x7f}),
	})
	if err := m.Run(context.Background(), 0x1000, 0x2000); err == nil {
		t.Fatal("invalid opcode did not fault")
	}
	if pc := m.Cpu(0).PC(); pc != 0x1004 {
		t.Fatalf("faulted at %#x", pc)
	}
}

func TestSetPCError(t *testing.T) {
	mem := cpu.NewMem(32, binary.LittleEndian)
	if err := mem.Map(0, 0x1000, cpu.PROT_ALL, "code"); err != nil {
		t.Fatal(err)
	}
	// no pc register, so every pc write fails and PC reads as 0
	v := cpu.NewVCPU(0, testArch, mem, testEnums[:rPC])
	gate := instrument.NewGate(instrument.NewRegistry(16), v)
	gate.Log = nil
	e, err := NewEngine(v, t4{}, gate, 0)
	if err != nil {
		t.Fatal(err)
	}
	err = e.Run(context.Background(), 0x2000)
	if err == nil || !strings.Contains(err.Error(), "set pc after 0") {
		t.Fatalf("run returned %v", err)
	}
	if e.Count() != 0 {
		t.Fatalf("counted %d instructions", e.Count())
	}
}
