package hooks

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/fastproto/fastproto/go/instrument"
	"github.com/fastproto/fastproto/go/models/cpu"
)

const (
	rX0 = iota
	rX1
	rX2
	rX3
	rLR
	rSP
	rPC
)

var testArch = &cpu.Arch{
	Name: "test64", Bits: 64, Order: binary.LittleEndian,
	PC: rPC, SP: rSP, LR: rLR, Ret: rX0, Args: []int{rX0, rX1, rX2, rX3},
}

func makeCpu(t *testing.T) *cpu.VCPU {
	mem := cpu.NewMem(64, binary.LittleEndian)
	if err := mem.Map(0x10000, 0x10000, cpu.PROT_READ|cpu.PROT_WRITE, "data"); err != nil {
		t.Fatal(err)
	}
	v := cpu.NewVCPU(0, testArch, mem, []int{rX0, rX1, rX2, rX3, rLR, rSP, rPC})
	v.SetPC(0x4000)
	v.RegWrite(rLR, 0x4100)
	return v
}

func call(t *testing.T, v *cpu.VCPU, f Func) bool {
	changed, err := f(v, v.PC())
	if err != nil {
		t.Fatal(err)
	}
	return changed
}

func TestReturn(t *testing.T) {
	v := makeCpu(t)
	v.RegWrite(rX0, 7)
	if !call(t, v, Return(0xffff)) {
		t.Fatal("Return did not change control flow")
	}
	if x0, _ := v.RegRead(rX0); x0 != 0xffff {
		t.Fatalf("x0 = %#x", x0)
	}
	if v.PC() != 0x4100 {
		t.Fatalf("pc = %#x", v.PC())
	}
}

func TestSetRegAndStore(t *testing.T) {
	v := makeCpu(t)
	if call(t, v, SetReg(rX3, 0xdead)) {
		t.Fatal("SetReg changed control flow")
	}
	if x3, _ := v.RegRead(rX3); x3 != 0xdead {
		t.Fatalf("x3 = %#x", x3)
	}
	v.RegWrite(rX0, 0x10000)
	v.RegWrite(rX1, 0x10010)
	f := Chain(Store(0, 4, 0x80000000), Store(1, 8, 0x40000000), Return(0))
	if !call(t, v, f) {
		t.Fatal("chain did not end in a return")
	}
	lo, _ := v.ReadUint(0x10000, 4, 0)
	hi, _ := v.ReadUint(0x10010, 8, 0)
	if lo != 0x80000000 || hi != 0x40000000 {
		t.Fatalf("stored %#x %#x", lo, hi)
	}
}

type memmap struct {
	Base uint32
	Size uint32
	Flag uint16
	Pad  uint16
	Name string `struc:"[4]byte"`
}

func TestWriteStruct(t *testing.T) {
	v := makeCpu(t)
	v.RegWrite(rX1, 0x10100)
	mm := &memmap{Base: 0x80000000, Size: 0x100000, Flag: 3, Name: "dram"}
	if !call(t, v, WriteStruct(1, mm)) {
		t.Fatal("WriteStruct did not return")
	}
	p, _ := v.MemRead(0x10100, 16)
	want := []byte{
		0, 0, 0, 0x80,
		0, 0, 0x10, 0,
		3, 0, 0, 0,
		'd', 'r', 'a', 'm',
	}
	if !bytes.Equal(p, want) {
		t.Fatalf("wrote % x", p)
	}
}

func TestWrapError(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.Out = &buf
	v := makeCpu(t)
	v.RegWrite(rX0, 0x90000)
	cb := Wrap(log, "store", Store(0, 4, 1))
	if cb(v, v.PC(), nil) {
		t.Fatal("failed store reported a control flow change")
	}
	if !bytes.Contains(buf.Bytes(), []byte("hook failed")) || !bytes.Contains(buf.Bytes(), []byte("hook=store")) {
		t.Fatalf("log output %q", buf.String())
	}
	buf.Reset()
	if cb(ctxOnly{}, 0, nil) {
		t.Fatal("plain context reported a control flow change")
	}
	if !bytes.Contains(buf.Bytes(), []byte("no register access")) {
		t.Fatalf("log output %q", buf.String())
	}
}

type ctxOnly struct{ m instrument.Marker }

func (ctxOnly) Index() int                   { return 0 }
func (ctxOnly) PC() uint64                   { return 0 }
func (c ctxOnly) Marker() *instrument.Marker { return &c.m }

func TestDigest(t *testing.T) {
	v := makeCpu(t)
	msg := []byte("the quick brown fox")
	v.MemWrite(0x10000, msg)
	d := NewDigest(nil)

	for _, tc := range []struct {
		mode uint64
		sum  []byte
	}{
		{0, func() []byte { s := sha256.Sum256(msg); return s[:] }()},
		{2, func() []byte { s := sha512.Sum384(msg); return s[:] }()},
	} {
		v.RegWrite(rX0, tc.mode)
		call(t, v, d.Init())
		// feed in two pieces
		v.RegWrite(rX0, 0x10000)
		v.RegWrite(rX1, 4)
		call(t, v, d.Update())
		v.RegWrite(rX0, 0x10004)
		v.RegWrite(rX1, uint64(len(msg)-4))
		call(t, v, d.Update())
		v.RegWrite(rX0, 0x11000)
		v.SetPC(0x4000)
		if !call(t, v, d.Finish()) || v.PC() != 0x4100 {
			t.Fatal("Finish did not return")
		}
		got, _ := v.MemRead(0x11000, uint64(len(tc.sum)))
		if !bytes.Equal(got, tc.sum) {
			t.Fatalf("mode %d: digest % x", tc.mode, got)
		}
	}
	v.RegWrite(rX0, 9)
	if _, err := d.Init()(v, 0); err == nil {
		t.Fatal("unknown mode accepted")
	}
	if _, err := d.Finish()(v, 0); err == nil {
		t.Fatal("finish without init accepted")
	}
}

func TestDigestHugeLength(t *testing.T) {
	v := makeCpu(t)
	msg := []byte("abcd")
	v.MemWrite(0x10000, msg)
	d := NewDigest(nil)
	v.RegWrite(rX0, 0)
	call(t, v, d.Init())

	for _, n := range []uint64{1 << 62, 0x10001, ^uint64(0)} {
		v.RegWrite(rX0, 0x10000)
		v.RegWrite(rX1, n)
		v.SetPC(0x4000)
		if _, err := d.Update()(v, 0x4000); err == nil {
			t.Fatalf("update of %#x bytes accepted", n)
		}
		if v.PC() != 0x4000 {
			t.Fatalf("failed update moved pc to %#x", v.PC())
		}
	}
	// the failed updates must not have touched the hash state
	v.RegWrite(rX0, 0x10000)
	v.RegWrite(rX1, uint64(len(msg)))
	call(t, v, d.Update())
	// spans several chunks
	v.RegWrite(rX0, 0x10000)
	v.RegWrite(rX1, 0x3000)
	call(t, v, d.Update())
	v.RegWrite(rX0, 0x1f000)
	call(t, v, d.Finish())

	big, _ := v.MemRead(0x10000, 0x3000)
	want := sha256.Sum256(append(append([]byte(nil), msg...), big...))
	got, _ := v.MemRead(0x1f000, sha256.Size)
	if !bytes.Equal(got, want[:]) {
		t.Fatalf("digest % x", got)
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.Out = &buf
	v := makeCpu(t)
	if call(t, v, Log(log, "reached")) {
		t.Fatal("Log changed control flow")
	}
	if !bytes.Contains(buf.Bytes(), []byte("reached")) {
		t.Fatalf("log output %q", buf.String())
	}
}
