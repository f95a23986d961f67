// Package hooks has ready-made hook bodies for firmware emulation: skip a
// routine with a fixed return value, patch registers on the way through,
// fabricate structures a missing peripheral would have filled in.
//
// Bodies follow the calling convention of the vCPU's cpu.Arch: arguments in
// Arch.Args, result in Arch.Ret, return address in Arch.LR.
package hooks

import (
	"bytes"
	"fmt"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/fastproto/fastproto/go/instrument"
	"github.com/fastproto/fastproto/go/models/cpu"
)

// Func is a hook body with register and memory access.
type Func func(c cpu.Cpu, pc uint64) (bool, error)

// Wrap turns f into an instrument.Callback. Errors are logged to log and
// treated as "no control flow change", so the guest code under the hook
// runs. A nil log uses the standard logger.
func Wrap(log logrus.FieldLogger, name string, f Func) instrument.Callback {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("hook", name)
	return func(ctx instrument.Context, pc uint64, _ interface{}) bool {
		c, ok := ctx.(cpu.Cpu)
		if !ok {
			log.Errorf("context %T has no register access", ctx)
			return false
		}
		changed, err := f(c, pc)
		if err != nil {
			log.WithField("pc", fmt.Sprintf("%#x", pc)).WithError(err).Warn("hook failed")
			return false
		}
		return changed
	}
}

// Arg reads argument register n.
func Arg(c cpu.Cpu, n int) (uint64, error) {
	r := c.Arch().Arg(n)
	if r < 0 {
		return 0, errors.Errorf("no register for argument %d", n)
	}
	return c.RegRead(r)
}

// ReturnFrom sets the return value and jumps to the link register, as if the
// routine under the hook had executed and returned.
func ReturnFrom(c cpu.Cpu, val uint64) (bool, error) {
	a := c.Arch()
	if err := c.RegWrite(a.Ret, val); err != nil {
		return false, err
	}
	lr, err := c.RegRead(a.LR)
	if err != nil {
		return false, err
	}
	if err := c.SetPC(lr); err != nil {
		return false, err
	}
	return true, nil
}

// Return skips the hooked routine, returning val.
func Return(val uint64) Func {
	return func(c cpu.Cpu, pc uint64) (bool, error) {
		return ReturnFrom(c, val)
	}
}

// SetReg overwrites a register and lets the guest continue.
func SetReg(reg int, val uint64) Func {
	return func(c cpu.Cpu, pc uint64) (bool, error) {
		return false, c.RegWrite(reg, val)
	}
}

// Store writes a size-byte value to the guest pointer held in argument n and
// lets the guest continue.
func Store(n, size int, val uint64) Func {
	return func(c cpu.Cpu, pc uint64) (bool, error) {
		addr, err := Arg(c, n)
		if err != nil {
			return false, err
		}
		var buf [8]byte
		p, err := cpu.PackUint(c.Arch().Order, size, buf[:], val)
		if err != nil {
			return false, err
		}
		return false, errors.Wrapf(c.MemWrite(addr, p), "store to %#x", addr)
	}
}

// WriteStruct packs v with struc into the guest buffer pointed to by
// argument n, then returns 0 from the routine.
func WriteStruct(n int, v interface{}) Func {
	return func(c cpu.Cpu, pc uint64) (bool, error) {
		addr, err := Arg(c, n)
		if err != nil {
			return false, err
		}
		var buf bytes.Buffer
		if err := struc.PackWithOptions(&buf, v, &struc.Options{Order: c.Arch().Order}); err != nil {
			return false, errors.Wrap(err, "failed to pack struct")
		}
		if err := c.MemWrite(addr, buf.Bytes()); err != nil {
			return false, errors.Wrapf(err, "write struct to %#x", addr)
		}
		return ReturnFrom(c, 0)
	}
}

// Chain runs each body in order and stops at the first one that changes
// control flow.
func Chain(fs ...Func) Func {
	return func(c cpu.Cpu, pc uint64) (bool, error) {
		for _, f := range fs {
			changed, err := f(c, pc)
			if err != nil || changed {
				return changed, err
			}
		}
		return false, nil
	}
}

// Log records each arrival and lets the guest continue.
func Log(log logrus.FieldLogger, msg string) Func {
	return func(c cpu.Cpu, pc uint64) (bool, error) {
		log.WithField("pc", pc).Info(msg)
		return false, nil
	}
}
