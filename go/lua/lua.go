// Package lua runs hook bodies written in Lua. A script installs hooks with
//
//	instrument(0x100a48, ALL, function(pc)
//	    reg_write("x0", 0)
//	    set_pc(reg_read("lr"))
//	    return true
//	end)
//
// and the returned value is the callback's control-flow result.
package lua

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"

	"github.com/fastproto/fastproto/go/instrument"
	"github.com/fastproto/fastproto/go/models/cpu"
)

// integers above this don't survive a trip through a Lua number
const maxExact = 1 << 53

// largest mem_read a script may ask for
const maxMemRead = 1 << 20

// Script is one Lua state. Hooks from every vCPU run on it one at a time.
type Script struct {
	mu   sync.Mutex
	L    *lua.LState
	reg  *instrument.Registry
	arch *cpu.Arch
	log  logrus.FieldLogger

	// the vCPU of the running hook, nil outside one
	cur cpu.Cpu
}

func New(reg *instrument.Registry, arch *cpu.Arch, log logrus.FieldLogger) *Script {
	s := &Script{L: lua.NewState(), reg: reg, arch: arch, log: log}
	s.bind()
	return s
}

func (s *Script) Close() {
	s.mu.Lock()
	s.L.Close()
	s.mu.Unlock()
}

func (s *Script) DoFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrapf(s.L.DoFile(path), "failed to run %s", path)
}

func (s *Script) DoString(src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrap(s.L.DoString(src), "failed to run script")
}

func (s *Script) bind() {
	L := s.L
	L.SetGlobal("ALL", lua.LNumber(instrument.AllCPUs))
	for name, fn := range map[string]lua.LGFunction{
		"instrument": s.instrumentFunc,
		"remove":     s.removeFunc,
		"reg_read":   s.regReadFunc,
		"reg_write":  s.regWriteFunc,
		"mem_read":   s.memReadFunc,
		"mem_write":  s.memWriteFunc,
		"set_pc":     s.setPcFunc,
		"log":        s.logFunc,
		"int":        s.intFunc,
	} {
		L.SetGlobal(name, L.NewFunction(fn))
	}
}

func pushUint(L *lua.LState, v uint64) {
	if v <= maxExact {
		L.Push(lua.LNumber(v))
	} else {
		L.Push(lua.LString(fmt.Sprintf("%#x", v)))
	}
}

// checkUint takes a number or a numeric string.
func checkUint(L *lua.LState, n int) uint64 {
	switch v := L.CheckAny(n).(type) {
	case lua.LNumber:
		if v < 0 {
			return uint64(int64(v))
		}
		return uint64(v)
	case lua.LString:
		u, err := strconv.ParseUint(string(v), 0, 64)
		if err != nil {
			L.ArgError(n, fmt.Sprintf("invalid number %q", string(v)))
		}
		return u
	}
	L.ArgError(n, "number expected")
	return 0
}

func (s *Script) current(L *lua.LState) cpu.Cpu {
	if s.cur == nil {
		L.RaiseError("no cpu outside a hook")
	}
	return s.cur
}

func (s *Script) checkReg(L *lua.LState, n int) int {
	name := L.CheckString(n)
	enum, ok := s.arch.Reg(name)
	if !ok {
		L.ArgError(n, fmt.Sprintf("unknown register %q", name))
	}
	return enum
}

func (s *Script) selector(L *lua.LState, n int) instrument.Selector {
	i := L.OptInt(n, int(instrument.AllCPUs))
	if i < 0 {
		return instrument.AllCPUs
	}
	return instrument.CPU(i)
}

// instrument(addr, cpu, fn) -> bool
func (s *Script) instrumentFunc(L *lua.LState) int {
	addr := checkUint(L, 1)
	sel := s.selector(L, 2)
	fn := L.CheckFunction(3)
	name := fmt.Sprintf("lua@%#x", addr)
	ok := s.reg.Insert(addr, sel, s.callback(name, fn), name)
	L.Push(lua.LBool(ok))
	return 1
}

// remove(addr, cpu) -> bool
func (s *Script) removeFunc(L *lua.LState) int {
	L.Push(lua.LBool(s.reg.Remove(checkUint(L, 1), s.selector(L, 2))))
	return 1
}

func (s *Script) callback(name string, fn *lua.LFunction) instrument.Callback {
	return func(ctx instrument.Context, pc uint64, _ interface{}) bool {
		c, ok := ctx.(cpu.Cpu)
		if !ok {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cur = c
		defer func() { s.cur = nil }()

		L := s.L
		L.Push(fn)
		pushUint(L, pc)
		L.Push(lua.LNumber(ctx.Index()))
		if err := L.PCall(2, 1, nil); err != nil {
			s.log.WithFields(logrus.Fields{"hook": name, "pc": pc}).WithError(err).Warn("lua hook failed")
			return false
		}
		ret := L.Get(-1)
		L.Pop(1)
		return lua.LVAsBool(ret)
	}
}

func (s *Script) regReadFunc(L *lua.LState) int {
	c := s.current(L)
	val, err := c.RegRead(s.checkReg(L, 1))
	if err != nil {
		L.RaiseError("%v", err)
	}
	pushUint(L, val)
	return 1
}

func (s *Script) regWriteFunc(L *lua.LState) int {
	c := s.current(L)
	if err := c.RegWrite(s.checkReg(L, 1), checkUint(L, 2)); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (s *Script) memReadFunc(L *lua.LState) int {
	c := s.current(L)
	addr, size := checkUint(L, 1), checkUint(L, 2)
	if size > maxMemRead {
		L.ArgError(2, fmt.Sprintf("size %#x exceeds %#x", size, maxMemRead))
	}
	p, err := c.MemRead(addr, size)
	if err != nil {
		L.RaiseError("%v", err)
	}
	L.Push(lua.LString(p))
	return 1
}

func (s *Script) memWriteFunc(L *lua.LState) int {
	c := s.current(L)
	if err := c.MemWrite(checkUint(L, 1), []byte(L.CheckString(2))); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (s *Script) setPcFunc(L *lua.LState) int {
	if err := s.current(L).SetPC(checkUint(L, 1)); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

func (s *Script) logFunc(L *lua.LState) int {
	entry := s.log.WithField("hook", "lua")
	if s.cur != nil {
		entry = entry.WithField("pc", s.cur.PC())
	}
	entry.Info(L.CheckString(1))
	return 0
}

// int("0x10") -> 16
func (s *Script) intFunc(L *lua.LState) int {
	pushUint(L, checkUint(L, 1))
	return 1
}
