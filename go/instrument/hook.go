// Package instrument injects callbacks at guest virtual addresses.
//
// Hooks are invisible to the guest and to debuggers: the translator asks
// HasHook while building a translation unit and emits a call to Dispatch at
// every instrumented address. A hook returning true tells the execution
// engine to abandon the rest of the unit and refetch at the current pc.
package instrument

import (
	"fmt"
)

// Selector picks the vCPU a hook applies to.
type Selector int

// AllCPUs matches every vCPU.
const AllCPUs Selector = -1

// CPU selects a single vCPU by index.
func CPU(index int) Selector {
	return Selector(index)
}

func (s Selector) String() string {
	if s == AllCPUs {
		return "all"
	}
	return fmt.Sprintf("cpu%d", int(s))
}

// Matches reports whether a hook registered for s covers a query for q.
// Either side being AllCPUs matches.
func (s Selector) Matches(q Selector) bool {
	return s == AllCPUs || q == AllCPUs || s == q
}

// Context is one execution context (vCPU) as seen by the gate.
type Context interface {
	Index() int
	PC() uint64
	Marker() *Marker
}

// Callback is invoked with the vCPU, the hooked address and the Data the hook
// was registered with. It returns true if it changed control flow (wrote pc,
// or otherwise needs the current translation unit discarded).
type Callback func(ctx Context, pc uint64, data interface{}) bool

// Entry is one registered hook. Entries are never modified after insertion.
type Entry struct {
	Addr uint64
	CPU  Selector
	Cb   Callback
	Data interface{}
}

func (e *Entry) String() string {
	return fmt.Sprintf("hook(%#x, %s)", e.Addr, e.CPU)
}

// match is the lookup predicate: same address, compatible selector.
func (e *Entry) match(addr uint64, sel Selector) bool {
	return e.Addr == addr && e.CPU.Matches(sel)
}

// same is the identity predicate used by insert and remove.
func (e *Entry) same(addr uint64, sel Selector) bool {
	return e.Addr == addr && e.CPU == sel
}

// Tracer observes every hook the gate fires.
type Tracer interface {
	Hit(cpu int, pc uint64, changed bool)
}
