package instrument

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Gate connects the translator and the execution engine to a Registry.
type Gate struct {
	Registry *Registry
	// Tracer, if set, sees every hook that fires.
	Tracer Tracer
	// Log receives a Trace-level line per fired hook. nil disables it.
	Log logrus.FieldLogger
}

// NewGate creates a gate over reg and runs Init on ctxs.
// Call it after every vCPU exists and before anything is translated.
func NewGate(reg *Registry, ctxs ...Context) *Gate {
	g := &Gate{Registry: reg, Log: logrus.StandardLogger()}
	g.Init(ctxs...)
	return g
}

// Init creates the registry table if needed and clears each vCPU's marker.
func (g *Gate) Init(ctxs ...Context) {
	g.Registry.Init()
	for _, c := range ctxs {
		c.Marker().Reset()
	}
}

// HasHook is the translation-time check: does addr need a dispatch call for
// the vCPUs sel selects?
func (g *Gate) HasHook(addr uint64, sel Selector) bool {
	if g == nil {
		return false
	}
	return g.Registry.Exists(addr, sel)
}

// Dispatch runs the hook for ctx's current pc, if there is one, and returns
// its result. True means the caller must discard the rest of the current
// translation unit and resume at ctx.PC().
//
// Arriving again at the address whose hook fired last, with no progress in
// between, clears the marker and runs nothing.
func (g *Gate) Dispatch(ctx Context) bool {
	if g == nil {
		return false
	}
	pc := ctx.PC()
	m := ctx.Marker()
	if m.Is(pc) {
		m.Reset()
		return false
	}
	e, ok := g.Registry.Find(pc, CPU(ctx.Index()))
	if !ok {
		return false
	}
	m.Set(pc)
	changed := e.Cb(ctx, pc, e.Data)
	if traceEnabled(g.Log) {
		g.Log.WithFields(logrus.Fields{
			"cpu":     ctx.Index(),
			"pc":      fmt.Sprintf("%#x", pc),
			"changed": changed,
		}).Trace("instrument hit")
	}
	if g.Tracer != nil {
		g.Tracer.Hit(ctx.Index(), pc, changed)
	}
	return changed
}

// traceEnabled skips building fields for a hit nobody will see. Loggers
// without a level check are always asked.
func traceEnabled(log logrus.FieldLogger) bool {
	switch l := log.(type) {
	case nil:
		return false
	case *logrus.Logger:
		return l.IsLevelEnabled(logrus.TraceLevel)
	case *logrus.Entry:
		return l.Logger.IsLevelEnabled(logrus.TraceLevel)
	}
	return true
}
