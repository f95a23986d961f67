package tcg

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/fastproto/fastproto/go/instrument"
	"github.com/fastproto/fastproto/go/models/cpu"
)

const DefaultCacheSize = 4096

var ErrLimit = errors.New("instruction limit reached")

// Engine translates and runs code on one vCPU. Translation units are cached
// by start address and dropped once the hook registry changes.
type Engine struct {
	Translator
	// Limit stops Run with ErrLimit after this many instructions (0 = none).
	Limit uint64

	cpu   *cpu.VCPU
	cache *lru.Cache[uint64, *Block]
	count uint64
	stop  atomic.Bool
}

func NewEngine(v *cpu.VCPU, fe Frontend, gate *instrument.Gate, cacheSize int) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[uint64, *Block](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create block cache")
	}
	return &Engine{
		Translator: Translator{Frontend: fe, Gate: gate},
		cpu:        v,
		cache:      cache,
	}, nil
}

func (e *Engine) Cpu() *cpu.VCPU { return e.cpu }

// Count returns the number of instructions executed so far.
func (e *Engine) Count() uint64 { return atomic.LoadUint64(&e.count) }

// Stop makes Run return at the next unit boundary. Safe from any goroutine.
func (e *Engine) Stop() { e.stop.Store(true) }

// Flush drops every cached unit.
func (e *Engine) Flush() { e.cache.Purge() }

func (e *Engine) block(pc uint64) (*Block, error) {
	if b, ok := e.cache.Get(pc); ok && b.gen == e.Gate.Registry.Generation() {
		return b, nil
	}
	b, err := e.Translate(e.cpu, pc)
	if err != nil {
		return nil, err
	}
	e.cache.Add(pc, b)
	return b, nil
}

// Run executes from the current pc until pc reaches until, Stop is called,
// ctx is cancelled or an instruction faults.
func (e *Engine) Run(ctx context.Context, until uint64) error {
	e.stop.Store(false)
	v := e.cpu
	for {
		pc := v.PC()
		if pc == until || e.stop.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "cpu%d stopped at %#x", v.Index(), pc)
		}
		b, err := e.block(pc)
		if err != nil {
			return err
		}
		if err := e.exec(b, until); err != nil {
			return err
		}
	}
}

func (e *Engine) exec(b *Block, until uint64) error {
	v := e.cpu
	m := v.Marker()
	for _, o := range b.ops {
		if o.dispatch {
			if e.Gate.Dispatch(v) {
				// the hook changed control flow: drop the rest of this unit
				m.Progress(v.PC())
				return nil
			}
			continue
		}
		if o.err != nil {
			return errors.Wrapf(o.err, "cpu%d fetch at %#x", v.Index(), o.pc)
		}
		next, err := o.insn.Exec(v)
		if err != nil {
			return errors.Wrapf(err, "cpu%d exec at %#x", v.Index(), o.pc)
		}
		if err := v.SetPC(next); err != nil {
			return errors.Wrapf(err, "cpu%d set pc after %#x", v.Index(), o.pc)
		}
		m.Progress(next)
		n := atomic.AddUint64(&e.count, 1)
		if e.Limit > 0 && n >= e.Limit {
			return ErrLimit
		}
		if next == until {
			return nil
		}
	}
	return nil
}
