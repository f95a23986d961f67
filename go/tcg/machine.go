package tcg

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/fastproto/fastproto/go/instrument"
	"github.com/fastproto/fastproto/go/models/cpu"
)

// Machine is a set of vCPUs sharing one guest memory and one hook registry.
// Each vCPU runs on its own goroutine.
type Machine struct {
	Arch    *cpu.Arch
	Mem     *cpu.Mem
	Gate    *instrument.Gate
	Engines []*Engine
}

// NewMachine builds ncpu vCPUs and only then initializes the gate over reg,
// so every marker starts cleared.
func NewMachine(arch *cpu.Arch, enums []int, fe Frontend, ncpu int, reg *instrument.Registry) (*Machine, error) {
	if ncpu < 1 {
		return nil, errors.Errorf("invalid cpu count %d", ncpu)
	}
	m := &Machine{Arch: arch, Mem: cpu.NewMem(arch.Bits, arch.Order)}
	cpus := make([]*cpu.VCPU, ncpu)
	ctxs := make([]instrument.Context, ncpu)
	for i := range cpus {
		cpus[i] = cpu.NewVCPU(i, arch, m.Mem, enums)
		ctxs[i] = cpus[i]
	}
	m.Gate = instrument.NewGate(reg, ctxs...)
	for _, v := range cpus {
		e, err := NewEngine(v, fe, m.Gate, 0)
		if err != nil {
			return nil, err
		}
		m.Engines = append(m.Engines, e)
	}
	return m, nil
}

func (m *Machine) Cpu(i int) *cpu.VCPU {
	return m.Engines[i].Cpu()
}

// Run starts every vCPU at entry and waits for all of them to reach until.
// The first failing vCPU stops the others.
func (m *Machine) Run(ctx context.Context, entry, until uint64) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range m.Engines {
		e := e
		if err := e.Cpu().SetPC(entry); err != nil {
			return err
		}
		g.Go(func() error {
			err := e.Run(ctx, until)
			if err != nil {
				for _, other := range m.Engines {
					other.Stop()
				}
			}
			return err
		})
	}
	return g.Wait()
}
