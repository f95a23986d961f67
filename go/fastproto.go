package fastproto

import (
	"context"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fastproto/fastproto/go/cpu/unicorn"
	"github.com/fastproto/fastproto/go/instrument"
	"github.com/fastproto/fastproto/go/lua"
	"github.com/fastproto/fastproto/go/models"
	"github.com/fastproto/fastproto/go/models/cpu"
	"github.com/fastproto/fastproto/go/models/manifest"
	"github.com/fastproto/fastproto/go/models/trace"
)

// Fastproto is an ARM64 board: one flat image mapped into every vCPU, a
// shared hook registry and the gate in front of it.
type Fastproto struct {
	Config   *models.Config
	Log      *logrus.Logger
	Registry *instrument.Registry
	Gate     *instrument.Gate
	Cpus     []*unicorn.UnicornCpu

	scripts []*lua.Script
	hitlog  *trace.Writer
}

func New(config *models.Config) (*Fastproto, error) {
	config = config.Init()
	f := &Fastproto{
		Config:   config,
		Log:      config.Logger(),
		Registry: instrument.NewRegistry(config.TableSize),
	}
	image, err := os.ReadFile(config.Image)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read image")
	}
	ctxs := make([]instrument.Context, config.Cpus)
	for i := 0; i < config.Cpus; i++ {
		u, err := f.makeCpu(i, image)
		if err != nil {
			f.Close()
			return nil, err
		}
		f.Cpus = append(f.Cpus, u)
		ctxs[i] = u
	}
	// every vCPU exists before the gate clears their markers
	f.Gate = instrument.NewGate(f.Registry, ctxs...)
	f.Gate.Log = f.Log
	for _, u := range f.Cpus {
		if err := u.Attach(f.Gate); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := f.loadHooks(); err != nil {
		f.Close()
		return nil, err
	}
	if config.HitLog != "" {
		out, err := os.Create(config.HitLog)
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "failed to create hit log")
		}
		w, err := trace.NewWriter(out, unicorn.Arm64.Name, binary.LittleEndian)
		if err != nil {
			out.Close()
			f.Close()
			return nil, err
		}
		f.hitlog = w
		f.Gate.Tracer = w
	}
	return f, nil
}

func (f *Fastproto) makeCpu(index int, image []byte) (*unicorn.UnicornCpu, error) {
	c := f.Config
	u, err := unicorn.Arm64Builder.New(index)
	if err != nil {
		return nil, err
	}
	if err := u.Map(c.Base, uint64(len(image)), cpu.PROT_ALL); err != nil {
		return nil, err
	}
	if err := u.MemWrite(c.Base, image); err != nil {
		return nil, errors.Wrap(err, "failed to load image")
	}
	if c.StackBase != 0 {
		if err := u.Map(c.StackBase, c.StackSize, cpu.PROT_READ|cpu.PROT_WRITE); err != nil {
			return nil, err
		}
		if err := u.RegWrite(unicorn.Arm64.SP, c.StackBase+c.StackSize); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (f *Fastproto) loadHooks() error {
	scripts := append([]string(nil), f.Config.Scripts...)
	for _, name := range f.Config.Manifests {
		path, err := manifest.Resolve(name)
		if err != nil {
			return err
		}
		m, err := manifest.Load(path)
		if err != nil {
			return err
		}
		if err := m.Install(f.Registry, unicorn.Arm64, f.Log.WithField("manifest", path)); err != nil {
			return errors.Wrap(err, path)
		}
		scripts = append(scripts, m.Scripts()...)
	}
	for _, path := range scripts {
		s := lua.New(f.Registry, unicorn.Arm64, f.Log.WithField("script", path))
		f.scripts = append(f.scripts, s)
		if err := s.DoFile(path); err != nil {
			return err
		}
	}
	f.Log.WithField("hooks", f.Registry.Len()).Debug("hooks loaded")
	return nil
}

// Run starts every vCPU at the configured entry and waits for all of them.
func (f *Fastproto) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, u := range f.Cpus {
		u := u
		g.Go(func() error {
			return u.Run(ctx, f.Config.Entry, f.Config.Until)
		})
	}
	return g.Wait()
}

func (f *Fastproto) Close() error {
	var err error
	for _, s := range f.scripts {
		s.Close()
	}
	if f.hitlog != nil {
		err = f.hitlog.Close()
	}
	for _, u := range f.Cpus {
		u.Close()
	}
	return err
}
