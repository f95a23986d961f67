// Package manifest loads hook sets from YAML files.
//
//	hooks:
//	  - name: skip_usb_init
//	    addr: 0x100a48
//	    action: return
//	    value: 0
//	  - name: dram_size
//	    addr: 0x101230
//	    cpu: 0
//	    action: setreg
//	    reg: x1
//	    value: 0x40000000
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/fastproto/fastproto/go/hooks"
	"github.com/fastproto/fastproto/go/instrument"
	"github.com/fastproto/fastproto/go/models/cpu"
)

// Number is an unsigned value written in any Go integer syntax (0x, 0o, 0b).
type Number uint64

func (n *Number) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: expected a number", node.Line)
	}
	v, err := strconv.ParseUint(strings.ReplaceAll(node.Value, "_", ""), 0, 64)
	if err != nil {
		return errors.Errorf("line %d: invalid number %q", node.Line, node.Value)
	}
	*n = Number(v)
	return nil
}

// CPU is a vCPU index, or "all".
type CPU struct {
	instrument.Selector
}

func (c *CPU) UnmarshalYAML(node *yaml.Node) error {
	switch strings.ToLower(node.Value) {
	case "all", "*", "-1":
		c.Selector = instrument.AllCPUs
		return nil
	}
	i, err := strconv.Atoi(node.Value)
	if err != nil || i < 0 {
		return errors.Errorf("line %d: invalid cpu %q", node.Line, node.Value)
	}
	c.Selector = instrument.CPU(i)
	return nil
}

type Hook struct {
	Name   string `yaml:"name"`
	Addr   Number `yaml:"addr"`
	CPU    *CPU   `yaml:"cpu"`
	Action string `yaml:"action"`
	Value  Number `yaml:"value"`
	Reg    string `yaml:"reg"`
	Arg    int    `yaml:"arg"`
	Size   int    `yaml:"size"`
	Msg    string `yaml:"msg"`
}

// Selector defaults to every vCPU.
func (h *Hook) Selector() instrument.Selector {
	if h.CPU == nil {
		return instrument.AllCPUs
	}
	return h.CPU.Selector
}

type Manifest struct {
	Hooks []*Hook `yaml:"hooks"`
	// scripts to load alongside, relative to the manifest
	Lua []string `yaml:"lua"`

	dir string
}

func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "failed to parse manifest")
	}
	for i, h := range m.Hooks {
		if h.Name == "" {
			h.Name = fmt.Sprintf("hook%d@%#x", i, uint64(h.Addr))
		}
		switch h.Action {
		case "return", "log", "digest_init", "digest_update", "digest_finish":
		case "setreg":
			if h.Reg == "" {
				return nil, errors.Errorf("%s: setreg needs a reg", h.Name)
			}
		case "store":
			if h.Size == 0 {
				h.Size = 4
			}
		case "":
			return nil, errors.Errorf("%s: missing action", h.Name)
		default:
			return nil, errors.Errorf("%s: unknown action %q", h.Name, h.Action)
		}
	}
	return &m, nil
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read manifest")
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// Scripts returns the Lua script paths, resolved against the manifest's
// directory.
func (m *Manifest) Scripts() []string {
	out := make([]string, len(m.Lua))
	for i, p := range m.Lua {
		if !filepath.IsAbs(p) && m.dir != "" {
			p = filepath.Join(m.dir, p)
		}
		out[i] = p
	}
	return out
}

func (m *Manifest) body(h *Hook, arch *cpu.Arch, digest *hooks.Digest, log logrus.FieldLogger) (hooks.Func, error) {
	switch h.Action {
	case "return":
		return hooks.Return(uint64(h.Value)), nil
	case "setreg":
		enum, ok := arch.Reg(h.Reg)
		if !ok {
			return nil, errors.Errorf("%s: unknown %s register %q", h.Name, arch.Name, h.Reg)
		}
		return hooks.SetReg(enum, uint64(h.Value)), nil
	case "store":
		return hooks.Store(h.Arg, h.Size, uint64(h.Value)), nil
	case "log":
		msg := h.Msg
		if msg == "" {
			msg = h.Name
		}
		return hooks.Log(log.WithField("hook", h.Name), msg), nil
	case "digest_init":
		return digest.Init(), nil
	case "digest_update":
		return digest.Update(), nil
	case "digest_finish":
		return digest.Finish(), nil
	}
	return nil, errors.Errorf("%s: unknown action %q", h.Name, h.Action)
}

// Install inserts every hook into reg. Hooks colliding with an existing
// entry are skipped and reported together; every other hook is installed.
func (m *Manifest) Install(reg *instrument.Registry, arch *cpu.Arch, log logrus.FieldLogger) error {
	digest := hooks.NewDigest(nil)
	var dups []string
	for _, h := range m.Hooks {
		f, err := m.body(h, arch, digest, log)
		if err != nil {
			return err
		}
		if !reg.Insert(uint64(h.Addr), h.Selector(), hooks.Wrap(log, h.Name, f), h.Name) {
			dups = append(dups, h.Name)
			continue
		}
		log.WithFields(logrus.Fields{"hook": h.Name, "addr": fmt.Sprintf("%#x", uint64(h.Addr)), "cpu": h.Selector()}).Debug("installed hook")
	}
	if len(dups) > 0 {
		return errors.Errorf("duplicate hooks: %s", strings.Join(dups, ", "))
	}
	return nil
}

// Resolve finds a manifest by path, or by name in the fastproto config
// folders, trying name and name.yaml.
func Resolve(name string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	if strings.ContainsRune(name, os.PathSeparator) {
		return "", errors.Errorf("manifest %q not found", name)
	}
	configDirs := configdir.New("fastproto", "hooks")
	for _, config := range configDirs.QueryFolders(configdir.All) {
		for _, file := range []string{name, name + ".yaml", name + ".yml"} {
			if config.Exists(file) {
				return filepath.Join(config.Path, file), nil
			}
		}
	}
	return "", errors.Errorf("manifest %q not found", name)
}
