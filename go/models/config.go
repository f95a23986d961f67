package models

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/fastproto/fastproto/go/instrument"
)

type Config struct {
	Output  io.Writer
	Color   bool
	Verbose int

	// guest image and layout
	Image     string
	Base      uint64
	Entry     uint64
	Until     uint64
	StackBase uint64
	StackSize uint64
	Cpus      int

	// hook sources
	Manifests []string
	Scripts   []string

	// hit log destination, empty for none
	HitLog    string
	TableSize int
}

func (c *Config) Init() *Config {
	if c == nil {
		c = &Config{}
	}
	if c.Output == nil {
		c.Output = os.Stderr
	}
	if c.Cpus <= 0 {
		c.Cpus = 1
	}
	if c.StackSize == 0 {
		c.StackSize = 0x10000
	}
	if c.TableSize <= 0 {
		c.TableSize = instrument.DefaultSize
	}
	return c
}

// Logger returns a logrus logger on Output: -v is debug, -vv traces every
// dispatched hook.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	log.Out = c.Output
	log.Formatter = &logrus.TextFormatter{ForceColors: c.Color, DisableColors: !c.Color}
	switch {
	case c.Verbose >= 2:
		log.Level = logrus.TraceLevel
	case c.Verbose == 1:
		log.Level = logrus.DebugLevel
	default:
		log.Level = logrus.InfoLevel
	}
	return log
}
