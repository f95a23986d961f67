package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"

	"github.com/pkg/errors"

	fastproto "github.com/fastproto/fastproto/go"
	"github.com/fastproto/fastproto/go/models"
)

type strslice []string

func (s *strslice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *strslice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

type FastprotoCmd struct {
	Config *models.Config

	Fastproto *fastproto.Fastproto
	Flags     *flag.FlagSet
}

func NewFastprotoCmd() *FastprotoCmd {
	fs := flag.NewFlagSet("cli", flag.ExitOnError)
	return &FastprotoCmd{Flags: fs}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func PrintError(err error) {
	// print an error, and a stacktrace if available
	fmt.Fprintf(os.Stderr, "%s\n", strings.Repeat("-", 40))
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	if err, ok := err.(stackTracer); ok {
		// parse full path and method name for each stack frame
		var frames [][]string
		for _, f := range err.StackTrace() {
			fullpath := ""
			fileline := fmt.Sprintf("%s:%d", f, f)
			method := fmt.Sprintf("%n", f)

			frame := fmt.Sprintf("%+s", f)
			tmp := strings.SplitN(frame, "\n", 3)
			if len(tmp) == 2 {
				pathsplit := strings.Split(tmp[0], "/")
				method = pathsplit[len(pathsplit)-1]
				fullpath = strings.TrimSpace(tmp[1])
			}
			frames = append(frames, []string{fullpath, fileline, method})
			if method == "main.main" {
				break
			}
		}
		widths := make([]int, 2)
		for _, f := range frames {
			for i := 0; i < 2; i++ {
				if len(f[i]) > widths[i] {
					widths[i] = len(f[i])
				}
			}
		}
		for _, f := range frames {
			for i := 0; i < 2; i++ {
				if widths[i] > 0 {
					pad := strings.Repeat(" ", widths[i]-len(f[i]))
					fmt.Fprintf(os.Stderr, "%s%s | ", f[i], pad)
				}
			}
			fmt.Fprintf(os.Stderr, "%s()\n", f[2])
		}
	}
}

// Run parses argv and runs the board; the result is the process exit code.
func (c *FastprotoCmd) Run(argv []string) int {
	fs := c.Flags
	image := fs.String("image", "", "flat binary image to load")
	base := fs.Uint64("base", 0, "load address of the image")
	entry := fs.Uint64("entry", 0, "start address (default: -base)")
	until := fs.Uint64("until", 0, "stop when pc reaches this address")
	stack := fs.Uint64("stack", 0, "map a stack at this address and point sp at its top")
	stackSize := fs.Uint64("stacksize", 0x10000, "stack size")
	cpus := fs.Int("cpus", 1, "number of vCPUs")
	tableSize := fs.Int("table", 0, "initial hook table buckets")
	var manifests, scripts strslice
	fs.Var(&manifests, "hooks", "load a YAML hook manifest (path or name in the config folder, repeatable)")
	fs.Var(&scripts, "lua", "load a Lua hook script (repeatable)")
	hitlog := fs.String("hitlog", "", "write dispatched hooks to <file>")
	verbose := fs.Bool("v", false, "log installed hooks")
	veryVerbose := fs.Bool("vv", false, "log every dispatched hook")
	color := fs.Bool("color", false, "colorize log output")
	outfile := fs.String("o", "", "redirect log output to file (default stderr)")
	cpuprofile := fs.String("cpuprofile", "", "write cpu profile to <file>")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] -image <file>\n\nOptions:\n", argv[0])
		fs.PrintDefaults()
	}
	fs.Parse(argv[1:])
	if *image == "" {
		fs.Usage()
		return 2
	}

	config := &models.Config{
		Color:     *color,
		Image:     *image,
		Base:      *base,
		Entry:     *entry,
		Until:     *until,
		StackBase: *stack,
		StackSize: *stackSize,
		Cpus:      *cpus,
		Manifests: manifests,
		Scripts:   scripts,
		HitLog:    *hitlog,
		TableSize: *tableSize,
	}
	if *entry == 0 {
		config.Entry = *base
	}
	if *veryVerbose {
		config.Verbose = 2
	} else if *verbose {
		config.Verbose = 1
	}
	if *outfile != "" {
		out, err := os.OpenFile(*outfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			PrintError(errors.Wrap(err, "failed to open output"))
			return 1
		}
		defer out.Close()
		config.Output = out
	}
	c.Config = config.Init()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			PrintError(errors.Wrap(err, "could not create cpu profile"))
			return 1
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	fp, err := fastproto.New(c.Config)
	if err != nil {
		PrintError(err)
		return 1
	}
	c.Fastproto = fp
	defer func() {
		if err := fp.Close(); err != nil {
			PrintError(err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := fp.Run(ctx); err != nil {
		PrintError(err)
		return 1
	}
	return 0
}
