package hits

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/fastproto/fastproto/go/cmd"
	"github.com/fastproto/fastproto/go/models/trace"
)

func Main(args []string) {
	fs := flag.NewFlagSet("hits", flag.ExitOnError)
	summary := fs.Bool("summary", false, "count hits per cpu and address")
	color := fs.Bool("color", true, "colorize output")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <hitlog>\n", args[0])
		fs.PrintDefaults()
	}
	fs.Parse(args[1:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		cmd.PrintError(errors.Wrap(err, "failed to open hit log"))
		os.Exit(1)
	}
	r, err := trace.NewReader(f)
	if err != nil {
		f.Close()
		cmd.PrintError(err)
		os.Exit(1)
	}
	defer r.Close()
	p := &trace.Printer{W: os.Stdout, Color: *color}
	if *summary {
		err = p.Summary(r)
	} else {
		err = p.Dump(r)
	}
	if err != nil {
		cmd.PrintError(err)
		os.Exit(1)
	}
}

func init() { cmd.Register("hits", "print a hit log", Main) }
