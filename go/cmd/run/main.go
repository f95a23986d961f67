package run

import (
	"os"

	"github.com/fastproto/fastproto/go/cmd"
)

func Main(args []string) {
	os.Exit(cmd.NewFastprotoCmd().Run(args))
}

func init() { cmd.Register("run", "boot an image with hooks installed", Main) }
