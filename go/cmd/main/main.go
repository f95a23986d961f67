package main

import (
	"github.com/fastproto/fastproto/go/cmd"

	_ "github.com/fastproto/fastproto/go/cmd/hits"
	_ "github.com/fastproto/fastproto/go/cmd/run"
)

func main() { cmd.Main() }
