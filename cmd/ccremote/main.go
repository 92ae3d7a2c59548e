package main

import (
	"context"
	"os"

	"github.com/IvanRicoPrieto/CCRemote/internal/cli"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	r := cli.NewRunner(cfg, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
