// ccremoted is the daemon binary. By default it runs under the built-in
// supervisor, which respawns it with -f on crashes; with -f it runs the
// daemon loop directly (used by the supervisor itself and by native service
// managers that provide their own restart policy).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/daemon"
	"github.com/IvanRicoPrieto/CCRemote/internal/supervisor"
)

func main() {
	cfg := config.DefaultConfig()
	port := flag.Int("p", cfg.Port, "listen port")
	foreground := flag.Bool("f", false, "run the daemon loop directly without the supervisor")
	flag.Parse()
	cfg.Port = *port

	if *foreground {
		logger := log.New(os.Stderr, "", log.LstdFlags)
		if err := daemon.New(cfg, logger).Run(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	self, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: locate executable: %v\n", err)
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "supervisor ", log.LstdFlags)
	sup := supervisor.New([]string{self, "-f", "-p", strconv.Itoa(cfg.Port)}, cfg.PIDPath, logger)
	if err := sup.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
