// Command switchboard runs the chat orchestration engine: surfaces in,
// per-thread agent runs, coalesced responses back out.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/Dethon/switchboard/internal/app"
	"github.com/Dethon/switchboard/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to switchboard.toml (default ./switchboard.toml)")
	flag.Parse()

	cfg := config.Load(*configPath)
	a := app.New(cfg, nil)
	if err := a.RunWithSignal(); err != nil {
		fmt.Fprintln(os.Stderr, "switchboard:", err)
		os.Exit(1)
	}
}
