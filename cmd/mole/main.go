//go:build linux

// Mole — CLI entry point.
//
// This tool runs an unencrypted multi-peer IP tunnel over UDP: IPv4 packets
// entering a TUN interface are routed to configured peers by destination
// address, and inbound datagrams are filtered against each peer's allowed
// ranges before reaching the interface.
//
// It can be launched non-interactively via -config, or without flags, in
// which case it prompts for the config file path.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/mole/internal/app"
	"github.com/1ureka/mole/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI flags.
	cfgPath := flag.String("config", "", "Path to the interface config file (YAML)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Mole — v%s", version))
	pterm.Println()

	path := *cfgPath
	if path == "" {
		// No -config flag → interactive mode.
		path = askConfigPath()
	}

	if err := app.Run(ctx, path); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("interface shut down")
}

// askConfigPath prompts for a config file path until an existing file is
// entered.
func askConfigPath() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Config file path (e.g. /etc/mole/mole.yaml)").
			Show()

		path := strings.TrimSpace(raw)
		if _, err := os.Stat(path); err == nil {
			pterm.Println()
			return path
		}

		util.LogWarning("no such file: %s", raw)
		pterm.Println()
	}
}
