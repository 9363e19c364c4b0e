//go:build linux

// Package app contains the top-level orchestration: config → TUN → device.
package app

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/1ureka/mole/internal/config"
	"github.com/1ureka/mole/internal/device"
	"github.com/1ureka/mole/internal/netcfg"
	"github.com/1ureka/mole/internal/tun"
	"github.com/1ureka/mole/internal/util"
)

// Run executes the full interface lifecycle:
//  1. Load and validate the config file
//  2. Open the TUN device
//  3. Assign address/MTU, bring the link up, install peer routes
//  4. Build the router and start its workers
//  5. Block until ctx is cancelled, then tear everything down
func Run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	tunDev, err := tun.Open(cfg.Interface.Tun)
	if err != nil {
		return fmt.Errorf("open tun: %w", err)
	}

	if err := netcfg.ConfigureLink(tunDev.Name(), cfg.Interface.AddressPrefix, cfg.Interface.MTU); err != nil {
		tunDev.Close()
		return err
	}
	if err := netcfg.InstallRoutes(tunDev.Name(), peerRanges(cfg)); err != nil {
		tunDev.Close()
		return err
	}

	dev, err := device.New(cfg, tunDev)
	if err != nil {
		tunDev.Close()
		return err
	}

	util.StartStatsReporter(ctx)
	util.LogInfo("interface %s ready — %d peers", cfg.Interface.Name, len(cfg.Peers))

	return dev.Run(ctx)
}

// peerRanges merges all peers' allowed ranges for route installation.
func peerRanges(cfg *config.Config) []netip.Prefix {
	var ranges []netip.Prefix
	for i := range cfg.Peers {
		ranges = append(ranges, cfg.Peers[i].Allowed...)
	}
	return ranges
}
