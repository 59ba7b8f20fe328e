// Package main is the entry point for the meshprov CLI.
//
// meshprov scans for Bluetooth Mesh devices, lists the networks it knows
// about and watches for fast-provisioned nodes joining a network.
//
// Commands: scan, watch, networks, history, config init, version.
package main

import (
	"fmt"
	"os"

	"github.com/chaz8081/meshprov/cmd/meshprov/commands"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
