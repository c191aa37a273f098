// Package cliapp is the vmnet-helper command line entrypoint, factored out
// of cmd/vmnet-helper/main.go so test/cli can register it as an in-process
// testscript command (the same shape dh-cli uses its cmd/dh tree for,
// except here the binary itself is cheap enough to run in-process rather
// than build to a temp dir first).
package cliapp

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/xfeldman/vmnet-helper/internal/lifecycle"
	"github.com/xfeldman/vmnet-helper/internal/nic"
	"github.com/xfeldman/vmnet-helper/internal/options"
	"github.com/xfeldman/vmnet-helper/internal/version"
	"github.com/xfeldman/vmnet-helper/internal/vmlog"
)

// Run parses argv and executes the daemon or one of its non-daemon modes
// (--version, --list-shared-interfaces), returning the process exit code.
// stdout/stderr let tests and testscript capture output without touching
// the real os.Stdout/os.Stderr.
func Run(argv []string, stdout, stderr io.Writer) int {
	opts, err := options.Parse(argv, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "vmnet-helper: %v\n", err)
		return 2
	}

	if opts.PrintVersion {
		fmt.Fprintln(stdout, version.String())
		return 0
	}

	if opts.ListSharedInterfaces {
		names, err := nic.ListSharedInterfaces()
		if err != nil {
			fmt.Fprintf(stderr, "vmnet-helper: list shared interfaces: %v\n", err)
			return 1
		}
		for _, name := range names {
			fmt.Fprintln(stdout, name)
		}
		return 0
	}

	log := vmlog.New(stderr, opts.Verbose)
	d := lifecycle.New(opts, log)
	return d.Run(context.Background())
}

// Main is the os.Exit-driving wrapper cmd/vmnet-helper/main.go calls; kept
// here so the real binary and the testscript-registered command run
// identical code.
func Main() int {
	return Run(os.Args[1:], os.Stdout, os.Stderr)
}
