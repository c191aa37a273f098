// Package cli drives the real vmnet-helper binary through testscript
// (spec.md's CLI surface, §6), registered in-process via
// testscript.RunMain the way other Go CLIs in the pack do for their own
// command trees. Scripts cover the non-daemon modes only (--version,
// --list-shared-interfaces on non-darwin, flag validation): anything that
// starts the daemon needs root and vmnet.framework, so it lives in the
// unit tests under internal/lifecycle and internal/options instead.
package cli

import (
	"os"
	"testing"

	"github.com/rogpeppe/go-internal/testscript"

	"github.com/xfeldman/vmnet-helper/internal/cliapp"
)

func TestMain(m *testing.M) {
	os.Exit(testscript.RunMain(m, map[string]func() int{
		"vmnet-helper": func() int {
			return cliapp.Run(os.Args[1:], os.Stdout, os.Stderr)
		},
	}))
}

func TestCLI(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir: "testdata/scripts",
	})
}
