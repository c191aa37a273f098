// vmnet-helper is a privileged daemon that attaches a VM to the host
// network via vmnet.framework and shuttles Ethernet frames between the
// NIC and an unprivileged VM process over a local datagram socket. See
// SPEC_FULL.md for the full design.
package main

import (
	"os"

	"github.com/xfeldman/vmnet-helper/internal/cliapp"
)

func main() {
	os.Exit(cliapp.Main())
}
