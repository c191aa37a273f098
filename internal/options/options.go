// Package options parses and validates the daemon's command-line
// configuration. It is the Go equivalent of the original's options.c/.h:
// CLI parsing and validation are treated as an external collaborator by
// spec.md §1, so this package sticks to the standard library's flag
// package rather than reaching for a third-party CLI framework — the
// teacher's own command binaries (cmd/aegis/main.go) do the same.
package options

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/xfeldman/vmnet-helper/internal/nic"
)

// Options is the immutable, validated configuration built from argv.
type Options struct {
	FD         int
	HasFD      bool
	SocketPath string

	InterfaceID uuid.UUID

	OperationMode   nic.OperationMode
	SharedInterface string

	StartAddress string
	EndAddress   string
	SubnetMask   string

	EnableTSO             bool
	EnableChecksumOffload bool
	EnableIsolation       bool

	ListSharedInterfaces bool
	Verbose              bool
	PrintVersion         bool
}

// Defaults for the shared-mode IPv4 range, per spec.md §6.
const (
	DefaultStartAddress = "192.168.105.1"
	DefaultEndAddress   = "192.168.105.254"
	DefaultSubnetMask   = "255.255.255.0"
)

// Parse parses argv (excluding the program name) into an Options value and
// validates it. It never touches flag.CommandLine so it is safe to call
// more than once, including from tests.
func Parse(argv []string, stderr io.Writer) (Options, error) {
	fs := flag.NewFlagSet("vmnet-helper", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		fd                   int
		socketPath           string
		interfaceID          string
		operationMode        string
		sharedInterface      string
		startAddress         string
		endAddress           string
		subnetMask           string
		enableTSO            bool
		enableChecksum       bool
		enableIsolation      bool
		listSharedInterfaces bool
		verbose              bool
		printVersion         bool
	)

	fs.IntVar(&fd, "fd", -1, "adopt a pre-connected datagram socket at this descriptor")
	fs.StringVar(&socketPath, "socket", "", "bind, chmod 0600, and wait for a client at this path")
	fs.StringVar(&interfaceID, "interface-id", "", "stable NIC identity (UUID); random if omitted")
	fs.StringVar(&operationMode, "operation-mode", "shared", "NIC mode: shared|bridged|host")
	fs.StringVar(&sharedInterface, "shared-interface", "", "host interface to bridge to (required iff bridged)")
	fs.StringVar(&startAddress, "start-address", DefaultStartAddress, "shared-mode IPv4 range start")
	fs.StringVar(&endAddress, "end-address", DefaultEndAddress, "shared-mode IPv4 range end")
	fs.StringVar(&subnetMask, "subnet-mask", DefaultSubnetMask, "shared-mode IPv4 subnet mask")
	fs.BoolVar(&enableTSO, "enable-tso", false, "request TSO offload from the NIC")
	fs.BoolVar(&enableChecksum, "enable-checksum-offload", false, "request checksum offload from the NIC")
	fs.BoolVar(&enableIsolation, "enable-isolation", false, "cross-VM isolation (only valid with operation-mode=host)")
	fs.BoolVar(&listSharedInterfaces, "list-shared-interfaces", false, "print shared-mode interface names and exit")
	fs.BoolVar(&verbose, "verbose", false, "log DEBUG lines to stderr")
	fs.BoolVar(&printVersion, "version", false, "print version and exit")

	if err := fs.Parse(argv); err != nil {
		return Options{}, err
	}

	opts := Options{
		SocketPath:            socketPath,
		SharedInterface:       sharedInterface,
		StartAddress:          startAddress,
		EndAddress:            endAddress,
		SubnetMask:            subnetMask,
		EnableTSO:             enableTSO,
		EnableChecksumOffload: enableChecksum,
		EnableIsolation:       enableIsolation,
		ListSharedInterfaces:  listSharedInterfaces,
		Verbose:               verbose,
		PrintVersion:          printVersion,
	}

	if fd >= 0 {
		opts.FD = fd
		opts.HasFD = true
	}

	if opts.PrintVersion || opts.ListSharedInterfaces {
		// Informational flags short-circuit further validation; the caller
		// checks these before doing anything privileged.
		return opts, nil
	}

	mode, err := nic.ParseOperationMode(operationMode)
	if err != nil {
		fs.Usage()
		return Options{}, err
	}
	opts.OperationMode = mode

	if interfaceID == "" {
		opts.InterfaceID = uuid.New()
	} else {
		id, err := uuid.Parse(interfaceID)
		if err != nil {
			fs.Usage()
			return Options{}, fmt.Errorf("invalid --interface-id: %w", err)
		}
		opts.InterfaceID = id
	}

	if err := opts.Validate(); err != nil {
		fs.Usage()
		return Options{}, err
	}
	return opts, nil
}

var (
	// ErrNoSocket is returned when neither --fd nor --socket was given.
	ErrNoSocket = errors.New("exactly one of --fd or --socket is required")
	// ErrBothSockets is returned when both --fd and --socket were given.
	ErrBothSockets = errors.New("--fd and --socket are mutually exclusive")
	// ErrMissingSharedInterface is returned for bridged mode without --shared-interface.
	ErrMissingSharedInterface = errors.New("--shared-interface is required when --operation-mode=bridged")
	// ErrIsolationRequiresHost is returned when --enable-isolation is set without host mode.
	ErrIsolationRequiresHost = errors.New("--enable-isolation is only valid with --operation-mode=host")
)

// Validate enforces the cross-field rules from spec.md §6.
func (o Options) Validate() error {
	if o.HasFD && o.SocketPath != "" {
		return ErrBothSockets
	}
	if !o.HasFD && o.SocketPath == "" {
		return ErrNoSocket
	}
	if o.OperationMode == nic.Bridged && o.SharedInterface == "" {
		return ErrMissingSharedInterface
	}
	if o.EnableIsolation && o.OperationMode != nic.Host {
		return ErrIsolationRequiresHost
	}
	return nil
}

// NICConfig projects the validated Options into a nic.Config.
func (o Options) NICConfig() nic.Config {
	return nic.Config{
		InterfaceID:           o.InterfaceID,
		OperationMode:         o.OperationMode,
		SharedInterface:       o.SharedInterface,
		StartAddress:          o.StartAddress,
		EndAddress:            o.EndAddress,
		SubnetMask:            o.SubnetMask,
		EnableTSO:             o.EnableTSO,
		EnableChecksumOffload: o.EnableChecksumOffload,
		EnableIsolation:       o.EnableIsolation,
	}
}

// Privileges is the uid/gid pair to drop to after the NIC is up.
type Privileges struct {
	UID int
	GID int
}

// ResolvePrivileges resolves the privilege-drop target: SUDO_UID/SUDO_GID
// from the environment if non-empty, else the process's real uid/gid. This
// is deliberately separate from Parse because it depends on process
// identity, not argv, mirroring parse_options's placement of the same
// logic at the end of the original's option parsing.
func ResolvePrivileges(realUID, realGID int) (Privileges, error) {
	p := Privileges{UID: realUID, GID: realGID}

	if v := os.Getenv("SUDO_UID"); v != "" {
		uid, err := strconv.Atoi(v)
		if err != nil {
			return Privileges{}, fmt.Errorf("invalid SUDO_UID %q: %w", v, err)
		}
		p.UID = uid
	}
	if v := os.Getenv("SUDO_GID"); v != "" {
		gid, err := strconv.Atoi(v)
		if err != nil {
			return Privileges{}, fmt.Errorf("invalid SUDO_GID %q: %w", v, err)
		}
		p.GID = gid
	}
	return p, nil
}
