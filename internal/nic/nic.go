// Package nic is a thin facade over the host's virtual-NIC framework
// (macOS vmnet.framework). It exposes start/stop, batched read/write, and an
// ingress-availability callback — nothing else. Packet inspection, routing,
// and filtering are explicitly out of scope; the adapter only shuttles
// opaque Ethernet frames in and out.
package nic

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnsupportedPlatform is returned by every Adapter method on platforms
// without a vmnet.framework binding. There is no portable fallback for the
// NIC itself — only the forwarding engine around it is portable.
var ErrUnsupportedPlatform = errors.New("nic: vmnet is only supported on darwin")

// OperationMode selects the NIC's network policy.
type OperationMode int

const (
	// Shared is NAT to the host network over an internal subnet.
	Shared OperationMode = iota
	// Bridged is L2-attached to a named host interface.
	Bridged
	// Host is an isolated LAN shared among VMs.
	Host
)

func (m OperationMode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Bridged:
		return "bridged"
	case Host:
		return "host"
	default:
		return "unknown"
	}
}

// ParseOperationMode parses the --operation-mode flag value.
func ParseOperationMode(s string) (OperationMode, error) {
	switch s {
	case "shared":
		return Shared, nil
	case "bridged":
		return Bridged, nil
	case "host":
		return Host, nil
	default:
		return 0, fmt.Errorf("invalid operation-mode %q", s)
	}
}

// Config describes how to start a NIC.
type Config struct {
	InterfaceID     uuid.UUID
	OperationMode   OperationMode
	SharedInterface string // required iff OperationMode == Bridged

	// Shared-mode IPv4 range.
	StartAddress string
	EndAddress   string
	SubnetMask   string

	EnableTSO             bool
	EnableChecksumOffload bool
	EnableIsolation       bool // only valid with OperationMode == Host
}

// Info is the framework-reported interface metadata, captured verbatim so
// it can be re-emitted as JSON on stdout.
type Info struct {
	MACAddress    string
	MTU           uint64
	MaxPacketSize uint64
	InterfaceID   uuid.UUID

	// Raw holds the full reported dictionary, decoded for field extraction
	// (e.g. MACAddress/MTU above). Nil on platforms/fakes with nothing to
	// report.
	Raw map[string]interface{}

	// RawJSON holds the framework's reported dictionary as the exact bytes
	// the shim produced, undecoded. Emitting these directly (rather than
	// re-marshaling Raw) avoids json.Unmarshal's float64 conversion, which
	// would lose precision on any uint64 field above 2^53 — Raw exists for
	// field extraction, RawJSON is what actually gets written to stdout
	// when present.
	RawJSON []byte
}

// Packet is a view into one endpoint slot, shaped for the NIC's batched
// read/write API. Size is both the input capacity (set by the caller before
// ReadBatch) and the output length (set by the adapter after ReadBatch and
// read by the caller before WriteBatch).
type Packet struct {
	Buf  []byte
	Size int
}

// Adapter wraps the virtualization networking framework.
type Adapter interface {
	// Start starts an interface with the given configuration. The returned
	// Info.MaxPacketSize sizes the endpoint pools. Any framework failure is
	// fatal at startup.
	Start(cfg Config) (Info, error)

	// Stop synchronously waits for the framework's asynchronous teardown
	// callback. Idempotent.
	Stop() error

	// ReadBatch reads up to len(pkts) frames. Callers must reset each
	// packet's Size to the pool's max packet size before calling.
	ReadBatch(pkts []Packet) (n int, err error)

	// WriteBatch writes up to len(pkts) frames. The framework may update
	// each packet's Size to indicate how many bytes were actually consumed.
	WriteBatch(pkts []Packet) error

	// OnPacketsAvailable registers a callback invoked whenever the NIC has
	// queued ingress frames. The callback receives an estimated pending
	// count. May be called from an arbitrary goroutine.
	OnPacketsAvailable(fn func(estimated int))

	// SupportsBulkForwarding reports whether the host OS exposes the
	// batched socket I/O primitives the forwarder's fast path needs. This
	// is a NIC-adjacent, OS-version-gated capability rather than a
	// per-interface one, so it lives here alongside Start/Stop.
	SupportsBulkForwarding() bool
}

// ReturnCode is the framework's vmnet_return_t-equivalent status code;
// String maps it to a stable textual name for logging. Concrete platform
// adapters translate their native status type into one of these codes.
type ReturnCode int

const (
	Success ReturnCode = iota
	Failure
	MemFailure
	InvalidArgument
	SetupIncomplete
	InvalidAccess
	PacketTooBig
	BufferExhausted
	TooManyPackets
)

func (c ReturnCode) String() string {
	switch c {
	case Success:
		return "VMNET_SUCCESS"
	case Failure:
		return "VMNET_FAILURE"
	case MemFailure:
		return "VMNET_MEM_FAILURE"
	case InvalidArgument:
		return "VMNET_INVALID_ARGUMENT"
	case SetupIncomplete:
		return "VMNET_SETUP_INCOMPLETE"
	case InvalidAccess:
		return "VMNET_INVALID_ACCESS"
	case PacketTooBig:
		return "VMNET_PACKET_TOO_BIG"
	case BufferExhausted:
		return "VMNET_BUFFER_EXHAUSTED"
	case TooManyPackets:
		return "VMNET_TOO_MANY_PACKETS"
	default:
		return fmt.Sprintf("VMNET_UNKNOWN(%d)", int(c))
	}
}

// StatusError wraps a non-success framework return code with the call that
// produced it, for consistent "[component] call: CODE" log lines.
type StatusError struct {
	Call string
	Code ReturnCode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Call, e.Code)
}

// ListSharedInterfaces enumerates the host interface names usable with
// --operation-mode=bridged, backing --list-shared-interfaces (spec.md §6).
// Unlike Adapter it needs no running interface, so it is a package
// function rather than a method.
var ListSharedInterfaces func() ([]string, error) = listSharedInterfaces
