//go:build darwin

package nic

/*
#cgo CFLAGS: -fblocks -I/usr/include
#cgo LDFLAGS: -framework vmnet -framework CoreFoundation -lxpc

#include <stdlib.h>
#include <vmnet/vmnet.h>
#include "shim_darwin.h"
*/
import "C"

import (
	"encoding/json"
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// vmnetAdapter implements Adapter over vmnet.framework via the cgo shim in
// shim_darwin.c. Exactly one vmnetAdapter is constructed per process
// (lifecycle.Daemon owns it); it is not safe to start two.
type vmnetAdapter struct {
	mu         sync.Mutex
	iface      unsafe.Pointer // interface_ref, read-only after Start
	onPackets  func(int)
	bulkForwad bool
	handle     uintptr
}

var (
	registryMu sync.Mutex
	registry   = map[uintptr]*vmnetAdapter{}
	nextHandle uintptr
)

// New constructs a NIC adapter bound to vmnet.framework.
func New() Adapter {
	a := &vmnetAdapter{}
	a.bulkForwad = supportsBulkForwarding()

	registryMu.Lock()
	nextHandle++
	a.handle = nextHandle
	registry[a.handle] = a
	registryMu.Unlock()

	return a
}

func (a *vmnetAdapter) Start(cfg Config) (Info, error) {
	cInterfaceID := C.CString(cfg.InterfaceID.String())
	defer C.free(unsafe.Pointer(cInterfaceID))
	if cfg.InterfaceID == uuid.Nil {
		C.free(unsafe.Pointer(cInterfaceID))
		cInterfaceID = C.CString("")
	}

	cSharedInterface := C.CString(cfg.SharedInterface)
	defer C.free(unsafe.Pointer(cSharedInterface))
	cStartAddress := C.CString(cfg.StartAddress)
	defer C.free(unsafe.Pointer(cStartAddress))
	cEndAddress := C.CString(cfg.EndAddress)
	defer C.free(unsafe.Pointer(cEndAddress))
	cSubnetMask := C.CString(cfg.SubnetMask)
	defer C.free(unsafe.Pointer(cSubnetMask))

	var cJSON *C.char

	result := C.vmnet_shim_start(
		cInterfaceID,
		C.int(cfg.OperationMode),
		cSharedInterface,
		cStartAddress,
		cEndAddress,
		cSubnetMask,
		boolToC(cfg.EnableTSO),
		boolToC(cfg.EnableChecksumOffload),
		boolToC(cfg.EnableIsolation),
		C.uintptr_t(a.handle),
		&cJSON,
	)

	if code := returnCode(result.status); code != Success {
		return Info{}, &StatusError{Call: "vmnet_start_interface", Code: code}
	}

	a.mu.Lock()
	a.iface = result._interface
	a.mu.Unlock()

	info := Info{
		MaxPacketSize: uint64(result.max_packet_size),
		InterfaceID:   cfg.InterfaceID,
	}

	if cJSON != nil {
		defer C.free(unsafe.Pointer(cJSON))
		jsonStr := C.GoString(cJSON)
		info.RawJSON = []byte(jsonStr)
		raw := map[string]interface{}{}
		if err := json.Unmarshal([]byte(jsonStr), &raw); err == nil {
			info.Raw = raw
			if mac, ok := raw["vmnet_mac_address"].(string); ok {
				info.MACAddress = mac
			}
			if mtu, ok := raw["vmnet_mtu"].(float64); ok {
				info.MTU = uint64(mtu)
			}
			if ifid, ok := raw["vmnet_interface_id"].(string); ok {
				if parsed, err := uuid.Parse(ifid); err == nil {
					info.InterfaceID = parsed
				}
			}
		}
	}

	return info, nil
}

func (a *vmnetAdapter) Stop() error {
	a.mu.Lock()
	iface := a.iface
	a.iface = nil
	a.mu.Unlock()

	if iface == nil {
		return nil
	}

	status := C.vmnet_shim_stop(iface)
	if code := returnCode(status); code != Success {
		return &StatusError{Call: "vmnet_stop_interface", Code: code}
	}
	return nil
}

func (a *vmnetAdapter) ReadBatch(pkts []Packet) (int, error) {
	a.mu.Lock()
	iface := a.iface
	a.mu.Unlock()
	if iface == nil {
		return 0, fmt.Errorf("nic: read before start")
	}

	n := len(pkts)
	if n == 0 {
		return 0, nil
	}

	descs := make([]C.struct_vmpktdesc, n)
	iovs := make([]C.struct_iovec, n)
	for i := range pkts {
		iovs[i].iov_base = unsafe.Pointer(&pkts[i].Buf[0])
		iovs[i].iov_len = C.size_t(pkts[i].Size)
		descs[i].vm_pkt_size = C.size_t(pkts[i].Size)
		descs[i].vm_pkt_iovcnt = 1
		descs[i].vm_pkt_iov = &iovs[i]
		descs[i].vm_flags = 0
	}

	count := C.int(n)
	status := C.vmnet_read((C.interface_ref)(iface), &descs[0], &count)
	if code := returnCode(C.int(status)); code != Success {
		return 0, &StatusError{Call: "vmnet_read", Code: code}
	}

	for i := 0; i < int(count); i++ {
		pkts[i].Size = int(descs[i].vm_pkt_size)
	}
	return int(count), nil
}

func (a *vmnetAdapter) WriteBatch(pkts []Packet) error {
	a.mu.Lock()
	iface := a.iface
	a.mu.Unlock()
	if iface == nil {
		return fmt.Errorf("nic: write before start")
	}

	n := len(pkts)
	if n == 0 {
		return nil
	}

	descs := make([]C.struct_vmpktdesc, n)
	iovs := make([]C.struct_iovec, n)
	for i := range pkts {
		iovs[i].iov_base = unsafe.Pointer(&pkts[i].Buf[0])
		iovs[i].iov_len = C.size_t(pkts[i].Size)
		descs[i].vm_pkt_size = C.size_t(pkts[i].Size)
		descs[i].vm_pkt_iovcnt = 1
		descs[i].vm_pkt_iov = &iovs[i]
		descs[i].vm_flags = 0
	}

	count := C.int(n)
	status := C.vmnet_write((C.interface_ref)(iface), &descs[0], &count)
	if code := returnCode(C.int(status)); code != Success {
		return &StatusError{Call: "vmnet_write", Code: code}
	}
	return nil
}

func (a *vmnetAdapter) OnPacketsAvailable(fn func(int)) {
	a.mu.Lock()
	a.onPackets = fn
	a.mu.Unlock()
}

func (a *vmnetAdapter) SupportsBulkForwarding() bool {
	return a.bulkForwad
}

//export goPacketsAvailable
func goPacketsAvailable(handle C.uintptr_t, estimated C.int) {
	registryMu.Lock()
	a := registry[uintptr(handle)]
	registryMu.Unlock()
	if a == nil {
		return
	}
	a.mu.Lock()
	fn := a.onPackets
	a.mu.Unlock()
	if fn != nil {
		fn(int(estimated))
	}
}

// returnCode translates a vmnet_return_t into a ReturnCode: the framework
// numbers its codes upward from VMNET_SUCCESS in the same order ReturnCode
// declares them.
func returnCode(status C.int) ReturnCode {
	return ReturnCode(int(status) - int(C.VMNET_SUCCESS))
}

func boolToC(b bool) C.int {
	if b {
		return 1
	}
	return 0
}

// listSharedInterfaces backs nic.ListSharedInterfaces on darwin via the
// vmnet_shim_list_shared_interfaces shim.
func listSharedInterfaces() ([]string, error) {
	var count C.int
	cList := C.vmnet_shim_list_shared_interfaces(&count)
	if cList == nil {
		return nil, nil
	}
	defer func() {
		entries := unsafe.Slice(cList, int(count)+1)
		for _, entry := range entries[:count] {
			C.free(unsafe.Pointer(entry))
		}
		C.free(unsafe.Pointer(cList))
	}()

	entries := unsafe.Slice(cList, int(count))
	names := make([]string, count)
	for i, entry := range entries {
		names[i] = C.GoString(entry)
	}
	return names, nil
}

// supportsBulkForwarding mirrors check_os_version/has_bulk_forwarding in the
// original: sendmsg_x/recvmsg_x are only reliably available starting with
// macOS major version 14 (product major version > 13), queried via sysctl the same
// way the C daemon queries kern.osproductversion.
func supportsBulkForwarding() bool {
	release, err := unix.Sysctl("kern.osproductversion")
	if err != nil {
		return false
	}
	var major int
	if _, err := fmt.Sscanf(release, "%d.", &major); err != nil {
		return false
	}
	return major > 13
}
