//go:build darwin

package vmsock

/*
#include <stdlib.h>
#include <errno.h>
#include <sys/socket.h>
#include "socket_x_darwin.h"
*/
import "C"

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ReadBatch reads up to len(dgrams) datagrams in a single recvmsg_x
// syscall when the OS supports it, falling back to the single-datagram
// read in vmsock.go's readBatchSlow otherwise.
func (s *Socket) ReadBatch(dgrams []Datagram) (int, error) {
	if !s.bulkCapable || len(dgrams) == 0 {
		return readBatchSlow(s, dgrams)
	}

	n := len(dgrams)
	msgs := make([]C.struct_msghdr_x, n)
	iovs := make([]C.struct_iovec, n)
	for i := range dgrams {
		iovs[i].iov_base = unsafe.Pointer(&dgrams[i].Buf[0])
		iovs[i].iov_len = C.size_t(len(dgrams[i].Buf))
		msgs[i].msg_hdr.msg_iov = &iovs[i]
		msgs[i].msg_hdr.msg_iovlen = 1
	}

	ret, errno := C.recvmsg_x(C.int(s.fd), &msgs[0], C.uint(n), 0)
	if ret < 0 {
		return 0, fmt.Errorf("vmsock: recvmsg_x: %w", errno)
	}

	count := int(ret)
	for i := 0; i < count; i++ {
		dgrams[i].Len = int(msgs[i].msg_len)
	}
	return count, nil
}

// WriteBatch sends dgrams in a single sendmsg_x syscall when the OS
// supports it and returns the kernel-reported count, so the caller can
// resume from there on a partial send. Callers handle ENOBUFS retry; this
// just performs one syscall attempt.
func (s *Socket) WriteBatch(dgrams []Datagram) (int, error) {
	if !s.bulkCapable || len(dgrams) == 0 {
		return writeBatchSlow(s, dgrams)
	}

	n := len(dgrams)
	msgs := make([]C.struct_msghdr_x, n)
	iovs := make([]C.struct_iovec, n)
	for i := range dgrams {
		iovs[i].iov_base = unsafe.Pointer(&dgrams[i].Buf[0])
		iovs[i].iov_len = C.size_t(dgrams[i].Len)
		msgs[i].msg_hdr.msg_iov = &iovs[i]
		msgs[i].msg_hdr.msg_iovlen = 1
	}

	ret, errno := C.sendmsg_x(C.int(s.fd), &msgs[0], C.uint(n), unix.MSG_DONTWAIT)
	if ret < 0 {
		return 0, errno
	}
	return int(ret), nil
}

// supportsBulkIO mirrors nic.supportsBulkForwarding: sendmsg_x/recvmsg_x
// are only reliably present starting with macOS major version 14.
func supportsBulkIO() bool {
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
