package vmsock

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestAdoptFDUsesSocketpairPeer(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	s, err := AdoptFD(fds[0])
	if err != nil {
		t.Fatalf("AdoptFD: %v", err)
	}
	defer s.Close()

	if s.FD() != fds[0] {
		t.Fatalf("FD() = %d, want %d", s.FD(), fds[0])
	}

	payload := []byte("hello vm")
	if _, err := unix.Write(fds[1], payload); err != nil {
		t.Fatalf("write to peer: %v", err)
	}

	buf := make([]byte, 1500)
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("Read = %q, want %q", buf[:n], payload)
	}

	if err := s.Write([]byte("hello host")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	n, err = unix.Read(fds[1], buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "hello host" {
		t.Fatalf("peer read = %q", buf[:n])
	}
}

func TestListenSecondAcquireFailsWhileFirstHolds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmnet.sock")

	s1, _, err := Listen(path)
	if err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	defer func() {
		s1.Close()
		s1.Lockfile().Release()
		os.Remove(path)
	}()

	if _, _, err := Listen(path); err != ErrLocked {
		t.Fatalf("second Listen err = %v, want ErrLocked", err)
	}
}

func TestListenSucceedsAfterFirstReleases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmnet.sock")

	s1, _, err := Listen(path)
	if err != nil {
		t.Fatalf("first Listen: %v", err)
	}
	s1.Close()
	if err := s1.Lockfile().Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	os.Remove(path)

	s2, _, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen after release: %v", err)
	}
	defer func() {
		s2.Close()
		s2.Lockfile().Release()
		os.Remove(path)
	}()
}

func TestWaitForClientDropsShortFirstDatagram(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmnet.sock")

	srv, waiter, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer func() {
		srv.Close()
		srv.Lockfile().Release()
		os.Remove(path)
	}()

	clientFD, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("client socket: %v", err)
	}
	defer unix.Close(clientFD)

	clientPath := filepath.Join(dir, "client.sock")
	if err := unix.Bind(clientFD, &unix.SockaddrUnix{Name: clientPath}); err != nil {
		t.Fatalf("client bind: %v", err)
	}

	if err := unix.Sendto(clientFD, []byte("hi"), 0, &unix.SockaddrUnix{Name: path}); err != nil {
		t.Fatalf("sendto short frame: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- waiter.WaitForClient(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForClient: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("WaitForClient did not return")
	}

	real := make([]byte, 68)
	for i := range real {
		real[i] = byte(i)
	}
	if err := unix.Sendto(clientFD, real, 0, &unix.SockaddrUnix{Name: path}); err != nil {
		t.Fatalf("sendto real frame: %v", err)
	}

	buf := make([]byte, 1500)
	n, err := srv.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(real) {
		t.Fatalf("first forwarded frame len = %d, want %d (the short handshake must have been dropped)", n, len(real))
	}
}

func TestSetSocketBuffersDoesNotError(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	if sndErr, rcvErr := SetSocketBuffers(fds[0]); sndErr != nil || rcvErr != nil {
		t.Fatalf("SetSocketBuffers: snd=%v rcv=%v", sndErr, rcvErr)
	}
}

func TestIsENOBUFSMatchesOnlyENOBUFS(t *testing.T) {
	if !IsENOBUFS(unix.ENOBUFS) {
		t.Fatal("IsENOBUFS(unix.ENOBUFS) = false")
	}
	if IsENOBUFS(unix.EAGAIN) {
		t.Fatal("IsENOBUFS(unix.EAGAIN) = true")
	}
}
