//go:build !darwin

package vmsock

// ReadBatch always degrades to the single-datagram fallback off darwin:
// recvmsg_x has no portable equivalent (see spec.md §9's second open
// question). This keeps the module cross-compilable and lets the
// forwarder's unit tests exercise the slow path without vmnet or root.
func (s *Socket) ReadBatch(dgrams []Datagram) (int, error) {
	return readBatchSlow(s, dgrams)
}

// WriteBatch always degrades to the single-datagram fallback off darwin.
func (s *Socket) WriteBatch(dgrams []Datagram) (int, error) {
	return writeBatchSlow(s, dgrams)
}

// supportsBulkIO is always false off darwin: there is no portable
// equivalent of sendmsg_x/recvmsg_x to gate.
func supportsBulkIO() bool { return false }
