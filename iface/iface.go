// Package iface defines the capability interfaces the dataplane core
// consumes from the surrounding process: packet I/O, outbound event
// delivery, and time/timer sources. The core never talks to hardware,
// a kernel datapath, or a scheduler directly — it is handed
// implementations of these interfaces and calls through them, the same
// boundary spec.md §6 draws around "External Interfaces".
package iface

import (
	"net"
	"time"

	"github.com/lagopus-go/dpcore/ofp"
	"github.com/lagopus-go/dpcore/packet"
)

// PacketIO is the packet-plane I/O boundary: receiving bursts from and
// transmitting to named interfaces, plus the housekeeping a real NIC or
// kernel datapath backend needs (link stats, hardware address, queue
// configuration). A netlink-backed or DPDK-backed implementation lives
// outside this module; spec.md §1 places it out of scope.
type PacketIO interface {
	// RxBurst fills pkts with packets currently available on iface and
	// returns the count actually filled.
	RxBurst(iface string, pkts []packet.View) (int, error)

	// Tx transmits pkt out iface.
	Tx(iface string, pkt packet.View) error

	// Stats returns the interface's cumulative packet/byte/error
	// counters.
	Stats(iface string) (ofp.PortStats, error)

	// HWAddr returns the interface's hardware address.
	HWAddr(iface string) (net.HardwareAddr, error)

	// QueueConfigure installs the queue configuration for iface.
	QueueConfigure(iface string, queues []QueueConfig) error
}

// QueueConfig describes one egress queue's rate-limiting parameters.
type QueueConfig struct {
	Queue   ofp.Queue
	MinRate uint16
	MaxRate uint16
}

// EventQueue delivers asynchronous notifications (packet-in,
// port-status, flow-removed) toward the controller-facing side of the
// process. Enqueue calls are expected to honor timeout and return an
// error on expiry so the caller can log-and-drop per spec.md §4.9.
type EventQueue interface {
	// PutDataQ enqueues a packet-in-class event for dpid, returning an
	// error if it could not be delivered within timeout.
	PutDataQ(dpid uint64, entry interface{}, timeout time.Duration) error

	// PutEventQ enqueues a port-status or flow-removed event for dpid,
	// returning an error if it could not be delivered within timeout.
	PutEventQ(dpid uint64, entry interface{}, timeout time.Duration) error
}

// Time is the monotonic clock source used for flow create/update
// timestamps and durations. Production code hands in a wrapper around
// time.Now; tests can substitute a fixed or stepped clock.
type Time interface {
	Now() time.Time
}

// SystemTime is the production Time backed by the runtime clock.
type SystemTime struct{}

// Now implements Time.
func (SystemTime) Now() time.Time { return time.Now() }

// TimerHandle identifies a scheduled callback so it can be canceled.
type TimerHandle uint64

// Timer schedules per-flow timeout callbacks. The callback executes on
// the control-plane side and must itself acquire the write side of the
// update barrier before touching flow state, per spec.md §6.
type Timer interface {
	Schedule(d time.Duration, cb func()) TimerHandle
	Cancel(h TimerHandle)
}
