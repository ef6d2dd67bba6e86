// Package tcu implements the TCU protocol engine: connection state machine,
// keep-alive, fragmentation/reassembly with CRC-guarded selective repeat,
// and the engine facade that owns the UDP endpoint and the protocol tasks.
package tcu

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/1ureka.net.tcu/internal/config"
	"github.com/1ureka/1ureka.net.tcu/internal/protocol"
)

// Phase is the connection lifecycle state.
type Phase uint32

const (
	PhaseDead Phase = iota
	PhaseHoldoff
	PhaseInitialize
	PhaseConnect
	PhaseNetwork
	PhaseDisconnect
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseDead:
		return "DEAD"
	case PhaseHoldoff:
		return "HOLDOFF"
	case PhaseInitialize:
		return "INITIALIZE"
	case PhaseConnect:
		return "CONNECT"
	case PhaseNetwork:
		return "NETWORK"
	case PhaseDisconnect:
		return "DISCONNECT"
	case PhaseClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// PCB is the protocol control block: all per-connection state shared by the
// facade, the receive task and the keep-alive task.
//
// Writer discipline: the receive task is the only writer of recvBuffer,
// errorBuffer, ackReceived and inbound-driven phase transitions; the
// send/facade task is the only writer of totalSeq, windowSize and maxFrag.
// The send task fills sendWindow; the receive task also writes it, pruning
// acknowledged entries on ACK and replacing a NACKed fragment with its
// re-sealed copy. seqCursor is advanced by the receive task on ACK and reset
// by the send task between messages. Cross-task map access goes through the
// maps' own locks.
type PCB struct {
	phase        atomic.Uint32
	lastActivity atomic.Int64 // monotonic-ish clock, unix nanoseconds
	ackReceived  atomic.Bool
	seqCursor    atomic.Uint32

	peerMu sync.Mutex
	peer   *net.UDPAddr

	totalSeq      uint32
	windowSize    uint32
	dynamicWindow bool
	maxFrag       int

	sendWindow  *seqMap
	recvBuffer  *seqMap
	errorBuffer *seqMap

	timing config.Timing
}

// NewPCB creates a PCB in phase DEAD with the given node settings.
func NewPCB(node config.Node, timing config.Timing) *PCB {
	pcb := &PCB{
		sendWindow:    newSeqMap(),
		recvBuffer:    newSeqMap(),
		errorBuffer:   newSeqMap(),
		timing:        timing,
		maxFrag:       node.MaxFragSize,
		windowSize:    uint32(node.WindowSize),
		dynamicWindow: node.DynamicWindow,
	}
	pcb.phase.Store(uint32(PhaseDead))
	return pcb
}

// Phase returns the current lifecycle phase.
func (p *PCB) Phase() Phase {
	return Phase(p.phase.Load())
}

// NewPhase transitions to next. The guard only rejects a corrupted current
// value; a transition between two valid phases is always accepted, whether
// or not the state machine allows it.
func (p *PCB) NewPhase(next Phase) bool {
	cur := p.Phase()
	if cur > PhaseClosed {
		return false
	}
	p.phase.Store(uint32(next))
	return true
}

// SetPeer records the resolved remote endpoint.
func (p *PCB) SetPeer(addr *net.UDPAddr) {
	p.peerMu.Lock()
	p.peer = addr
	p.peerMu.Unlock()
}

// Peer returns the resolved remote endpoint, or nil when unset.
func (p *PCB) Peer() *net.UDPAddr {
	p.peerMu.Lock()
	defer p.peerMu.Unlock()
	return p.peer
}

// UpdateLastActivity stamps the activity clock. Called on every successful
// receive and every successful send except keep-alive probes.
func (p *PCB) UpdateLastActivity() {
	p.lastActivity.Store(time.Now().UnixNano())
}

// IsActivityRecent reports whether the activity clock was stamped within
// the activity window (attempts × attempt interval).
func (p *PCB) IsActivityRecent() bool {
	last := p.lastActivity.Load()
	return time.Since(time.Unix(0, last)) < p.timing.ActivityWindow()
}

// SetMaxFrag sets the fragment payload cap; size must be in
// (0, protocol.MaxPayloadLen].
func (p *PCB) SetMaxFrag(size int) bool {
	if size <= 0 || size > protocol.MaxPayloadLen {
		return false
	}
	p.maxFrag = size
	return true
}

// MaxFrag returns the fragment payload cap.
func (p *PCB) MaxFrag() int {
	return p.maxFrag
}

// SetWindowSize fixes the window manually and disables dynamic sizing.
func (p *PCB) SetWindowSize(n uint32) bool {
	if n == 0 {
		return false
	}
	p.windowSize = n
	p.dynamicWindow = false
	return true
}

// SetDynamicWindow re-enables fragment-count-derived window sizing.
func (p *PCB) SetDynamicWindow() {
	p.dynamicWindow = true
}
