package tcu

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/1ureka/1ureka.net.tcu/internal/config"
	"github.com/1ureka/1ureka.net.tcu/internal/protocol"
	"github.com/1ureka/1ureka.net.tcu/internal/util"
)

// Facade errors surfaced to the driver.
var (
	ErrWrongPhase = errors.New("operation not valid in current phase")
	ErrPeerSilent = errors.New("destination node down")
	ErrAckTimeout = errors.New("acknowledgment timeout")
	ErrNoDest     = errors.New("destination not set")
)

// Sinks are the delivery capabilities the engine calls when a logical
// message has been assembled. Text receives complete text messages; File
// receives decoded file records.
type Sinks struct {
	Text func(msg string)
	File func(name string, data []byte) error
}

// Engine is the TCU facade: it owns the PCB, the UDP endpoint, the receive
// task and the keep-alive task. Sends run on the caller's goroutine and
// synchronize with the receive task through the PCB's ack flag.
type Engine struct {
	pcb    *PCB
	ep     *Endpoint
	faults *Injector
	sinks  Sinks
	timing config.Timing
	log    *util.EngineLogger

	receiveRunning atomic.Bool
	receiveDone    chan struct{}

	kaMu             sync.Mutex
	keepAliveRunning atomic.Bool
	keepAliveDone    chan struct{}

	// sendMu serializes logical outgoing messages: one message is fully
	// acknowledged before the next begins.
	sendMu sync.Mutex

	stopOnce sync.Once

	// asm is the receive-side assembly state; receive task only.
	asm assemblyState
}

// New creates an engine in phase DEAD. Bind moves it to INITIALIZE.
func New(node config.Node, timing config.Timing, sinks Sinks) *Engine {
	e := &Engine{
		pcb:    NewPCB(node, timing),
		ep:     &Endpoint{},
		faults: newInjector(time.Now().UnixNano()),
		sinks:  sinks,
		timing: timing,
		log:    util.Engine,
	}
	return e
}

// PCB exposes the control block for drivers and tests.
func (e *Engine) PCB() *PCB { return e.pcb }

// Faults exposes the fault-injection knobs.
func (e *Engine) Faults() *Injector { return e.faults }

// LocalPort returns the bound local port.
func (e *Engine) LocalPort() uint16 { return e.ep.LocalPort() }

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() Phase { return e.pcb.Phase() }

// ──────────────────────────────────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────────────────────────────────

// Bind opens the local UDP socket, moves the engine to INITIALIZE and
// starts the receive task. A bind failure is fatal to the node.
func (e *Engine) Bind(port uint16) error {
	if e.Phase() != PhaseDead {
		return ErrWrongPhase
	}
	if err := e.ep.Bind(port); err != nil {
		return err
	}
	e.pcb.NewPhase(PhaseInitialize)
	e.log.WithField("port", e.ep.LocalPort()).Info("socket bound")
	e.startReceiving()
	return nil
}

// SetDest resolves and records the remote endpoint.
func (e *Engine) SetDest(host string, port uint16) error {
	ip := net.ParseIP(host)
	if ip == nil {
		return errors.Errorf("invalid ip addr format: %s", host)
	}
	e.pcb.SetPeer(&net.UDPAddr{IP: ip, Port: int(port)})
	e.log.WithFields(log.Fields{"ip": host, "port": port}).Info("destination set")
	return nil
}

// Connect sends SYN and waits for SYN|ACK. Permitted only in phases up to
// INITIALIZE; an established link reports ErrWrongPhase.
func (e *Engine) Connect() error {
	switch p := e.Phase(); {
	case p == PhaseDead:
		return errors.Wrap(ErrWrongPhase, "socket not bound")
	case p > PhaseInitialize:
		return errors.Wrap(ErrWrongPhase, "already active connection")
	}
	if e.pcb.Peer() == nil {
		return ErrNoDest
	}

	e.pcb.ackReceived.Store(false)
	e.pcb.NewPhase(PhaseConnect)
	if err := e.sendControl(protocol.FlagSYN); err != nil {
		return err
	}
	e.log.Info("connection request sent")

	if !e.waitForAck(e.timing.ConnectionTimeout) {
		e.pcb.NewPhase(PhaseHoldoff)
		return errors.Wrap(ErrAckTimeout, "no connection acknowledgment")
	}
	return nil
}

// Disconnect sends FIN and waits for FIN|ACK. Permitted only on an
// established link.
func (e *Engine) Disconnect() error {
	if p := e.Phase(); p != PhaseConnect && p != PhaseNetwork {
		return errors.Wrap(ErrWrongPhase, "connection not established")
	}

	e.pcb.ackReceived.Store(false)
	e.pcb.NewPhase(PhaseDisconnect)
	if err := e.sendControl(protocol.FlagFIN); err != nil {
		return err
	}
	e.log.Info("disconnection request sent")

	if !e.waitForAck(e.timing.ConnectionTimeout) {
		e.pcb.NewPhase(PhaseHoldoff)
		e.stopKeepAlive()
		return errors.Wrap(ErrAckTimeout, "no disconnection acknowledgment")
	}
	return nil
}

// Shutdown stops both tasks and closes the socket. The engine is not
// reusable afterwards.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		e.pcb.NewPhase(PhaseClosed)
		e.stopKeepAlive()
		e.stopReceiving()
		e.log.Info("engine closed")
	})
}

// ──────────────────────────────────────────────────────────────────────────────
// Shared helpers
// ──────────────────────────────────────────────────────────────────────────────

// transmit seals nothing: pkt must already be sealed. It encodes, sends to
// the fixed peer and stamps the activity clock on success.
func (e *Engine) transmit(pkt *protocol.Packet) error {
	if err := e.ep.Send(protocol.Encode(pkt), e.pcb.Peer()); err != nil {
		return err
	}
	e.pcb.UpdateLastActivity()
	return nil
}

// sendControl seals and transmits a zero-payload control frame.
func (e *Engine) sendControl(flags uint8) error {
	pkt := protocol.NewControl(0, flags)
	pkt.Seal()
	return e.transmit(pkt)
}

// sendAck acknowledges seq positively.
func (e *Engine) sendAck(seq protocol.Uint24) {
	pkt := protocol.NewControl(seq, protocol.FlagACK)
	pkt.Seal()
	if err := e.transmit(pkt); err != nil {
		e.log.WithError(err).Error("send ack")
	}
}

// sendNack requests retransmission of seq.
func (e *Engine) sendNack(seq protocol.Uint24) {
	pkt := protocol.NewControl(seq, protocol.FlagNACK)
	pkt.Seal()
	if err := e.transmit(pkt); err != nil {
		e.log.WithError(err).Error("send nack")
	}
}

// waitForAck polls the ack flag in 100 ms slices until timeout. It returns
// early when the engine leaves the data phases (keep-alive declared the
// peer dead, or a shutdown raced the wait).
func (e *Engine) waitForAck(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.pcb.ackReceived.Load() {
			return true
		}
		if p := e.Phase(); p == PhaseHoldoff || p == PhaseClosed {
			return false
		}
		time.Sleep(e.timing.PollSlice)
	}
	return e.pcb.ackReceived.Load()
}
