package tcu

import (
	"time"

	"github.com/kelindar/bitmap"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/1ureka/1ureka.net.tcu/internal/protocol"
	"github.com/1ureka/1ureka.net.tcu/internal/util"
)

// assemblyState tracks the logical message currently being reassembled.
// Receive task only; no locking.
type assemblyState struct {
	active      bool
	isFile      bool
	terminalSeq uint32 // 0 while the terminal fragment has not arrived intact
	started     time.Time
}

func (a *assemblyState) begin(isFile bool) {
	if !a.active {
		a.active = true
		a.started = time.Now()
	}
	a.isFile = a.isFile || isFile
}

func (a *assemblyState) reset() {
	*a = assemblyState{}
}

// ──────────────────────────────────────────────────────────────────────────────
// Receive task lifecycle
// ──────────────────────────────────────────────────────────────────────────────

func (e *Engine) startReceiving() {
	if e.receiveRunning.Swap(true) {
		return
	}
	e.receiveDone = make(chan struct{})
	go e.receiveLoop(e.receiveDone)
}

// stopReceiving cancels the loop and closes the socket. The engine is the
// single owner of the socket close.
func (e *Engine) stopReceiving() {
	e.receiveRunning.Store(false)
	e.ep.Close()
	if e.receiveDone != nil {
		<-e.receiveDone
	}
}

// receiveLoop waits for datagrams in short slices so it can observe the
// cancel flag promptly, then hands each one to the dispatcher.
func (e *Engine) receiveLoop(done chan struct{}) {
	defer close(done)

	for e.receiveRunning.Load() {
		data, src, err := e.ep.Recv(e.timing.PollSlice)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			e.log.WithError(err).Error("recv failure")
			continue
		}
		if data == nil {
			continue
		}

		e.pcb.UpdateLastActivity()
		e.log.WithFields(log.Fields{"bytes": len(data), "src": src.String()}).Trace("datagram received")
		e.dispatch(data)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Dispatch
// ──────────────────────────────────────────────────────────────────────────────

// dispatch decodes one datagram and routes it by flag combination.
// Malformed frames and unknown combinations are logged and dropped; they
// never abort the engine.
func (e *Engine) dispatch(data []byte) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		e.log.WithError(err).Error("drop malformed frame")
		return
	}

	flags := pkt.Header.Flags
	hasPayload := pkt.Header.Length > 0

	switch {
	case flags == protocol.FlagSYN:
		e.handleConnReq()
	case flags == protocol.FlagSYN|protocol.FlagACK:
		e.handleConnAck()
	case flags == protocol.FlagFIN && !hasPayload:
		e.handleDisconnReq()
	case flags == protocol.FlagFIN|protocol.FlagACK:
		e.handleDisconnAck()
	case flags == protocol.FlagKA:
		e.handleKAReq()
	case flags == protocol.FlagKA|protocol.FlagACK:
		// Liveness reply: the activity stamp above is the whole effect.
		e.log.Trace("keep-alive acknowledged")
	case flags == protocol.FlagACK:
		e.handleAck(pkt)
	case flags == protocol.FlagNACK:
		e.handleNack(pkt)

	case flags == protocol.FlagDF:
		e.handleSingle(pkt, false)
	case flags == protocol.FlagDF|protocol.FlagFL:
		e.handleSingle(pkt, true)
	case flags == protocol.FlagMF:
		e.handleMidFragment(pkt, false)
	case flags == protocol.FlagMF|protocol.FlagFL:
		e.handleMidFragment(pkt, true)
	case flags == protocol.FlagMF|protocol.FlagFIN:
		e.handleWindowEnd(pkt, false)
	case flags == protocol.FlagMF|protocol.FlagFIN|protocol.FlagFL:
		e.handleWindowEnd(pkt, true)
	case flags == protocol.FlagNone && hasPayload:
		e.handleTerminal(pkt, false)
	case flags == protocol.FlagFL && hasPayload:
		e.handleTerminal(pkt, true)
	// A NACK-driven retransmission carries the original flags plus FIN, so
	// a retransmitted terminal fragment arrives as FIN (text) or FIN|FL
	// (file) with payload.
	case flags == protocol.FlagFIN && hasPayload:
		e.handleTerminal(pkt, false)
	case flags == protocol.FlagFIN|protocol.FlagFL && hasPayload:
		e.handleTerminal(pkt, true)

	default:
		e.log.WithField("flags", flags).Error("drop frame with unknown flag combination")
	}
}

// connectedForData gates data frames to the phases where a link exists.
func (e *Engine) connectedForData() bool {
	p := e.Phase()
	if p != PhaseConnect && p != PhaseNetwork {
		e.log.WithField("phase", p.String()).Warn("drop data frame in wrong phase")
		return false
	}
	return true
}

// ──────────────────────────────────────────────────────────────────────────────
// Control frames
// ──────────────────────────────────────────────────────────────────────────────

func (e *Engine) handleConnReq() {
	if e.Phase() > PhaseInitialize {
		e.log.WithField("phase", e.Phase().String()).Warn("reject connection request")
		return
	}
	e.log.Info("connection request received")
	e.pcb.NewPhase(PhaseConnect)
	e.startKeepAlive()
	if err := e.sendControl(protocol.FlagSYN | protocol.FlagACK); err != nil {
		e.log.WithError(err).Error("send connection acknowledgment")
		return
	}
	e.pcb.NewPhase(PhaseNetwork)
}

func (e *Engine) handleConnAck() {
	if e.Phase() != PhaseConnect {
		e.log.WithField("phase", e.Phase().String()).Warn("drop unexpected connection acknowledgment")
		return
	}
	e.log.Info("connection acknowledgment received")
	e.pcb.NewPhase(PhaseNetwork)
	e.startKeepAlive()
	e.pcb.ackReceived.Store(true)
}

func (e *Engine) handleDisconnReq() {
	if p := e.Phase(); p != PhaseConnect && p != PhaseNetwork {
		e.log.WithField("phase", p.String()).Warn("drop unexpected disconnection request")
		return
	}
	e.log.Info("disconnection request received")
	e.pcb.NewPhase(PhaseDisconnect)
	e.stopKeepAlive()
	if err := e.sendControl(protocol.FlagFIN | protocol.FlagACK); err != nil {
		e.log.WithError(err).Error("send disconnection acknowledgment")
	}
	e.pcb.NewPhase(PhaseHoldoff)
}

func (e *Engine) handleDisconnAck() {
	if e.Phase() != PhaseDisconnect {
		e.log.WithField("phase", e.Phase().String()).Warn("drop unexpected disconnection acknowledgment")
		return
	}
	e.log.Info("disconnection acknowledgment received")
	// Ack flag first: the facade's wait treats HOLDOFF without the flag as
	// a timeout.
	e.pcb.ackReceived.Store(true)
	e.pcb.NewPhase(PhaseHoldoff)
	e.stopKeepAlive()
}

func (e *Engine) handleKAReq() {
	if p := e.Phase(); p != PhaseConnect && p != PhaseNetwork {
		return
	}
	if err := e.sendControl(protocol.FlagKA | protocol.FlagACK); err != nil {
		e.log.WithError(err).Error("send keep-alive acknowledgment")
	}
}

// handleAck advances the send cursor. seq 0 acknowledges a single-fragment
// frame; for fragmented messages the seq MUST equal the acknowledged
// window's last fragment.
func (e *Engine) handleAck(pkt *protocol.Packet) {
	ackSeq := pkt.Header.SeqNumber.Uint32()
	if ackSeq == 0 {
		e.pcb.sendWindow.Clear()
	} else {
		e.pcb.seqCursor.Store(ackSeq + 1)
		e.pcb.sendWindow.DeleteUpTo(ackSeq)
	}
	e.log.WithField("seq", ackSeq).Debug("acknowledgment received")
	e.pcb.ackReceived.Store(true)
}

// handleNack retransmits the named fragment from the send window. A
// fragment of a fragmented message is retransmitted with its original flags
// plus FIN so the receiver re-evaluates its window boundary; the stored
// packet is replaced, never mutated in place. A single-fragment (DF) frame
// is resent unchanged.
func (e *Engine) handleNack(pkt *protocol.Packet) {
	nackSeq := pkt.Header.SeqNumber.Uint32()
	stored, ok := e.pcb.sendWindow.Get(nackSeq)
	if !ok {
		e.log.WithField("seq", nackSeq).Error("negative acknowledgment for unknown fragment")
		return
	}

	resend := stored
	if !stored.HasFlags(protocol.FlagDF) {
		resend = protocol.New(stored.Header.SeqNumber, stored.Header.Flags|protocol.FlagFIN, stored.Payload)
		resend.Seal()
		e.pcb.sendWindow.Put(nackSeq, resend)
	}

	e.log.WithField("seq", nackSeq).Info("retransmitting fragment")
	util.Stats.AddRetransmit()
	if err := e.transmitData(resend); err != nil {
		e.log.WithError(err).WithField("seq", nackSeq).Error("retransmit fragment")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Data frames
// ──────────────────────────────────────────────────────────────────────────────

// handleSingle delivers a single-fragment message: CRC triage, sink
// delivery, positive acknowledgment with seq 0.
func (e *Engine) handleSingle(pkt *protocol.Packet, isFile bool) {
	if !e.connectedForData() {
		return
	}
	seq := pkt.Header.SeqNumber.Uint32()
	if !pkt.VerifyChecksum() {
		e.log.WithField("seq", seq).Warn("checksum failure on single fragment")
		e.pcb.errorBuffer.Put(seq, pkt)
		e.sendNack(pkt.Header.SeqNumber)
		return
	}
	e.pcb.errorBuffer.Delete(seq)
	util.Stats.AddRecv(len(pkt.Payload))

	if isFile {
		e.deliverFile(pkt.Payload)
	} else {
		e.deliverText(pkt.Payload)
	}
	e.sendAck(0)
}

// handleMidFragment buffers a non-boundary fragment. No acknowledgment is
// generated; the sender keeps transmitting until the window boundary.
func (e *Engine) handleMidFragment(pkt *protocol.Packet, isFile bool) {
	if !e.connectedForData() {
		return
	}
	e.asm.begin(isFile)
	e.bufferFragment(pkt)
}

// handleWindowEnd buffers the last fragment of a window and answers with
// ACK (clean window) or NACK (lowest corrupted seq).
func (e *Engine) handleWindowEnd(pkt *protocol.Packet, isFile bool) {
	if !e.connectedForData() {
		return
	}
	e.asm.begin(isFile)
	e.bufferFragment(pkt)
	if e.evaluateWindow(pkt.Header.SeqNumber) {
		e.tryAssemble()
	}
}

// handleTerminal buffers the last fragment of the whole message, evaluates
// the window and attempts assembly.
func (e *Engine) handleTerminal(pkt *protocol.Packet, isFile bool) {
	if !e.connectedForData() {
		return
	}
	e.asm.begin(isFile)
	if e.bufferFragment(pkt) {
		e.asm.terminalSeq = pkt.Header.SeqNumber.Uint32()
	}
	if e.evaluateWindow(pkt.Header.SeqNumber) {
		e.tryAssemble()
	}
}

// bufferFragment triages one fragment by CRC: intact fragments land in the
// receive buffer (clearing any previous corrupted copy), corrupted ones in
// the error buffer. Reports whether the fragment was intact.
func (e *Engine) bufferFragment(pkt *protocol.Packet) bool {
	seq := pkt.Header.SeqNumber.Uint32()
	if !pkt.VerifyChecksum() {
		e.log.WithField("seq", seq).Warn("checksum failure on fragment")
		e.pcb.errorBuffer.Put(seq, pkt)
		return false
	}
	e.pcb.recvBuffer.Put(seq, pkt)
	e.pcb.errorBuffer.Delete(seq)
	util.Stats.AddRecv(len(pkt.Payload))
	return true
}

// evaluateWindow is the boundary decision: a clean error buffer yields a
// positive acknowledgment for boundarySeq, otherwise the lowest corrupted
// seq is NACKed. Reports whether the window was acknowledged.
func (e *Engine) evaluateWindow(boundarySeq protocol.Uint24) bool {
	if lowest, dirty := e.pcb.errorBuffer.Min(); dirty {
		e.sendNack(protocol.NewUint24(lowest))
		return false
	}
	e.sendAck(boundarySeq)
	return true
}

// tryAssemble delivers the current message once every fragment in
// [1, terminal] is present and intact. A missing or corrupted seq is
// NACKed and the attempt abandoned; the sender's retransmission will
// trigger another attempt.
func (e *Engine) tryAssemble() {
	terminal := e.asm.terminalSeq
	if terminal == 0 {
		return
	}

	var seen bitmap.Bitmap
	e.pcb.recvBuffer.Ascend(func(seq uint32, _ *protocol.Packet) bool {
		seen.Set(seq)
		return true
	})
	for seq := uint32(1); seq <= terminal; seq++ {
		if !seen.Contains(seq) {
			e.log.WithField("seq", seq).Warn("fragment missing, delaying assembly")
			e.sendNack(protocol.NewUint24(seq))
			return
		}
	}

	var payload []byte
	intact := true
	e.pcb.recvBuffer.Ascend(func(seq uint32, pkt *protocol.Packet) bool {
		if seq > terminal {
			return false
		}
		if !pkt.VerifyChecksum() {
			e.log.WithField("seq", seq).Warn("corrupted fragment in receive buffer, delaying assembly")
			e.sendNack(protocol.NewUint24(seq))
			intact = false
			return false
		}
		payload = append(payload, pkt.Payload...)
		return true
	})
	if !intact {
		return
	}

	elapsed := time.Since(e.asm.started)
	e.log.WithFields(log.Fields{
		"fragments": terminal,
		"bytes":     len(payload),
		"elapsed":   elapsed.Round(time.Millisecond).String(),
	}).Info("message assembled")

	if e.asm.isFile {
		e.deliverFile(payload)
	} else {
		e.deliverText(payload)
	}

	e.pcb.recvBuffer.Clear()
	e.pcb.errorBuffer.Clear()
	e.asm.reset()
}

func (e *Engine) deliverText(payload []byte) {
	if e.sinks.Text == nil {
		return
	}
	e.sinks.Text(string(payload))
}

func (e *Engine) deliverFile(payload []byte) {
	record, err := protocol.DecodeFileRecord(payload)
	if err != nil {
		e.log.WithError(err).Error("decode file record")
		return
	}
	if e.sinks.File == nil {
		return
	}
	if err := e.sinks.File(record.Name, record.Data); err != nil {
		e.log.WithError(err).WithField("name", record.Name).Error("store received file")
	}
}
