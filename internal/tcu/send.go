package tcu

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/1ureka/1ureka.net.tcu/internal/protocol"
	"github.com/1ureka/1ureka.net.tcu/internal/util"
)

// SendText transmits a text message, fragmenting when it exceeds the
// fragment cap. Blocks until the message is fully acknowledged or the
// transfer fails.
func (e *Engine) SendText(msg string) error {
	return e.send([]byte(msg), false)
}

// SendFile transmits a file record built from name and content.
func (e *Engine) SendFile(name string, data []byte) error {
	payload, err := protocol.EncodeFileRecord(&protocol.FileRecord{Name: name, Data: data})
	if err != nil {
		return err
	}
	return e.send(payload, true)
}

// send is the common entry: one logical message at a time, permitted only
// on an established link.
func (e *Engine) send(payload []byte, isFile bool) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if p := e.Phase(); p != PhaseConnect && p != PhaseNetwork {
		return errors.Wrap(ErrWrongPhase, "connection not established")
	}
	if e.pcb.Peer() == nil {
		return ErrNoDest
	}

	if len(payload) <= e.pcb.MaxFrag() {
		return e.sendSingle(payload, isFile)
	}
	return e.sendFragmented(payload, isFile)
}

// ──────────────────────────────────────────────────────────────────────────────
// Single fragment
// ──────────────────────────────────────────────────────────────────────────────

// sendSingle transmits one DF frame and returns without waiting. The frame
// is retained in the send window for NACK-driven retransmission; the
// receiver's ACK(0) later sets the ack flag and clears the send window
// asynchronously.
func (e *Engine) sendSingle(payload []byte, isFile bool) error {
	flags := protocol.FlagDF
	seq := protocol.Uint24(1)
	if isFile {
		flags |= protocol.FlagFL
		seq = 0
	}

	pkt := protocol.New(seq, flags, payload)
	pkt.Seal()

	e.pcb.sendWindow.Clear()
	e.pcb.sendWindow.Put(seq.Uint32(), pkt)
	e.pcb.ackReceived.Store(false)

	if err := e.transmitData(pkt); err != nil {
		return err
	}
	e.log.WithFields(log.Fields{"bytes": len(payload), "file": isFile}).Info("single-fragment message sent")
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Fragmented transfer
// ──────────────────────────────────────────────────────────────────────────────

// sendFragmented splits the payload, fills the send window and transmits
// window by window, advancing only on positive acknowledgment.
func (e *Engine) sendFragmented(payload []byte, isFile bool) error {
	maxFrag := e.pcb.MaxFrag()
	total := uint32((len(payload) + maxFrag - 1) / maxFrag)
	if total > protocol.MaxUint24 {
		return errors.Errorf("message needs %d fragments, above the 24-bit sequence space", total)
	}

	window := e.windowSizeFor(total)
	e.buildFragments(payload, total, window, isFile)

	e.pcb.totalSeq = total
	e.pcb.seqCursor.Store(1)

	e.log.WithFields(log.Fields{
		"bytes":     len(payload),
		"fragments": total,
		"window":    window,
		"file":      isFile,
	}).Info("fragmented transfer started")

	started := time.Now()
	for {
		cursor := e.pcb.seqCursor.Load()
		if cursor > total {
			break
		}
		last := cursor + window - 1
		if last > total {
			last = total
		}

		e.pcb.ackReceived.Store(false)
		if err := e.awaitWindowAck(cursor, last); err != nil {
			return err
		}
	}

	e.pcb.sendWindow.Clear()
	elapsed := time.Since(started)
	e.log.WithFields(log.Fields{
		"fragments": total,
		"elapsed":   elapsed.Round(time.Millisecond).String(),
	}).Info("fragmented transfer acknowledged")
	return nil
}

// awaitWindowAck transmits the window [from, to] and waits for the ack
// flag, retransmitting up to the attempt budget. On exhaustion the link is
// placed in HOLDOFF.
func (e *Engine) awaitWindowAck(from, to uint32) error {
	for attempt := 0; attempt <= e.timing.ActivityAttempts; attempt++ {
		if attempt > 0 {
			e.log.WithFields(log.Fields{"from": from, "to": to, "attempt": attempt}).Warn("window acknowledgment missing, retransmitting")
			util.Stats.AddRetransmit()
		}
		e.transmitWindow(from, to)

		if e.waitForAck(e.timing.ReceiveTimeout) {
			return nil
		}
		if p := e.Phase(); p == PhaseHoldoff || p == PhaseClosed {
			return errors.Wrap(ErrPeerSilent, "transfer cancelled")
		}
	}

	e.pcb.NewPhase(PhaseHoldoff)
	e.stopKeepAlive()
	return errors.Wrap(ErrAckTimeout, "window never acknowledged")
}

// windowSizeFor resolves the effective window: the manual setting, or
// max(1, total/5) under dynamic sizing.
func (e *Engine) windowSizeFor(total uint32) uint32 {
	if e.pcb.dynamicWindow || e.pcb.windowSize == 0 {
		if w := total / 5; w > 1 {
			e.pcb.windowSize = w
		} else {
			e.pcb.windowSize = 1
		}
	}
	return e.pcb.windowSize
}

// buildFragments fills the send window with sealed fragments 1..total.
// The terminal fragment carries no flags (text) or FL (file); a fragment
// closing an intermediate window carries MF|FIN (+FL); every other
// fragment carries MF (+FL).
func (e *Engine) buildFragments(payload []byte, total, window uint32, isFile bool) {
	maxFrag := e.pcb.MaxFrag()
	e.pcb.sendWindow.Clear()

	for seq := uint32(1); seq <= total; seq++ {
		start := int(seq-1) * maxFrag
		end := start + maxFrag
		if end > len(payload) {
			end = len(payload)
		}

		var flags uint8
		switch {
		case seq == total:
			flags = protocol.FlagNone
		case seq%window == 0:
			flags = protocol.FlagMF | protocol.FlagFIN
		default:
			flags = protocol.FlagMF
		}
		if isFile {
			flags |= protocol.FlagFL
		}

		pkt := protocol.New(protocol.NewUint24(seq), flags, payload[start:end])
		pkt.Seal()
		e.pcb.sendWindow.Put(seq, pkt)
	}
}

// transmitWindow sends every stored fragment in [from, to], pacing the
// burst so loopback tests do not overrun the kernel socket buffer. The
// whole window may be dropped by fault injection.
func (e *Engine) transmitWindow(from, to uint32) {
	if e.faults.DropWindow() {
		e.log.WithFields(log.Fields{"from": from, "to": to}).Warn("fault injection dropped window")
		return
	}
	for seq := from; seq <= to; seq++ {
		pkt, ok := e.pcb.sendWindow.Get(seq)
		if !ok {
			continue
		}
		if err := e.transmitData(pkt); err != nil {
			e.log.WithError(err).WithField("seq", seq).Error("transmit fragment")
			continue
		}
		time.Sleep(e.timing.FragmentGap)
	}
}

// transmitData encodes and sends one data frame, applying the
// fault-injection knobs to the outgoing bytes.
func (e *Engine) transmitData(pkt *protocol.Packet) error {
	if e.faults.DropPacket() {
		e.log.WithField("seq", pkt.Header.SeqNumber.Uint32()).Warn("fault injection dropped fragment")
		return nil
	}
	data := protocol.Encode(pkt)
	if len(data) > protocol.HeaderLen && e.faults.Corrupt(data[protocol.HeaderLen:]) {
		e.log.WithField("seq", pkt.Header.SeqNumber.Uint32()).Warn("fault injection corrupted fragment")
	}
	if err := e.ep.Send(data, e.pcb.Peer()); err != nil {
		return err
	}
	e.pcb.UpdateLastActivity()
	util.Stats.AddSent(len(pkt.Payload))
	return nil
}
