package tcu

import (
	"sync/atomic"
	"time"

	"github.com/1ureka/1ureka.net.tcu/internal/protocol"
	"github.com/1ureka/1ureka.net.tcu/internal/util"
)

// startKeepAlive launches the liveness task. Called on entering CONNECT
// (inbound request) or NETWORK (outbound handshake completion); redundant
// calls are no-ops while the task runs.
func (e *Engine) startKeepAlive() {
	e.kaMu.Lock()
	defer e.kaMu.Unlock()
	if e.keepAliveRunning.Swap(true) {
		return
	}
	e.keepAliveDone = make(chan struct{})
	go e.keepAliveLoop(e.keepAliveDone)
}

// stopKeepAlive cancels the task and waits for it to exit. The task
// observes the flag at poll-slice granularity.
func (e *Engine) stopKeepAlive() {
	e.kaMu.Lock()
	e.keepAliveRunning.Store(false)
	done := e.keepAliveDone
	e.kaMu.Unlock()
	if done != nil {
		<-done
	}
}

// keepAliveLoop idles for the activity timeout, then probes the peer up to
// the attempt budget. A probe succeeds when, during its attempt interval,
// the activity clock is found within the activity window (see
// PCB.IsActivityRecent); exhaustion declares the peer dead and moves the
// link to HOLDOFF.
func (e *Engine) keepAliveLoop(done chan struct{}) {
	defer close(done)

	for e.keepAliveRunning.Load() {
		if !sleepSlices(e.timing.ActivityTimeout, e.timing.PollSlice, &e.keepAliveRunning) {
			return
		}

		alive := false
		for attempt := 1; attempt <= e.timing.ActivityAttempts && e.keepAliveRunning.Load(); attempt++ {
			e.log.WithField("attempt", attempt).Info("sending keep-alive")
			e.sendKeepAliveProbe()

			if e.waitForActivity(e.timing.ActivityAttemptInterval) {
				alive = true
				break
			}
		}
		if !e.keepAliveRunning.Load() {
			return
		}

		if !alive {
			e.log.Warn("no keep-alive acknowledgment, closing connection")
			util.LogWarning("destination node down")
			e.keepAliveRunning.Store(false)
			e.pcb.NewPhase(PhaseHoldoff)
			return
		}
	}
}

// sendKeepAliveProbe transmits a KA frame without stamping the activity
// clock: a probe is not evidence of peer life, and stamping it would make
// the freshness check always pass.
func (e *Engine) sendKeepAliveProbe() {
	pkt := protocol.NewControl(0, protocol.FlagKA)
	pkt.Seal()
	if err := e.ep.Send(protocol.Encode(pkt), e.pcb.Peer()); err != nil {
		e.log.WithError(err).Error("send keep-alive probe")
	}
}

// waitForActivity sleeps through the attempt interval in slices, returning
// early once the activity check passes.
func (e *Engine) waitForActivity(interval time.Duration) bool {
	deadline := time.Now().Add(interval)
	for time.Now().Before(deadline) && e.keepAliveRunning.Load() {
		time.Sleep(e.timing.PollSlice)
		if e.pcb.IsActivityRecent() {
			return true
		}
	}
	return false
}

// sleepSlices sleeps for total in slice increments, observing the cancel
// flag. Reports false when cancelled.
func sleepSlices(total, slice time.Duration, flag *atomic.Bool) bool {
	deadline := time.Now().Add(total)
	for time.Now().Before(deadline) {
		if !flag.Load() {
			return false
		}
		time.Sleep(slice)
	}
	return flag.Load()
}
