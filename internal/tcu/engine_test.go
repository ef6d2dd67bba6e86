package tcu

import (
	"bytes"
	"testing"
	"time"
)

// TestHandshake drives the SYN / SYN|ACK exchange between two loopback
// engines and expects both to settle in NETWORK.
func TestHandshake(t *testing.T) {
	a, b, _, _ := connectPair(t, testNode(), testTiming(time.Hour))

	if a.Phase() != PhaseNetwork {
		t.Errorf("initiator phase = %s, want NETWORK", a.Phase())
	}
	if b.Phase() != PhaseNetwork {
		t.Errorf("responder phase = %s, want NETWORK", b.Phase())
	}
}

// TestConnectWithoutDest verifies the guard on an unconfigured peer.
func TestConnectWithoutDest(t *testing.T) {
	e := newBoundEngine(t, testNode(), testTiming(time.Hour), newCapture())
	if err := e.Connect(); err == nil {
		t.Fatal("expected error connecting without destination")
	}
}

// TestConnectTimeoutEntersHoldoff verifies the send-then-await pattern:
// with no peer answering, the engine gives up and parks in HOLDOFF.
func TestConnectTimeoutEntersHoldoff(t *testing.T) {
	timing := testTiming(time.Hour)
	timing.ConnectionTimeout = 200 * time.Millisecond

	e := newBoundEngine(t, testNode(), timing, newCapture())

	// A destination where nothing answers the SYN.
	if err := e.SetDest("127.0.0.1", 1); err != nil {
		t.Fatalf("SetDest failed: %v", err)
	}
	if err := e.Connect(); err == nil {
		t.Fatal("expected connect timeout")
	}
	if e.Phase() != PhaseHoldoff {
		t.Errorf("phase = %s, want HOLDOFF", e.Phase())
	}
}

// TestSingleFragmentText covers the DF path: the message arrives at the
// peer's text sink and the sender's window drains on ACK(0).
func TestSingleFragmentText(t *testing.T) {
	a, _, _, cb := connectPair(t, testNode(), testTiming(time.Hour))

	if err := a.SendText("hello"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if got := cb.waitText(t, 2*time.Second); got != "hello" {
		t.Errorf("delivered %q, want %q", got, "hello")
	}

	// ACK(0) clears the sender's window.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && a.PCB().sendWindow.Len() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if n := a.PCB().sendWindow.Len(); n != 0 {
		t.Errorf("send window still holds %d entries after ack", n)
	}
}

// TestFragmentedText covers the MF/MF|FIN/terminal path with a small
// fragment cap.
func TestFragmentedText(t *testing.T) {
	node := testNode()
	node.MaxFragSize = 4

	a, _, _, cb := connectPair(t, node, testTiming(time.Hour))

	if err := a.SendText("ABCDEFGHIJ"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if got := cb.waitText(t, 5*time.Second); got != "ABCDEFGHIJ" {
		t.Errorf("delivered %q, want %q", got, "ABCDEFGHIJ")
	}
	if a.Phase() != PhaseNetwork {
		t.Errorf("sender phase = %s, want NETWORK", a.Phase())
	}
}

// TestLargeTransferWithManualWindow pushes many windows through the
// pipeline.
func TestLargeTransferWithManualWindow(t *testing.T) {
	node := testNode()
	node.MaxFragSize = 512
	node.WindowSize = 8
	node.DynamicWindow = false

	a, _, _, cb := connectPair(t, node, testTiming(time.Hour))

	payload := make([]byte, 40*1024)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	if err := a.SendText(string(payload)); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if got := cb.waitText(t, 10*time.Second); got != string(payload) {
		t.Errorf("delivered %d bytes differ from the %d sent", len(got), len(payload))
	}
}

// TestFileRoundTrip covers the FL path end to end: the receiver's file
// sink gets the byte-identical content under the original name.
func TestFileRoundTrip(t *testing.T) {
	node := testNode()
	node.MaxFragSize = 1024

	a, _, _, cb := connectPair(t, node, testTiming(time.Hour))

	content := make([]byte, 100*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}

	if err := a.SendFile("payload.bin", content); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	got := cb.waitFile(t, 10*time.Second)
	if got.name != "payload.bin" {
		t.Errorf("file name = %q, want %q", got.name, "payload.bin")
	}
	if !bytes.Equal(got.data, content) {
		t.Errorf("file content differs: got %d bytes, want %d", len(got.data), len(content))
	}
}

// TestSmallFileSingleFragment covers DF|FL.
func TestSmallFileSingleFragment(t *testing.T) {
	a, _, _, cb := connectPair(t, testNode(), testTiming(time.Hour))

	if err := a.SendFile("note.txt", []byte("file body")); err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	got := cb.waitFile(t, 2*time.Second)
	if got.name != "note.txt" || string(got.data) != "file body" {
		t.Errorf("delivered %q/%q, want note.txt/file body", got.name, got.data)
	}
}

// TestDisconnect drives FIN / FIN|ACK: both sides end in HOLDOFF.
func TestDisconnect(t *testing.T) {
	a, b, _, _ := connectPair(t, testNode(), testTiming(time.Hour))

	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	waitForPhase(t, a, PhaseHoldoff, time.Second)
	waitForPhase(t, b, PhaseHoldoff, time.Second)
}

// TestPhaseGuards verifies the operations forbidden outside their phases.
func TestPhaseGuards(t *testing.T) {
	e := newBoundEngine(t, testNode(), testTiming(time.Hour), newCapture())
	if err := e.SetDest("127.0.0.1", 9); err != nil {
		t.Fatalf("SetDest failed: %v", err)
	}

	// Not connected: data and disconnect are rejected.
	if err := e.SendText("x"); err == nil {
		t.Error("expected SendText to fail before connect")
	}
	if err := e.Disconnect(); err == nil {
		t.Error("expected Disconnect to fail before connect")
	}

	// Connected: a second connect is rejected.
	a, _, _, _ := connectPair(t, testNode(), testTiming(time.Hour))
	if err := a.Connect(); err == nil {
		t.Error("expected Connect to fail on an active connection")
	}
}

// TestShutdownIsClean verifies the destructor path: phase CLOSED, tasks
// stopped, socket closed, and a second shutdown is a no-op.
func TestShutdownIsClean(t *testing.T) {
	a, b, _, _ := connectPair(t, testNode(), testTiming(time.Hour))

	a.Shutdown()
	if a.Phase() != PhaseClosed {
		t.Errorf("phase = %s, want CLOSED", a.Phase())
	}
	a.Shutdown()

	b.Shutdown()
	if b.Phase() != PhaseClosed {
		t.Errorf("phase = %s, want CLOSED", b.Phase())
	}
}
