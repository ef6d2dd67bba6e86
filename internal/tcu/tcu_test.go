package tcu

import (
	"testing"
	"time"

	"github.com/1ureka/1ureka.net.tcu/internal/config"
	"github.com/1ureka/1ureka.net.tcu/internal/protocol"
)

// testTiming returns shrunk protocol intervals so liveness scenarios run
// in test time. activityTimeout stays per-test: liveness tests shrink it,
// everything else keeps it long enough never to fire.
func testTiming(activityTimeout time.Duration) config.Timing {
	return config.Timing{
		ActivityTimeout:         activityTimeout,
		ActivityAttempts:        3,
		ActivityAttemptInterval: 150 * time.Millisecond,
		ConnectionTimeout:       2 * time.Second,
		ReceiveTimeout:          2 * time.Second,
		PollSlice:               10 * time.Millisecond,
		FragmentGap:             200 * time.Microsecond,
	}
}

func testNode() config.Node {
	return config.Node{
		MaxFragSize:   protocol.MaxPayloadLen,
		DynamicWindow: true,
		RecvDir:       "recv",
	}
}

type receivedFile struct {
	name string
	data []byte
}

// capture collects sink deliveries for assertions.
type capture struct {
	texts chan string
	files chan receivedFile
}

func newCapture() *capture {
	return &capture{
		texts: make(chan string, 16),
		files: make(chan receivedFile, 16),
	}
}

func (c *capture) sinks() Sinks {
	return Sinks{
		Text: func(msg string) { c.texts <- msg },
		File: func(name string, data []byte) error {
			c.files <- receivedFile{name: name, data: data}
			return nil
		},
	}
}

func (c *capture) waitText(t *testing.T, timeout time.Duration) string {
	t.Helper()
	select {
	case msg := <-c.texts:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for text delivery")
		return ""
	}
}

func (c *capture) waitFile(t *testing.T, timeout time.Duration) receivedFile {
	t.Helper()
	select {
	case f := <-c.files:
		return f
	case <-time.After(timeout):
		t.Fatal("timed out waiting for file delivery")
		return receivedFile{}
	}
}

// newBoundEngine builds an engine bound to an ephemeral loopback port.
func newBoundEngine(t *testing.T, node config.Node, timing config.Timing, c *capture) *Engine {
	t.Helper()
	e := New(node, timing, c.sinks())
	if err := e.Bind(0); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e
}

// connectPair builds two engines, points them at each other and completes
// the handshake.
func connectPair(t *testing.T, node config.Node, timing config.Timing) (a, b *Engine, ca, cb *capture) {
	t.Helper()
	ca, cb = newCapture(), newCapture()
	a = newBoundEngine(t, node, timing, ca)
	b = newBoundEngine(t, node, timing, cb)

	if err := a.SetDest("127.0.0.1", b.LocalPort()); err != nil {
		t.Fatalf("SetDest failed: %v", err)
	}
	if err := b.SetDest("127.0.0.1", a.LocalPort()); err != nil {
		t.Fatalf("SetDest failed: %v", err)
	}

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitForPhase(t, a, PhaseNetwork, time.Second)
	waitForPhase(t, b, PhaseNetwork, time.Second)
	return a, b, ca, cb
}

func waitForPhase(t *testing.T, e *Engine, want Phase, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e.Phase() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase %s never reached (current %s)", want, e.Phase())
}
