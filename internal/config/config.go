// Package config holds the node settings and protocol timing constants.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/1ureka/1ureka.net.tcu/internal/protocol"
)

// Timing groups the protocol intervals. Production code uses Default();
// tests shrink these to keep liveness scenarios fast.
type Timing struct {
	// ActivityTimeout is the idle period before the keep-alive task starts
	// probing the peer.
	ActivityTimeout time.Duration
	// ActivityAttempts is how many probes are sent before the peer is
	// declared silent.
	ActivityAttempts int
	// ActivityAttemptInterval is the wait between successive probes.
	ActivityAttemptInterval time.Duration
	// ConnectionTimeout bounds the wait for SYN|ACK and FIN|ACK.
	ConnectionTimeout time.Duration
	// ReceiveTimeout bounds the wait for a window acknowledgment.
	ReceiveTimeout time.Duration
	// PollSlice is the granularity at which waiting loops observe
	// cancellation.
	PollSlice time.Duration
	// FragmentGap separates successive fragment transmissions so loopback
	// bursts do not overrun the kernel socket buffer.
	FragmentGap time.Duration
}

// Default returns the protocol timing constants.
func Default() Timing {
	return Timing{
		ActivityTimeout:         300 * time.Second,
		ActivityAttempts:        3,
		ActivityAttemptInterval: 5 * time.Second,
		ConnectionTimeout:       5 * time.Second,
		ReceiveTimeout:          60 * time.Second,
		PollSlice:               100 * time.Millisecond,
		FragmentGap:             500 * time.Microsecond,
	}
}

// ActivityWindow is the freshness horizon for is-activity-recent checks:
// attempts × attempt interval (15 s with defaults).
func (t Timing) ActivityWindow() time.Duration {
	return time.Duration(t.ActivityAttempts) * t.ActivityAttemptInterval
}

// Node carries the operator-settable node parameters.
type Node struct {
	// MaxFragSize caps a fragment's payload; (0, protocol.MaxPayloadLen].
	MaxFragSize int
	// WindowSize is the manual window size; ignored when DynamicWindow.
	WindowSize int
	// DynamicWindow derives the window from the fragment count
	// (max(1, total/5)).
	DynamicWindow bool
	// RecvDir is where incoming files are stored.
	RecvDir string
}

// DefaultNode returns the defaults: full Ethernet-safe fragments, dynamic
// windowing, files under $HOME/recv (or ./recv when HOME is unset).
func DefaultNode() Node {
	return Node{
		MaxFragSize:   protocol.MaxPayloadLen,
		DynamicWindow: true,
		RecvDir:       defaultRecvDir(),
	}
}

func defaultRecvDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, "recv")
	}
	return "recv"
}
