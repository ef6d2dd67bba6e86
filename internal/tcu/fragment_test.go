package tcu

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/1ureka/1ureka.net.tcu/internal/protocol"
)

// TestFragmentationReconstitutes verifies that fragmenting and
// concatenating payloads in ascending seq order yields the original bytes
// across fragment caps.
func TestFragmentationReconstitutes(t *testing.T) {
	payload := make([]byte, 10*1024)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	for _, maxFrag := range []int{1, 3, 64, 1000, protocol.MaxPayloadLen} {
		t.Run(fmt.Sprintf("maxFrag=%d", maxFrag), func(t *testing.T) {
			node := testNode()
			node.MaxFragSize = maxFrag
			e := New(node, testTiming(time.Hour), Sinks{})

			total := uint32((len(payload) + maxFrag - 1) / maxFrag)
			window := e.windowSizeFor(total)
			e.buildFragments(payload, total, window, false)

			var rebuilt []byte
			var count uint32
			e.pcb.sendWindow.Ascend(func(seq uint32, pkt *protocol.Packet) bool {
				count++
				if seq != count {
					t.Fatalf("seq gap: got %d, want %d", seq, count)
				}
				rebuilt = append(rebuilt, pkt.Payload...)
				return true
			})

			if count != total {
				t.Fatalf("built %d fragments, want %d", count, total)
			}
			if !bytes.Equal(rebuilt, payload) {
				t.Fatal("reassembled payload differs from original")
			}
		})
	}
}

// TestFragmentFlags pins the flag assignment: MF mid-window, MF|FIN at
// intermediate window boundaries, terminal flag on the last fragment.
func TestFragmentFlags(t *testing.T) {
	node := testNode()
	node.MaxFragSize = 4
	node.WindowSize = 3
	node.DynamicWindow = false

	e := New(node, testTiming(time.Hour), Sinks{})

	payload := bytes.Repeat([]byte("x"), 4*8) // 8 fragments, windows of 3
	e.buildFragments(payload, 8, 3, false)

	wantFlags := map[uint32]uint8{
		1: protocol.FlagMF,
		2: protocol.FlagMF,
		3: protocol.FlagMF | protocol.FlagFIN,
		4: protocol.FlagMF,
		5: protocol.FlagMF,
		6: protocol.FlagMF | protocol.FlagFIN,
		7: protocol.FlagMF,
		8: protocol.FlagNone,
	}
	for seq, want := range wantFlags {
		pkt, ok := e.pcb.sendWindow.Get(seq)
		if !ok {
			t.Fatalf("fragment %d missing", seq)
		}
		if pkt.Header.Flags != want {
			t.Errorf("fragment %d flags = %#02x, want %#02x", seq, pkt.Header.Flags, want)
		}
		if !pkt.VerifyChecksum() {
			t.Errorf("fragment %d not sealed", seq)
		}
	}
}

// TestFragmentFlagsFile verifies the FL bit rides along on every file
// fragment.
func TestFragmentFlagsFile(t *testing.T) {
	node := testNode()
	node.MaxFragSize = 2

	e := New(node, testTiming(time.Hour), Sinks{})
	e.buildFragments([]byte("ABCDEF"), 3, 1, true)

	for seq := uint32(1); seq <= 3; seq++ {
		pkt, ok := e.pcb.sendWindow.Get(seq)
		if !ok {
			t.Fatalf("fragment %d missing", seq)
		}
		if !pkt.HasFlags(protocol.FlagFL) {
			t.Errorf("fragment %d lacks FL: flags %#02x", seq, pkt.Header.Flags)
		}
	}
	last, _ := e.pcb.sendWindow.Get(3)
	if last.Header.Flags != protocol.FlagFL {
		t.Errorf("terminal file fragment flags = %#02x, want %#02x", last.Header.Flags, protocol.FlagFL)
	}
}

// TestDynamicWindowSizing pins max(1, total/5).
func TestDynamicWindowSizing(t *testing.T) {
	testCases := []struct {
		total uint32
		want  uint32
	}{
		{1, 1},
		{4, 1},
		{5, 1},
		{10, 2},
		{100, 20},
	}

	for _, tc := range testCases {
		e := New(testNode(), testTiming(time.Hour), Sinks{})
		if got := e.windowSizeFor(tc.total); got != tc.want {
			t.Errorf("windowSizeFor(%d) = %d, want %d", tc.total, got, tc.want)
		}
	}
}
