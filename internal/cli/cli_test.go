package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/1ureka/1ureka.net.tcu/internal/config"
)

func testTiming() config.Timing {
	t := config.Default()
	t.ConnectionTimeout = 200 * time.Millisecond
	t.PollSlice = 10 * time.Millisecond
	return t
}

func newTestCLI(t *testing.T) *CLI {
	t.Helper()
	node := config.DefaultNode()
	node.RecvDir = t.TempDir()
	c := New(node, testTiming())
	c.historyPath = filepath.Join(t.TempDir(), "history")
	t.Cleanup(c.Engine().Shutdown)
	return c
}

func TestExecuteTuningCommands(t *testing.T) {
	c := newTestCLI(t)

	testCases := []struct {
		name string
		line string
	}{
		{"frag size", "proc node frag size 512"},
		{"window size", "proc node window size 16"},
		{"window dynamic", "proc node window dynamic"},
		{"error rate", "set error rate 10"},
		{"packet loss rate", "set packet loss rate 5"},
		{"window loss rate", "set window loss rate 1"},
		{"log level", "set log level debug"},
		{"show log", "show log"},
		{"show stats", "show stats"},
		{"help", "help"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if !c.Execute(tc.line) {
				t.Fatalf("Execute(%q) requested termination", tc.line)
			}
		})
	}
}

func TestExecuteRejectsBadInput(t *testing.T) {
	c := newTestCLI(t)

	// None of these terminate the REPL or panic.
	lines := []string{
		"proc node frag size 0",
		"proc node frag size 999999",
		"proc node frag size many",
		"proc node window size -2",
		"proc node dest 300.1.1.1:9000",
		"proc node dest nocolon",
		"proc node port notaport",
		"set error rate 200",
		"set log level verbose",
		"send file /definitely/not/here",
		"gibberish",
	}
	for _, line := range lines {
		if !c.Execute(line) {
			t.Fatalf("Execute(%q) requested termination", line)
		}
	}
}

func TestExecuteFilePath(t *testing.T) {
	c := newTestCLI(t)
	dir := filepath.Join(t.TempDir(), "incoming")

	if !c.Execute("proc node file path " + dir) {
		t.Fatal("Execute requested termination")
	}
	if c.RecvDir() != dir {
		t.Errorf("RecvDir = %q, want %q", c.RecvDir(), dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("directory not created: %v", err)
	}
}

func TestExecuteDest(t *testing.T) {
	c := newTestCLI(t)
	if !c.Execute("proc node dest 127.0.0.1:9001") {
		t.Fatal("Execute requested termination")
	}
	peer := c.Engine().PCB().Peer()
	if peer == nil || peer.Port != 9001 || peer.IP.String() != "127.0.0.1" {
		t.Errorf("peer = %v, want 127.0.0.1:9001", peer)
	}
}

// TestRunScriptedSession drives a whole REPL session: bind an ephemeral
// port, poke a few commands, exit cleanly with history persisted.
func TestRunScriptedSession(t *testing.T) {
	c := newTestCLI(t)

	script := strings.Join([]string{
		"proc node port 0",
		"proc node dest 127.0.0.1:9000",
		"help",
		"",
		"exit",
	}, "\n")

	code := c.Run(strings.NewReader(script))
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	data, err := os.ReadFile(c.historyPath)
	if err != nil {
		t.Fatalf("history not written: %v", err)
	}
	if !strings.Contains(string(data), "proc node port 0") {
		t.Errorf("history missing command:\n%s", data)
	}
}

// TestRunWithoutBindExitsClean verifies EOF with no socket is still a
// clean shutdown.
func TestRunWithoutBindExitsClean(t *testing.T) {
	c := newTestCLI(t)
	if code := c.Run(strings.NewReader("")); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}
