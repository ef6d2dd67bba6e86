// Package cli is the interactive driver for the TCU engine: one command
// per line, readline-style history persisted across runs, and the node
// management surface (port, destination, fragment/window tuning, transfers,
// log control, fault injection).
package cli

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"

	"github.com/1ureka/1ureka.net.tcu/internal/config"
	"github.com/1ureka/1ureka.net.tcu/internal/fileio"
	"github.com/1ureka/1ureka.net.tcu/internal/protocol"
	"github.com/1ureka/1ureka.net.tcu/internal/tcu"
	"github.com/1ureka/1ureka.net.tcu/internal/util"
)

const historyFile = ".tcu_history"

// CLI drives one engine instance. It owns the engine's sinks: received
// text is printed, received files are stored under the configured
// directory.
type CLI struct {
	engine *tcu.Engine

	dirMu   sync.Mutex
	recvDir string

	history     []string
	historyPath string

	exitCode int
}

// New builds the driver and its engine from the node settings.
func New(node config.Node, timing config.Timing) *CLI {
	c := &CLI{
		recvDir:     node.RecvDir,
		historyPath: historyFile,
	}
	c.engine = tcu.New(node, timing, tcu.Sinks{
		Text: c.deliverText,
		File: c.storeFile,
	})
	return c
}

// Engine exposes the owned engine (tests and cmd wiring).
func (c *CLI) Engine() *tcu.Engine { return c.engine }

// RecvDir returns the directory incoming files are stored in.
func (c *CLI) RecvDir() string {
	c.dirMu.Lock()
	defer c.dirMu.Unlock()
	return c.recvDir
}

func (c *CLI) setRecvDir(dir string) {
	c.dirMu.Lock()
	c.recvDir = dir
	c.dirMu.Unlock()
}

// ──────────────────────────────────────────────────────────────────────────────
// Sinks
// ──────────────────────────────────────────────────────────────────────────────

func (c *CLI) deliverText(msg string) {
	pterm.Println()
	util.LogInfo("message received: %s", msg)
}

func (c *CLI) storeFile(name string, data []byte) error {
	dest, err := fileio.Store(c.RecvDir(), name, data)
	if err != nil {
		util.LogError("failed to store received file %s: %v", name, err)
		return err
	}
	util.LogInfo("file received: %s (%d bytes)", dest, len(data))
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// REPL
// ──────────────────────────────────────────────────────────────────────────────

// Run reads commands from in until "exit" or EOF and returns the process
// exit code: 0 on clean shutdown, nonzero after a fatal socket failure.
func (c *CLI) Run(in io.Reader) int {
	c.loadHistory()
	defer c.saveHistory()
	defer c.engine.Shutdown()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.history = append(c.history, line)

		if line == "exit" {
			break
		}
		if !c.Execute(line) {
			break
		}
	}
	return c.exitCode
}

// Execute runs one command line. It returns false when the REPL should
// terminate (fatal socket failure).
func (c *CLI) Execute(line string) bool {
	switch {
	case strings.HasPrefix(line, "proc node port "):
		port, err := parsePort(strings.TrimPrefix(line, "proc node port "))
		if err != nil {
			util.LogWarning("%v", err)
			return true
		}
		if err := c.engine.Bind(port); err != nil {
			if errors.Is(err, tcu.ErrWrongPhase) {
				util.LogWarning("socket already bound")
				return true
			}
			util.LogError("fatal socket failure: %v", err)
			c.exitCode = 1
			return false
		}
		util.LogInfo("listening on port %d", c.engine.LocalPort())

	case strings.HasPrefix(line, "proc node dest "):
		c.cmdDest(strings.TrimPrefix(line, "proc node dest "))

	case strings.HasPrefix(line, "proc node frag size "):
		c.cmdFragSize(strings.TrimPrefix(line, "proc node frag size "))

	case strings.HasPrefix(line, "proc node window size "):
		c.cmdWindowSize(strings.TrimPrefix(line, "proc node window size "))

	case line == "proc node window dynamic":
		c.engine.PCB().SetDynamicWindow()
		util.LogInfo("dynamic window sizing enabled")

	case strings.HasPrefix(line, "proc node file path "):
		c.cmdFilePath(strings.TrimPrefix(line, "proc node file path "))

	case line == "proc node connect":
		if err := c.engine.Connect(); err != nil {
			util.LogWarning("%v", err)
		} else {
			util.LogInfo("connection established")
		}

	case line == "proc node disconnect":
		if err := c.engine.Disconnect(); err != nil {
			util.LogWarning("%v", err)
		} else {
			util.LogInfo("connection closed")
		}

	case strings.HasPrefix(line, "send text "):
		if err := c.engine.SendText(strings.TrimPrefix(line, "send text ")); err != nil {
			util.LogWarning("%v", err)
		}

	case strings.HasPrefix(line, "send file "):
		c.cmdSendFile(strings.TrimPrefix(line, "send file "))

	case strings.HasPrefix(line, "set log level "):
		level := strings.TrimPrefix(line, "set log level ")
		if err := util.Engine.SetLevelByName(level); err != nil {
			util.LogWarning("%v", err)
		} else {
			util.LogInfo("log level set to %s", level)
		}

	case line == "show log":
		pterm.Println(util.Engine.Dump())

	case line == "show stats":
		util.LogInfo("%s", util.Stats.Summary())

	case strings.HasPrefix(line, "set error rate "):
		c.cmdRate(strings.TrimPrefix(line, "set error rate "), c.engine.Faults().SetErrorRate)

	case strings.HasPrefix(line, "set packet loss rate "):
		c.cmdRate(strings.TrimPrefix(line, "set packet loss rate "), c.engine.Faults().SetPacketLossRate)

	case strings.HasPrefix(line, "set window loss rate "):
		c.cmdRate(strings.TrimPrefix(line, "set window loss rate "), c.engine.Faults().SetWindowLossRate)

	case line == "help":
		printHelp()

	default:
		util.LogWarning("unknown command, enter help")
	}
	return true
}

// ──────────────────────────────────────────────────────────────────────────────
// Command handlers
// ──────────────────────────────────────────────────────────────────────────────

func (c *CLI) cmdDest(arg string) {
	host, portStr, found := strings.Cut(arg, ":")
	if !found {
		util.LogWarning("expected <ip>:<port>")
		return
	}
	port, err := parsePort(portStr)
	if err != nil {
		util.LogWarning("%v", err)
		return
	}
	if net.ParseIP(host) == nil {
		util.LogWarning("invalid ip addr format")
		return
	}
	if err := c.engine.SetDest(host, port); err != nil {
		util.LogWarning("%v", err)
		return
	}
	util.LogInfo("destination set to %s:%d", host, port)
}

func (c *CLI) cmdFragSize(arg string) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || !c.engine.PCB().SetMaxFrag(n) {
		util.LogWarning("invalid fragment size: must be 1 ~ %d", protocol.MaxPayloadLen)
		return
	}
	util.LogInfo("max fragment size set to %d", n)
}

func (c *CLI) cmdWindowSize(arg string) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n <= 0 || !c.engine.PCB().SetWindowSize(uint32(n)) {
		util.LogWarning("invalid window size: must be positive")
		return
	}
	util.LogInfo("window size set to %d (dynamic sizing disabled)", n)
}

func (c *CLI) cmdFilePath(arg string) {
	dir := strings.TrimSpace(arg)
	if dir == "" {
		util.LogWarning("invalid path")
		return
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		util.LogWarning("invalid path: %v", err)
		return
	}
	c.setRecvDir(dir)
	util.LogInfo("incoming files will be saved under %s", dir)
}

func (c *CLI) cmdSendFile(arg string) {
	path := strings.TrimSpace(arg)
	name, data, err := fileio.ReadSource(path)
	if err != nil {
		util.LogWarning("error file opening/reading: %v", err)
		return
	}
	if err := c.engine.SendFile(name, data); err != nil {
		util.LogWarning("%v", err)
	}
}

func (c *CLI) cmdRate(arg string, set func(int)) {
	pct, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(arg, "%")))
	if err != nil || pct < 0 || pct > 100 {
		util.LogWarning("invalid rate: must be 0 ~ 100")
		return
	}
	set(pct)
	util.LogInfo("rate set to %d%%", pct)
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 65535 {
		return 0, errors.Errorf("invalid port number: %s", strings.TrimSpace(s))
	}
	return uint16(n), nil
}

func printHelp() {
	pterm.Println("commands:\n" +
		" proc node port <port>              - bind the local UDP socket\n" +
		" proc node dest <ip>:<port>         - set destination node ip and port\n" +
		" proc node frag size <n>            - set max fragment payload size\n" +
		" proc node window size <n>          - set manual window size\n" +
		" proc node window dynamic           - enable dynamic window sizing\n" +
		" proc node file path <dir>          - directory for incoming files\n" +
		" proc node connect                  - connect to destination node\n" +
		" proc node disconnect               - disconnect from destination node\n" +
		" send text <msg>                    - send a text message\n" +
		" send file <path>                   - send a file\n" +
		" set log level <level>              - trace, debug, info, warn, error, critical\n" +
		" show log                           - display buffered engine log\n" +
		" show stats                         - display transfer counters\n" +
		" set error rate <percent>           - inject payload bit errors\n" +
		" set packet loss rate <percent>     - drop outgoing fragments\n" +
		" set window loss rate <percent>     - drop whole window transmissions\n" +
		" exit                               - stop the node and quit")
}

// ──────────────────────────────────────────────────────────────────────────────
// History
// ──────────────────────────────────────────────────────────────────────────────

func (c *CLI) loadHistory() {
	data, err := os.ReadFile(c.historyPath)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			c.history = append(c.history, line)
		}
	}
}

func (c *CLI) saveHistory() {
	const keep = 500
	lines := c.history
	if len(lines) > keep {
		lines = lines[len(lines)-keep:]
	}
	_ = os.WriteFile(c.historyPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644)
}
