// TCU — CLI entry point.
//
// This tool runs one TCU node: a reliable peer-to-peer transport over UDP
// datagrams with connection management, keep-alive, fragmentation and
// CRC-guarded selective repeat. It is driven interactively, one command
// per line; startup flags pre-apply the common node settings.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/1ureka.net.tcu/internal/cli"
	"github.com/1ureka/1ureka.net.tcu/internal/config"
	"github.com/1ureka/1ureka.net.tcu/internal/util"
)

var version = "dev"

func main() {
	// CLI flags.
	port := flag.Int("port", 0, "Local UDP port to bind on startup, 1~65535")
	dest := flag.String("dest", "", "Destination node as <ip>:<port>")
	path := flag.String("path", "", "Directory for incoming files")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("TCU — v%s", version))
	pterm.Println()

	node := config.DefaultNode()
	if *path != "" {
		node.RecvDir = *path
	}

	c := cli.New(node, config.Default())

	if *port > 0 {
		if !preApply(c, fmt.Sprintf("proc node port %d", *port)) {
			os.Exit(1)
		}
	}
	if *dest != "" {
		if !validDest(*dest) {
			util.LogError("invalid -dest: expected <ip>:<port>")
			os.Exit(1)
		}
		preApply(c, "proc node dest "+*dest)
	}

	os.Exit(c.Run(os.Stdin))
}

// preApply runs one startup command through the normal command path.
func preApply(c *cli.CLI, line string) bool {
	return c.Execute(line)
}

// validDest performs the cheap shape check before handing the value to the
// command surface.
func validDest(raw string) bool {
	host, portStr, found := strings.Cut(strings.TrimSpace(raw), ":")
	if !found || host == "" {
		return false
	}
	n, err := strconv.Atoi(portStr)
	return err == nil && n >= 1 && n <= 65535
}
