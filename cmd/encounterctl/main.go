// encounterctl is the control CLI for encounterd.
package main

import (
	"flag"
	"fmt"
	"os"

	"encounterd/internal/config"
	"encounterd/internal/ipc"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

var configPath = flag.String("config", "", "path to config file")

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "status":
		cmdStatus(args)
	case "peers":
		cmdPeers(args)
	case "start":
		cmdStart()
	case "stop":
		cmdStop()
	case "record":
		cmdRecord(args)
	case "list":
		cmdList(args)
	case "pending":
		cmdPending()
	case "retry":
		cmdRetry()
	case "sweep":
		cmdSweep()
	case "erase":
		cmdErase(args)
	case "window":
		cmdWindow(args)
	case "events":
		cmdEvents()
	case "ping":
		cmdPing()
	case "version", "-v", "--version":
		fmt.Printf("encounterctl %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `encounterctl - Control utility for encounterd

Usage: encounterctl [options] <command> [args]

Commands:
  status [-verbose]       Show daemon status
  peers [-follow]         List currently visible peers
  start                   Start discovery
  stop                    Stop discovery (visible peers are kept)
  record [-all] [hash...] Record interactions with visible peers
  list [-pending] [-n N]  List recorded interactions
  pending                 Show how many interactions await upload
  retry                   Retry uploading failed interactions
  sweep                   Delete records past the retention period
  erase [-yes]            Delete ALL interaction records
  window -date D [-conditions a,b]
                          Compute the notification window for a test date
  events                  Stream daemon events
  ping                    Check whether the daemon responds
  help                    Show this help message

Options:
  -config <path>  Path to config file (default: platform config dir)`)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// connect dials the daemon socket. Exits with a hint when the daemon is not
// running; one-shot commands never retry.
func connect() *ipc.IPCClient {
	return connectWith(false)
}

func connectWith(reconnect bool) *ipc.IPCClient {
	cfg := loadConfig()

	clientCfg := ipc.DefaultClientConfig(cfg.IPC.SocketPath)
	clientCfg.ClientName = "encounterctl"
	clientCfg.ClientVersion = Version
	clientCfg.AutoReconnect = reconnect

	client := ipc.NewClient(clientCfg)
	if err := client.Connect(); err != nil {
		printError(fmt.Sprintf("Cannot connect to daemon: %v", err))
		fmt.Fprintf(os.Stderr, "  %sTip%s: start the daemon with: encounterd run\n", c.Dim, c.Reset)
		os.Exit(1)
	}
	return client
}
