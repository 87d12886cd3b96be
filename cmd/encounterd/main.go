// encounterd - Proximity encounter daemon
//
// The daemon advertises an anonymous identity over a short-range radio,
// tracks nearby peers, records interactions into a local ledger, and
// uploads them opportunistically. Control happens over a local socket via
// encounterctl.
//
//	encounterd init     Create the state directory, config, and identity key
//	encounterd run      Run the daemon in the foreground
//	encounterd status   Quick local status (no running daemon required)
//	encounterd version  Print the version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"encounterd/internal/config"
	"encounterd/internal/identity"
	"encounterd/internal/ipc"
	"encounterd/internal/ledger"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "init":
		cmdInit()
	case "run":
		cmdRun()
	case "status":
		cmdStatus()
	case "version", "-v", "--version":
		fmt.Printf("encounterd %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `encounterd - Proximity encounter daemon

USAGE:
  encounterd <command> [options]

COMMANDS:
  init      Create the state directory, default config, and identity key
  run       Run the daemon in the foreground
  status    Show local status without talking to a running daemon
  version   Print the version
  help      Show this help message

WORKFLOW:
  1. Run 'encounterd init' once to create the state dir and identity key
  2. Start the daemon with 'encounterd run'
  3. Control it with 'encounterctl' (status, peers, record, retry, ...)

PRIVACY NOTE:
  The daemon never sees or stores who you are. Peers are identified by an
  anonymous hash derived from a local secret. Interaction records live in
  a local database readable only by your user and are deleted after the
  retention period.`)
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[2:])

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}

	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	if created {
		fmt.Printf("Created config: %s\n", path)
	} else {
		fmt.Printf("Config exists: %s\n", path)
	}

	secret, keyCreated, err := identity.LoadOrCreate(cfg.Identity.KeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating identity key: %v\n", err)
		os.Exit(1)
	}
	defer identity.Wipe(secret)

	ident, err := identity.Derive(secret, cfg.Identity.DisplayName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error deriving identity: %v\n", err)
		os.Exit(1)
	}

	if keyCreated {
		fmt.Println("Generating identity key...")
		fmt.Printf("  Key path: %s\n", cfg.Identity.KeyPath)
	}
	fmt.Printf("  ID hash:  %s...\n", ident.IDHash[:16])
	fmt.Printf("  Name:     %s\n", ident.DisplayName)

	fmt.Println()
	fmt.Println("encounterd initialized!")
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review the config at", path)
	fmt.Println("  2. Start the daemon with 'encounterd run'")
	fmt.Println("  3. Check it with 'encounterctl status'")
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("=== encounterd Status ===")
	fmt.Println()

	if ipc.IsSocketListening(cfg.IPC.SocketPath) {
		fmt.Println("Daemon: RUNNING")
		fmt.Printf("  Socket: %s\n", cfg.IPC.SocketPath)
	} else {
		fmt.Println("Daemon: NOT RUNNING")
	}
	fmt.Println()

	fmt.Println("Identity:")
	if _, err := os.Stat(cfg.Identity.KeyPath); os.IsNotExist(err) {
		fmt.Printf("  NOT FOUND: %s (run 'encounterd init')\n", cfg.Identity.KeyPath)
	} else {
		secret, _, err := identity.LoadOrCreate(cfg.Identity.KeyPath)
		if err != nil {
			fmt.Printf("  Error reading key: %v\n", err)
		} else {
			ident, err := identity.Derive(secret, cfg.Identity.DisplayName)
			identity.Wipe(secret)
			if err == nil {
				fmt.Printf("  ID hash: %s...\n", ident.IDHash[:16])
				fmt.Printf("  Name:    %s\n", ident.DisplayName)
			}
		}
	}
	fmt.Println()

	fmt.Println("Database:")
	info, err := os.Stat(cfg.Storage.Path)
	if os.IsNotExist(err) {
		fmt.Println("  Not created yet")
	} else if err != nil {
		fmt.Printf("  Error: %v\n", err)
	} else {
		fmt.Printf("  Path: %s\n", cfg.Storage.Path)
		fmt.Printf("  Size: %s\n", formatBytes(info.Size()))

		led, err := ledger.Open(cfg.Storage.Path)
		if err != nil {
			fmt.Printf("  Error opening: %v\n", err)
		} else {
			defer led.Close()
			ctx := context.Background()
			if total, err := led.Count(ctx); err == nil {
				fmt.Printf("  Interactions: %d\n", total)
			}
			if pending, err := led.PendingCount(ctx); err == nil {
				fmt.Printf("  Pending sync: %d\n", pending)
			}
		}
	}
	fmt.Println()

	fmt.Println("Config:")
	fmt.Printf("  Radio backend: %s\n", cfg.Radio.Backend)
	fmt.Printf("  Sync backend:  %s\n", cfg.Sync.Backend)
	fmt.Printf("  Retention:     %d days\n", cfg.Retention.Days)
	fmt.Printf("  Log file:      %s\n", cfg.Logging.FilePath)
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
