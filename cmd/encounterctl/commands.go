// IPC-backed commands for encounterctl. Each command dials the daemon
// socket, runs one request, and prints the result; only events and
// peers -follow hold the connection open.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"encounterd/internal/ipc"
	"encounterd/internal/window"
)

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "include metrics and health detail")
	fs.Parse(args)

	cli := connect()
	defer cli.Close()

	status, err := cli.Status(*verbose)
	if err != nil {
		printError(fmt.Sprintf("Failed to get status: %v", err))
		os.Exit(1)
	}

	printSection("DAEMON")
	fmt.Printf("  %sVersion%s      %s%s%s\n", c.Dim, c.Reset, c.Cyan, status.Version, c.Reset)
	fmt.Printf("  %sUptime%s       %s\n", c.Dim, c.Reset, status.Uptime.Round(time.Second))
	fmt.Printf("  %sStarted%s      %s\n", c.Dim, c.Reset, status.StartedAt.Format(time.RFC3339))
	fmt.Printf("  %sName%s         %s\n", c.Dim, c.Reset, status.DisplayName)
	fmt.Printf("  %sID hash%s      %s\n", c.Dim, c.Reset, shortHash(status.IDHash))
	switch status.Health {
	case "healthy":
		fmt.Printf("  %sHealth%s       %s%sHEALTHY%s\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset)
	case "degraded":
		fmt.Printf("  %sHealth%s       %s%sDEGRADED%s\n", c.Dim, c.Reset, c.Bold, c.Yellow, c.Reset)
	case "unhealthy":
		fmt.Printf("  %sHealth%s       %s%sUNHEALTHY%s\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset)
	default:
		fmt.Printf("  %sHealth%s       %s\n", c.Dim, c.Reset, status.Health)
	}

	printSection("DISCOVERY")
	if status.Discovery.Discovering {
		fmt.Printf("  %sState%s        %s%sACTIVE%s\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset)
	} else {
		fmt.Printf("  %sState%s        %s%s%s\n", c.Dim, c.Reset, c.Yellow, strings.ToUpper(status.DiscoveryPhase), c.Reset)
	}
	fmt.Printf("  %sAdapter%s      %s\n", c.Dim, c.Reset, status.Discovery.Adapter)
	fmt.Printf("  %sVisible%s      %d peers\n", c.Dim, c.Reset, status.PeerCount)

	printSection("LEDGER")
	fmt.Printf("  %sInteractions%s %d\n", c.Dim, c.Reset, status.InteractionCount)
	if status.PendingCount > 0 {
		fmt.Printf("  %sPending%s      %s%d awaiting upload%s\n", c.Dim, c.Reset, c.Yellow, status.PendingCount, c.Reset)
	} else {
		fmt.Printf("  %sPending%s      0\n", c.Dim, c.Reset)
	}
	fmt.Printf("  %sSync backend%s %s\n", c.Dim, c.Reset, status.SyncBackend)

	if *verbose && status.HealthDetail != nil {
		printSection("HEALTH CHECKS")
		names := make([]string, 0, len(status.HealthDetail.Components))
		for name := range status.HealthDetail.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			result := status.HealthDetail.Components[name]
			mark := c.Green + "ok" + c.Reset
			if result.Status != "healthy" {
				mark = c.Red + string(result.Status) + c.Reset
			}
			fmt.Printf("  %s%-12s%s %s", c.Dim, name, c.Reset, mark)
			if result.Message != "" {
				fmt.Printf("  %s%s%s", c.Dim, result.Message, c.Reset)
			}
			fmt.Println()
		}
	}

	if *verbose && status.Metrics != nil {
		printSection("METRICS")
		keys := make([]string, 0, len(status.Metrics))
		for k := range status.Metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s%-28s%s %v\n", c.Dim, k, c.Reset, status.Metrics[k])
		}
	}

	fmt.Println()
}

func cmdPeers(args []string) {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	follow := fs.Bool("follow", false, "keep running and reprint on changes")
	fs.Parse(args)

	cli := connectWith(*follow)
	defer cli.Close()

	printPeers(cli)

	if !*follow {
		return
	}

	// Reprint on every peer-set change. Events carry only counts; the
	// snapshot itself always comes from a fresh request.
	if err := cli.Subscribe([]ipc.EventType{ipc.EventPeersChanged}); err != nil {
		printError(fmt.Sprintf("Failed to subscribe: %v", err))
		os.Exit(1)
	}
	fmt.Printf("%sWatching for changes... Press Ctrl+C to stop%s\n", c.Dim, c.Reset)

	for event := range cli.Events() {
		if event.Type != ipc.EventPeersChanged {
			continue
		}
		printPeers(cli)
	}
}

func printPeers(cli *ipc.IPCClient) {
	resp, err := cli.Peers()
	if err != nil {
		printError(fmt.Sprintf("Failed to list peers: %v", err))
		os.Exit(1)
	}

	if resp.Count == 0 {
		fmt.Printf("  %sNo peers visible.%s\n", c.Dim, c.Reset)
		return
	}

	printSection(fmt.Sprintf("VISIBLE PEERS (%d)", resp.Count))
	fmt.Printf("  %s%-20s %-20s %8s  %s%s\n", c.Dim, "ID HASH", "NAME", "SIGNAL", "LAST SEEN", c.Reset)
	for _, p := range resp.Peers {
		fmt.Printf("  %s%-20s%s %-20s %5d dBm  %s\n",
			c.Cyan, shortHash(p.ID), c.Reset,
			p.DisplayName,
			p.SignalStrength,
			p.LastSeen.Local().Format("15:04:05"))
	}
	fmt.Println()
}

func cmdStart() {
	cli := connect()
	defer cli.Close()

	resp, err := cli.DiscoveryStart()
	if err != nil {
		var derr *ipc.DaemonError
		if errors.As(err, &derr) {
			switch derr.Code {
			case ipc.ErrNotSupported:
				printError("Radio is not supported on this device")
			case ipc.ErrRadioOff:
				printError("Radio adapter is off; turn it on and try again")
			default:
				printError(derr.Message)
			}
		} else {
			printError(fmt.Sprintf("Failed to start discovery: %v", err))
		}
		os.Exit(1)
	}

	if !resp.Success {
		printError(resp.Error)
		if len(resp.MissingPermissions) > 0 {
			fmt.Fprintf(os.Stderr, "  %sMissing permissions:%s %s\n",
				c.Dim, c.Reset, strings.Join(resp.MissingPermissions, ", "))
		}
		os.Exit(1)
	}

	fmt.Printf("\n%s%s DISCOVERY STARTED %s\n\n", c.Bold, c.Green, c.Reset)
	fmt.Printf("  %sAdapter%s  %s\n", c.Dim, c.Reset, resp.State.Adapter)
	fmt.Println()
}

func cmdStop() {
	cli := connect()
	defer cli.Close()

	resp, err := cli.DiscoveryStop()
	if err != nil {
		printError(fmt.Sprintf("Failed to stop discovery: %v", err))
		os.Exit(1)
	}

	fmt.Printf("\n%s%s DISCOVERY STOPPED %s\n\n", c.Bold, c.Yellow, c.Reset)
	fmt.Printf("  %sAdapter%s  %s\n", c.Dim, c.Reset, resp.State.Adapter)
	fmt.Printf("  %sVisible peers are kept until they go stale.%s\n", c.Dim, c.Reset)
	fmt.Println()
}

func cmdRecord(args []string) {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	all := fs.Bool("all", false, "record an interaction with every visible peer")
	fs.Parse(args)

	hashes := fs.Args()
	if !*all && len(hashes) == 0 {
		printError("Usage: encounterctl record -all | encounterctl record <id-hash>...")
		os.Exit(1)
	}

	cli := connect()
	defer cli.Close()

	resp, err := cli.Record(*all, hashes)
	if err != nil {
		var derr *ipc.DaemonError
		if errors.As(err, &derr) {
			printError(derr.Message)
		} else {
			printError(fmt.Sprintf("Failed to record: %v", err))
		}
		os.Exit(1)
	}

	fmt.Printf("\n%s%s RECORDED %d INTERACTION(S) %s\n\n", c.Bold, c.Green, resp.Count, c.Reset)
	fmt.Printf("  %sRecords are stored locally and uploaded in the background.%s\n", c.Dim, c.Reset)
	fmt.Println()
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	pendingOnly := fs.Bool("pending", false, "only interactions awaiting upload")
	limit := fs.Int("n", 20, "maximum number of interactions to show (0 = all)")
	fs.Parse(args)

	cli := connect()
	defer cli.Close()

	resp, err := cli.ListInteractions(*pendingOnly, *limit)
	if err != nil {
		printError(fmt.Sprintf("Failed to list interactions: %v", err))
		os.Exit(1)
	}

	if len(resp.Interactions) == 0 {
		fmt.Printf("  %sNo interactions recorded.%s\n", c.Dim, c.Reset)
		return
	}

	title := "INTERACTIONS"
	if *pendingOnly {
		title = "PENDING INTERACTIONS"
	}
	printSection(title)

	for _, in := range resp.Interactions {
		status := c.Green + "synced" + c.Reset
		if in.Status != "synced" {
			status = c.Yellow + string(in.Status) + c.Reset
		}
		fmt.Printf("  %s%s%s  %s\n", c.Cyan, shortHash(in.ID), c.Reset, in.RecordedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("      %sPartner%s %s (%s)\n", c.Dim, c.Reset, in.PartnerDisplayName, shortHash(in.PartnerIDHash))
		fmt.Printf("      %sStatus%s  %s\n", c.Dim, c.Reset, status)
		fmt.Println()
	}

	if *limit > 0 && resp.Total > len(resp.Interactions) {
		fmt.Printf("  %s(showing %d of %d)%s\n", c.Dim, len(resp.Interactions), resp.Total, c.Reset)
	}
}

func cmdPending() {
	cli := connect()
	defer cli.Close()

	resp, err := cli.Pending()
	if err != nil {
		printError(fmt.Sprintf("Failed to get pending count: %v", err))
		os.Exit(1)
	}

	if !resp.HasPending {
		fmt.Printf("  %sAll interactions are uploaded.%s\n", c.Dim, c.Reset)
		return
	}
	fmt.Printf("  %s%d%s interaction(s) awaiting upload. Run 'encounterctl retry' to push now.\n",
		c.Bold, resp.Count, c.Reset)
}

func cmdRetry() {
	cli := connect()
	defer cli.Close()

	fmt.Printf("Retrying failed uploads...")

	resp, err := cli.Retry()
	if err != nil {
		fmt.Println()
		printError(fmt.Sprintf("Retry failed: %v", err))
		os.Exit(1)
	}
	fmt.Printf(" done\n\n")

	fmt.Printf("  %sUploaded%s  %s%d%s\n", c.Dim, c.Reset, c.Green, resp.SuccessCount, c.Reset)
	if resp.FailureCount > 0 {
		fmt.Printf("  %sFailed%s    %s%d%s\n", c.Dim, c.Reset, c.Red, resp.FailureCount, c.Reset)
		for _, id := range resp.FailedIDs {
			fmt.Printf("      %s\n", shortHash(id))
		}
		fmt.Printf("\n  %sFailed records stay queued; retry again later.%s\n", c.Dim, c.Reset)
	}
	fmt.Println()
}

func cmdSweep() {
	cli := connect()
	defer cli.Close()

	resp, err := cli.Sweep()
	if err != nil {
		printError(fmt.Sprintf("Sweep failed: %v", err))
		os.Exit(1)
	}

	if resp.Deleted == 0 {
		fmt.Printf("  %sNo records past the retention period.%s\n", c.Dim, c.Reset)
		return
	}
	fmt.Printf("  Deleted %s%d%s record(s) past the retention period.\n", c.Bold, resp.Deleted, c.Reset)
}

func cmdErase(args []string) {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	fs.Parse(args)

	if !*yes {
		fmt.Printf("%s%sThis deletes ALL interaction records, including ones not yet uploaded.%s\n",
			c.Bold, c.Red, c.Reset)
		fmt.Print("Type 'erase' to confirm: ")

		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		if strings.TrimSpace(line) != "erase" {
			fmt.Println("Aborted.")
			os.Exit(1)
		}
	}

	cli := connect()
	defer cli.Close()

	resp, err := cli.Erase(true)
	if err != nil {
		printError(fmt.Sprintf("Erase failed: %v", err))
		os.Exit(1)
	}

	fmt.Printf("\n%s%s ERASED %s\n\n", c.Bold, c.Red, c.Reset)
	fmt.Printf("  %sDeleted%s %d record(s). Currently visible peers are unaffected.\n",
		c.Dim, c.Reset, resp.Deleted)
	fmt.Println()
}

// cmdWindow computes the notification window locally. The calculation is
// pure, so it works with or without a running daemon.
func cmdWindow(args []string) {
	fs := flag.NewFlagSet("window", flag.ExitOnError)
	date := fs.String("date", "", "positive test date (YYYY-MM-DD)")
	conditionsArg := fs.String("conditions", "", "comma-separated conditions (e.g. covid19,influenza)")
	fs.Parse(args)

	if *date == "" {
		printError("Usage: encounterctl window -date YYYY-MM-DD [-conditions a,b]")
		os.Exit(1)
	}

	testDate, err := time.Parse("2006-01-02", *date)
	if err != nil {
		printError(fmt.Sprintf("Invalid date %q: use YYYY-MM-DD", *date))
		os.Exit(1)
	}

	var conditions []window.Condition
	if *conditionsArg != "" {
		for _, s := range strings.Split(*conditionsArg, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				conditions = append(conditions, window.Condition(s))
			}
		}
	}

	cfg := loadConfig()
	calc := window.New(window.Config{DefaultDays: cfg.Report.DefaultDays})

	today := time.Now().UTC()
	if err := calc.ValidateTestDate(testDate, today); err != nil {
		switch {
		case errors.Is(err, window.ErrFutureDate):
			printError("Test date is in the future")
		case errors.Is(err, window.ErrBeyondRetention):
			printError(fmt.Sprintf("Test date is more than %d days ago; records that old are already deleted", window.RetentionDays))
		default:
			printError(err.Error())
		}
		os.Exit(1)
	}

	win := calc.Calculate(conditions, testDate, today)

	printSection("NOTIFICATION WINDOW")
	fmt.Printf("  %sTest date%s   %s\n", c.Dim, c.Reset, testDate.Format("2006-01-02"))
	if len(conditions) > 0 {
		fmt.Printf("  %sConditions%s  %s\n", c.Dim, c.Reset, *conditionsArg)
	} else {
		fmt.Printf("  %sConditions%s  (none; assuming %d-day incubation)\n", c.Dim, c.Reset, calc.MaxIncubationDays(nil))
	}
	fmt.Printf("  %sIncubation%s  %d days\n", c.Dim, c.Reset, calc.MaxIncubationDays(conditions))
	fmt.Println()
	fmt.Printf("  %sFrom%s  %s%s%s\n", c.Dim, c.Reset, c.Bold, win.Start.Format("2006-01-02"), c.Reset)
	fmt.Printf("  %sTo%s    %s%s%s\n", c.Dim, c.Reset, c.Bold, win.End.Format("2006-01-02"), c.Reset)
	fmt.Printf("  %sDays%s  %d\n", c.Dim, c.Reset, win.Days)
	fmt.Println()
	fmt.Printf("  %sInteractions recorded in this window should be notified.%s\n", c.Dim, c.Reset)
	fmt.Println()
}

func cmdEvents() {
	cli := connectWith(true)
	defer cli.Close()

	if err := cli.Subscribe(nil); err != nil {
		printError(fmt.Sprintf("Failed to subscribe: %v", err))
		os.Exit(1)
	}

	fmt.Printf("%s%s SUBSCRIBED %s\n\n", c.Bold, c.Green, c.Reset)
	fmt.Println("Waiting for events... Press Ctrl+C to stop")
	fmt.Println()

	for event := range cli.Events() {
		data, _ := json.Marshal(event.Data)
		fmt.Printf("[%s] %s%-22s%s %s\n",
			event.Timestamp.Local().Format("15:04:05"),
			c.Cyan, eventTypeName(event.Type), c.Reset,
			string(data))
	}
}

func eventTypeName(et ipc.EventType) string {
	switch et {
	case ipc.EventPeersChanged:
		return "PeersChanged"
	case ipc.EventDiscoveryState:
		return "DiscoveryState"
	case ipc.EventInteractionRecorded:
		return "InteractionRecorded"
	case ipc.EventSyncCompleted:
		return "SyncCompleted"
	case ipc.EventError:
		return "Error"
	case ipc.EventDaemonShutdown:
		return "DaemonShutdown"
	case ipc.EventConfigChanged:
		return "ConfigChanged"
	default:
		return fmt.Sprintf("Unknown(%d)", et)
	}
}

func cmdPing() {
	cfg := loadConfig()

	clientCfg := ipc.DefaultClientConfig(cfg.IPC.SocketPath)
	clientCfg.ClientVersion = Version
	clientCfg.AutoReconnect = false

	cli := ipc.NewClient(clientCfg)
	if err := cli.Connect(); err != nil {
		fmt.Printf("  %sDaemon%s  %s%sNOT RUNNING%s\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset)
		os.Exit(1)
	}
	defer cli.Close()

	start := time.Now()
	if err := cli.Ping(); err != nil {
		fmt.Printf("  %sDaemon%s  %s%sNOT RESPONDING%s (%v)\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset, err)
		os.Exit(1)
	}
	latency := time.Since(start)

	fmt.Printf("  %sDaemon%s  %s%sRUNNING%s %s(%s, latency %s)%s\n",
		c.Dim, c.Reset, c.Bold, c.Green, c.Reset,
		c.Dim, cli.ServerVersion(), latency.Round(time.Microsecond), c.Reset)
}
