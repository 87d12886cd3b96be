package ipc

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"encounterd/internal/config"
	"encounterd/internal/discovery"
	"encounterd/internal/identity"
	"encounterd/internal/ledger"
	"encounterd/internal/presence"
	"encounterd/internal/radio"
	"encounterd/internal/remote"
	"encounterd/internal/sync"
	"encounterd/internal/window"
)

// Test helpers

type testDaemon struct {
	srv    *Server
	mock   *radio.Mock
	store  *presence.Store
	led    *ledger.Ledger
	remote *remote.MemoryStore
	sock   string
}

// newTestDaemon wires a full daemon behind a real socket in a temp dir
// and returns a connected client.
func newTestDaemon(t *testing.T) (*testDaemon, *IPCClient) {
	t.Helper()

	dir := t.TempDir()

	led, err := ledger.Open(filepath.Join(dir, "encounters.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { led.Close() })

	store := presence.NewStore(presence.DefaultConfig())
	mock := radio.NewMock()
	ctrl := discovery.NewController(mock, store,
		radio.Advertisement{IDHash: "self01", DisplayName: "Me"}, discovery.Config{}, nil)
	t.Cleanup(ctrl.Stop)

	mem := remote.NewMemoryStore()
	rec := sync.New(led, mem, sync.DefaultConfig(), nil)

	handler := NewDaemonHandler(DaemonHandlerConfig{
		Version:    "test",
		Config:     config.DefaultConfig(),
		Identity:   identity.Identity{IDHash: "self01", DisplayName: "Me"},
		Controller: ctrl,
		Presence:   store,
		Ledger:     led,
		Reconciler: rec,
		Calculator: window.New(window.Config{}),
	})

	sock := filepath.Join(dir, "d.sock")
	srvCfg := DefaultServerConfig(sock)
	srvCfg.Version = "test"
	srv, err := NewServer(srvCfg, handler, nil)
	if err != nil {
		t.Fatalf("NewServer() = %v", err)
	}
	handler.SetBroadcaster(srv.Broadcast)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	cliCfg := DefaultClientConfig(sock)
	cliCfg.AutoReconnect = false
	cli := NewClient(cliCfg)
	if err := cli.Connect(); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	t.Cleanup(func() { cli.Close() })

	return &testDaemon{
		srv:    srv,
		mock:   mock,
		store:  store,
		led:    led,
		remote: mem,
		sock:   sock,
	}, cli
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitForPeers(t *testing.T, cli *IPCClient, want int) {
	t.Helper()
	waitUntil(t, func() bool {
		resp, err := cli.Peers()
		return err == nil && resp.Count == want
	}, "sightings never reached the presence snapshot")
}

// Connection and lifecycle

func TestHandshake(t *testing.T) {
	_, cli := newTestDaemon(t)

	if cli.ClientID() == "" {
		t.Error("handshake assigned no client id")
	}
	if got := cli.ServerVersion(); got != "test" {
		t.Errorf("server version = %q, want test", got)
	}
}

func TestPing(t *testing.T) {
	_, cli := newTestDaemon(t)

	if err := cli.Ping(); err != nil {
		t.Fatalf("Ping() = %v", err)
	}
}

func TestConnectDaemonNotRunning(t *testing.T) {
	cfg := DefaultClientConfig(filepath.Join(t.TempDir(), "missing.sock"))
	cfg.AutoReconnect = false
	cli := NewClient(cfg)
	t.Cleanup(func() { cli.Close() })

	if err := cli.Connect(); !errors.Is(err, ErrDaemonNotRunning) {
		t.Fatalf("Connect() = %v, want ErrDaemonNotRunning", err)
	}
}

func TestStopRemovesSocket(t *testing.T) {
	d, _ := newTestDaemon(t)

	if !IsSocketListening(d.sock) {
		t.Fatal("socket not listening after Start")
	}

	if err := d.srv.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if _, err := os.Stat(d.sock); !os.IsNotExist(err) {
		t.Errorf("socket file survived Stop: %v", err)
	}
}

func TestMaxConnections(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "d.sock")
	cfg := DefaultServerConfig(sock)
	cfg.MaxConnections = 1

	srv, err := NewServer(cfg, nil, nil)
	if err != nil {
		t.Fatalf("NewServer() = %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	first := NewClient(ClientConfig{SocketPath: sock, RequestTimeout: 2 * time.Second})
	if err := first.Connect(); err != nil {
		t.Fatalf("first Connect() = %v", err)
	}
	t.Cleanup(func() { first.Close() })

	second := NewClient(ClientConfig{SocketPath: sock, RequestTimeout: 2 * time.Second})
	t.Cleanup(func() { second.Close() })
	if err := second.Connect(); err == nil {
		t.Fatal("second Connect() succeeded past the connection limit")
	}
}

// Status

func TestStatus(t *testing.T) {
	_, cli := newTestDaemon(t)

	status, err := cli.Status(false)
	if err != nil {
		t.Fatalf("Status() = %v", err)
	}

	if status.Version != "test" {
		t.Errorf("version = %q, want test", status.Version)
	}
	if status.DisplayName != "Me" || status.IDHash != "self01" {
		t.Errorf("identity = %q/%q", status.DisplayName, status.IDHash)
	}
	if status.DiscoveryPhase != "stopped" {
		t.Errorf("phase = %q, want stopped", status.DiscoveryPhase)
	}
	if status.PeerCount != 0 || status.PendingCount != 0 || status.InteractionCount != 0 {
		t.Errorf("counts = %d/%d/%d, want zeros",
			status.PeerCount, status.PendingCount, status.InteractionCount)
	}
	if status.SyncBackend != "memory" {
		t.Errorf("sync backend = %q, want memory", status.SyncBackend)
	}
	if status.Metrics != nil {
		t.Error("metrics included without being requested")
	}
}

func TestStatusVerboseIncludesMetrics(t *testing.T) {
	_, cli := newTestDaemon(t)

	status, err := cli.Status(true)
	if err != nil {
		t.Fatalf("Status() = %v", err)
	}
	if status.Metrics == nil {
		t.Fatal("verbose status carried no metrics")
	}
	if _, ok := status.Metrics["interactions_recorded_total"]; !ok {
		t.Error("metrics snapshot missing interactions_recorded_total")
	}
}

// Discovery

func TestDiscoveryPreflight(t *testing.T) {
	d, cli := newTestDaemon(t)

	// No usable radio
	d.mock.SetSupported(false, "no adapter present")
	_, err := cli.DiscoveryStart()
	var derr *DaemonError
	if !errors.As(err, &derr) || derr.Code != ErrNotSupported {
		t.Fatalf("unsupported start = %v, want DaemonError code %d", err, ErrNotSupported)
	}

	// Adapter off
	d.mock.SetSupported(true, "")
	d.mock.SetAdapterState(radio.AdapterOff)
	_, err = cli.DiscoveryStart()
	if !errors.As(err, &derr) || derr.Code != ErrRadioOff {
		t.Fatalf("adapter-off start = %v, want DaemonError code %d", err, ErrRadioOff)
	}

	// Missing permissions: structured response, not a protocol error
	d.mock.SetAdapterState(radio.AdapterOn)
	d.mock.SetPermissions([]string{"bluetooth"}, []string{"bluetooth"})
	resp, err := cli.DiscoveryStart()
	if err != nil {
		t.Fatalf("permission start = %v", err)
	}
	if resp.Success {
		t.Fatal("start succeeded with permissions missing")
	}
	if len(resp.MissingPermissions) != 1 || resp.MissingPermissions[0] != "bluetooth" {
		t.Errorf("missing permissions = %v", resp.MissingPermissions)
	}

	// All clear
	d.mock.SetPermissions(nil, nil)
	resp, err = cli.DiscoveryStart()
	if err != nil {
		t.Fatalf("DiscoveryStart() = %v", err)
	}
	if !resp.Success || !resp.State.Discovering {
		t.Errorf("start response = %+v", resp)
	}
}

func TestDiscoveryStopKeepsPeers(t *testing.T) {
	d, cli := newTestDaemon(t)

	if _, err := cli.DiscoveryStart(); err != nil {
		t.Fatalf("DiscoveryStart() = %v", err)
	}
	d.mock.EmitSighting(radio.Sighting{IDHash: "peer-a", DisplayName: "Alice", SignalStrength: -40})
	waitForPeers(t, cli, 1)

	resp, err := cli.DiscoveryStop()
	if err != nil {
		t.Fatalf("DiscoveryStop() = %v", err)
	}
	if !resp.Success || resp.State.Discovering {
		t.Errorf("stop response = %+v", resp)
	}

	// Stopping discovery is not an erasure; the snapshot survives.
	peers, err := cli.Peers()
	if err != nil {
		t.Fatalf("Peers() = %v", err)
	}
	if peers.Count != 1 {
		t.Errorf("peer count after stop = %d, want 1", peers.Count)
	}

	state, err := cli.DiscoveryState()
	if err != nil {
		t.Fatalf("DiscoveryState() = %v", err)
	}
	if state.Phase != "stopped" {
		t.Errorf("phase = %q, want stopped", state.Phase)
	}
}

// Recording and sync

func TestRecordAndRetry(t *testing.T) {
	d, cli := newTestDaemon(t)

	if _, err := cli.DiscoveryStart(); err != nil {
		t.Fatalf("DiscoveryStart() = %v", err)
	}
	d.mock.EmitSighting(radio.Sighting{IDHash: "peer-a", DisplayName: "Alice", SignalStrength: -40})
	d.mock.EmitSighting(radio.Sighting{IDHash: "peer-b", DisplayName: "Bob", SignalStrength: -60})
	waitForPeers(t, cli, 2)

	rec, err := cli.Record(true, nil)
	if err != nil {
		t.Fatalf("Record() = %v", err)
	}
	if !rec.Success || rec.Count != 2 || len(rec.IDs) != 2 {
		t.Fatalf("record response = %+v", rec)
	}

	pending, err := cli.Pending()
	if err != nil {
		t.Fatalf("Pending() = %v", err)
	}
	if pending.Count != 2 || !pending.HasPending {
		t.Errorf("pending = %+v, want 2", pending)
	}

	retry, err := cli.Retry()
	if err != nil {
		t.Fatalf("Retry() = %v", err)
	}
	if retry.SuccessCount != 2 || retry.FailureCount != 0 {
		t.Errorf("retry = %+v", retry)
	}
	if d.remote.Len() != 2 {
		t.Errorf("remote store holds %d records, want 2", d.remote.Len())
	}

	pending, err = cli.Pending()
	if err != nil {
		t.Fatalf("Pending() = %v", err)
	}
	if pending.Count != 0 || pending.HasPending {
		t.Errorf("pending after retry = %+v, want none", pending)
	}

	list, err := cli.ListInteractions(false, 0)
	if err != nil {
		t.Fatalf("ListInteractions() = %v", err)
	}
	if list.Total != 2 {
		t.Fatalf("list total = %d, want 2", list.Total)
	}
	for _, in := range list.Interactions {
		if in.Status != ledger.StatusSynced {
			t.Errorf("interaction %s status = %q, want synced", in.ID, in.Status)
		}
	}
}

func TestRecordSelectedPeer(t *testing.T) {
	d, cli := newTestDaemon(t)

	if _, err := cli.DiscoveryStart(); err != nil {
		t.Fatalf("DiscoveryStart() = %v", err)
	}
	d.mock.EmitSighting(radio.Sighting{IDHash: "peer-a", DisplayName: "Alice", SignalStrength: -40})
	d.mock.EmitSighting(radio.Sighting{IDHash: "peer-b", DisplayName: "Bob", SignalStrength: -60})
	waitForPeers(t, cli, 2)

	rec, err := cli.Record(false, []string{"peer-a"})
	if err != nil {
		t.Fatalf("Record() = %v", err)
	}
	if rec.Count != 1 {
		t.Fatalf("record count = %d, want 1", rec.Count)
	}

	list, err := cli.ListInteractions(false, 0)
	if err != nil {
		t.Fatalf("ListInteractions() = %v", err)
	}
	if len(list.Interactions) != 1 || list.Interactions[0].PartnerIDHash != "peer-a" {
		t.Errorf("interactions = %+v", list.Interactions)
	}
	if list.Interactions[0].PartnerDisplayName != "Alice" {
		t.Errorf("display name = %q, want Alice", list.Interactions[0].PartnerDisplayName)
	}
}

func TestRecordUnknownPeer(t *testing.T) {
	_, cli := newTestDaemon(t)

	_, err := cli.Record(false, []string{"ghost"})
	var derr *DaemonError
	if !errors.As(err, &derr) || derr.Code != ErrNotFound {
		t.Fatalf("Record() = %v, want DaemonError code %d", err, ErrNotFound)
	}
}

func TestRecordNothingVisible(t *testing.T) {
	_, cli := newTestDaemon(t)

	_, err := cli.Record(true, nil)
	var derr *DaemonError
	if !errors.As(err, &derr) || derr.Code != ErrInvalidRequest {
		t.Fatalf("Record() = %v, want DaemonError code %d", err, ErrInvalidRequest)
	}
}

// Erasure

func TestEraseRequiresConfirmation(t *testing.T) {
	d, cli := newTestDaemon(t)

	if _, err := cli.DiscoveryStart(); err != nil {
		t.Fatalf("DiscoveryStart() = %v", err)
	}
	d.mock.EmitSighting(radio.Sighting{IDHash: "peer-a", DisplayName: "Alice", SignalStrength: -40})
	waitForPeers(t, cli, 1)
	if _, err := cli.Record(true, nil); err != nil {
		t.Fatalf("Record() = %v", err)
	}

	_, err := cli.Erase(false)
	var derr *DaemonError
	if !errors.As(err, &derr) || !strings.Contains(derr.Message, "confirmation") {
		t.Fatalf("unconfirmed Erase() = %v, want confirmation error", err)
	}

	resp, err := cli.Erase(true)
	if err != nil {
		t.Fatalf("Erase() = %v", err)
	}
	if !resp.Success || resp.Deleted != 1 {
		t.Errorf("erase = %+v, want 1 deleted", resp)
	}

	list, err := cli.ListInteractions(false, 0)
	if err != nil {
		t.Fatalf("ListInteractions() = %v", err)
	}
	if list.Total != 0 {
		t.Errorf("interactions after erase = %d, want 0", list.Total)
	}

	// Erasure clears the ledger, not the presence snapshot.
	peers, err := cli.Peers()
	if err != nil {
		t.Fatalf("Peers() = %v", err)
	}
	if peers.Count != 1 {
		t.Errorf("peer count after erase = %d, want 1", peers.Count)
	}
}

// Exposure windows

func TestWindow(t *testing.T) {
	_, cli := newTestDaemon(t)

	testDate := time.Now().UTC().AddDate(0, 0, -5).Format("2006-01-02")

	resp, err := cli.Window([]string{"influenza"}, testDate)
	if err != nil {
		t.Fatalf("Window() = %v", err)
	}
	if resp.IncubationDays != 4 {
		t.Errorf("incubation = %d, want 4", resp.IncubationDays)
	}
	if resp.Window.Days != 5 {
		t.Errorf("window days = %d, want 5", resp.Window.Days)
	}
	if got := resp.Window.End.Format("2006-01-02"); got != testDate {
		t.Errorf("window end = %s, want %s", got, testDate)
	}
}

func TestWindowUnknownConditionUsesDefault(t *testing.T) {
	_, cli := newTestDaemon(t)

	testDate := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	resp, err := cli.Window([]string{"dancing-plague"}, testDate)
	if err != nil {
		t.Fatalf("Window() = %v", err)
	}
	if resp.IncubationDays != window.DefaultIncubationDays {
		t.Errorf("incubation = %d, want default %d", resp.IncubationDays, window.DefaultIncubationDays)
	}
}

func TestWindowRejectsFutureDate(t *testing.T) {
	_, cli := newTestDaemon(t)

	future := time.Now().UTC().AddDate(0, 0, 2).Format("2006-01-02")
	_, err := cli.Window(nil, future)
	var derr *DaemonError
	if !errors.As(err, &derr) || !strings.Contains(derr.Message, "future") {
		t.Fatalf("Window() = %v, want future date error", err)
	}
}

func TestWindowRejectsBadDateFormat(t *testing.T) {
	_, cli := newTestDaemon(t)

	_, err := cli.Window(nil, "08/10/2026")
	var derr *DaemonError
	if !errors.As(err, &derr) || !strings.Contains(derr.Message, "YYYY-MM-DD") {
		t.Fatalf("Window() = %v, want format error", err)
	}
}

// Events

func TestSubscribeReceivesRecordEvent(t *testing.T) {
	d, cli := newTestDaemon(t)

	if err := cli.Subscribe(nil); err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}

	if _, err := cli.DiscoveryStart(); err != nil {
		t.Fatalf("DiscoveryStart() = %v", err)
	}
	d.mock.EmitSighting(radio.Sighting{IDHash: "peer-a", DisplayName: "Alice", SignalStrength: -40})
	waitForPeers(t, cli, 1)

	if _, err := cli.Record(true, nil); err != nil {
		t.Fatalf("Record() = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-cli.Events():
			if ev.Type != EventInteractionRecorded {
				continue
			}
			data, ok := ev.Data.(map[string]any)
			if !ok || data["count"] != float64(1) {
				t.Fatalf("event data = %v", ev.Data)
			}
			return
		case <-deadline:
			t.Fatal("interaction event never arrived")
		}
	}
}

// Configuration

func TestGetConfigRedacted(t *testing.T) {
	_, cli := newTestDaemon(t)

	resp, err := cli.GetConfig()
	if err != nil {
		t.Fatalf("GetConfig() = %v", err)
	}

	retention, ok := resp.Config["retention"].(map[string]any)
	if !ok {
		t.Fatalf("retention section missing: %v", resp.Config)
	}
	if retention["days"] != float64(180) {
		t.Errorf("retention days = %v, want 180", retention["days"])
	}

	raw, err := json.Marshal(resp.Config)
	if err != nil {
		t.Fatalf("marshal config view: %v", err)
	}
	for _, secret := range []string{"api_key", "key_path"} {
		if strings.Contains(string(raw), secret) {
			t.Errorf("config view leaks %s", secret)
		}
	}
}

// Protocol edges

func TestUnknownMessageType(t *testing.T) {
	_, cli := newTestDaemon(t)

	resp, err := cli.requestWithTimeout(MessageType(0x0F00), nil, 2*time.Second)
	if err != nil {
		t.Fatalf("request = %v", err)
	}
	if resp.Header.Type != MsgError {
		t.Fatalf("response type = %#x, want MsgError", resp.Header.Type)
	}

	var errResp ErrorResponse
	if err := Decode(resp.Payload, &errResp); err != nil {
		t.Fatalf("Decode() = %v", err)
	}
	if errResp.Code != ErrInvalidRequest {
		t.Errorf("code = %d, want %d", errResp.Code, ErrInvalidRequest)
	}
}
