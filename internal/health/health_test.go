package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func healthyCheck(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusHealthy}
}

func unhealthyCheck(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: "broken"}
}

func TestCheckerRegister(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("database", true, healthyCheck)

	result, ok := c.GetResult("database")
	if !ok {
		t.Fatal("component not registered")
	}
	if result.Status != StatusUnknown {
		t.Errorf("expected unknown before first check, got %s", result.Status)
	}
}

func TestCheckerRunsAllChecks(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("database", true, healthyCheck)
	c.RegisterFunc("radio", false, healthyCheck)

	results := c.Check(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for name, result := range results {
		if result.Status != StatusHealthy {
			t.Errorf("%s: expected healthy, got %s", name, result.Status)
		}
		if result.LastChecked.IsZero() {
			t.Errorf("%s: LastChecked not set", name)
		}
	}
}

func TestOverallStatusCriticalFailure(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("database", true, unhealthyCheck)
	c.RegisterFunc("radio", false, healthyCheck)

	c.Check(context.Background())
	if status := c.OverallStatus(); status != StatusUnhealthy {
		t.Errorf("critical failure should be unhealthy, got %s", status)
	}
}

func TestOverallStatusNonCriticalFailure(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("database", true, healthyCheck)
	c.RegisterFunc("radio", false, unhealthyCheck)

	c.Check(context.Background())
	if status := c.OverallStatus(); status != StatusDegraded {
		t.Errorf("non-critical failure should degrade, got %s", status)
	}
}

func TestOverallStatusAllHealthy(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("database", true, healthyCheck)

	c.Check(context.Background())
	if status := c.OverallStatus(); status != StatusHealthy {
		t.Errorf("expected healthy, got %s", status)
	}
}

func TestCheckPanicRecovery(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("flaky", true, func(ctx context.Context) CheckResult {
		panic("boom")
	})

	results := c.Check(context.Background())
	result := results["flaky"]
	if result.Status != StatusUnhealthy {
		t.Errorf("panicking check should be unhealthy, got %s", result.Status)
	}
	if result.Message != "check panicked" {
		t.Errorf("unexpected message: %s", result.Message)
	}
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:     "slow",
		Critical: true,
		Timeout:  20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	result := results["slow"]
	if result.Status != StatusUnhealthy {
		t.Errorf("timed-out check should be unhealthy, got %s", result.Status)
	}
	if result.Message != "check timed out" {
		t.Errorf("unexpected message: %s", result.Message)
	}
}

func TestCheckComponent(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("database", true, healthyCheck)

	result, ok := c.CheckComponent(context.Background(), "database")
	if !ok {
		t.Fatal("expected component to exist")
	}
	if result.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", result.Status)
	}

	if _, ok := c.CheckComponent(context.Background(), "missing"); ok {
		t.Error("expected missing component to return false")
	}
}

func TestReadiness(t *testing.T) {
	c := NewChecker()
	if c.IsReady() {
		t.Error("checker should start not ready")
	}
	c.SetReady(true)
	if !c.IsReady() {
		t.Error("checker should be ready after SetReady")
	}
}

func TestReport(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("database", true, healthyCheck)
	c.SetReady(true)

	resp := c.Report(context.Background(), true)
	if resp.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", resp.Status)
	}
	if !resp.Ready {
		t.Error("expected ready")
	}
	if len(resp.Components) != 1 {
		t.Errorf("expected 1 component, got %d", len(resp.Components))
	}
	if resp.Uptime == "" {
		t.Error("expected non-empty uptime")
	}
}

func TestDatabaseCheck(t *testing.T) {
	ok := DatabaseCheck(func(ctx context.Context) error { return nil })
	if result := ok(context.Background()); result.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", result.Status)
	}

	bad := DatabaseCheck(func(ctx context.Context) error { return errors.New("locked") })
	result := bad(context.Background())
	if result.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", result.Status)
	}
	if result.Error != "locked" {
		t.Errorf("expected error detail, got %s", result.Error)
	}
}

func TestStorageCheck(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "encounters.db")

	check := StorageCheck(path)
	if result := check(context.Background()); result.Status != StatusUnhealthy {
		t.Errorf("missing file should be unhealthy, got %s", result.Status)
	}

	if err := os.WriteFile(path, []byte("data"), 0600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	result := check(context.Background())
	if result.Status != StatusHealthy {
		t.Errorf("existing file should be healthy, got %s", result.Status)
	}
	if result.Details["size_bytes"] != int64(4) {
		t.Errorf("unexpected size detail: %v", result.Details["size_bytes"])
	}
}

func TestAdapterCheck(t *testing.T) {
	on := AdapterCheck(func(ctx context.Context) (bool, error) { return true, nil })
	if result := on(context.Background()); result.Status != StatusHealthy {
		t.Errorf("powered adapter should be healthy, got %s", result.Status)
	}

	off := AdapterCheck(func(ctx context.Context) (bool, error) { return false, nil })
	if result := off(context.Background()); result.Status != StatusDegraded {
		t.Errorf("unpowered adapter should degrade, got %s", result.Status)
	}

	broken := AdapterCheck(func(ctx context.Context) (bool, error) {
		return false, errors.New("dbus unavailable")
	})
	if result := broken(context.Background()); result.Status != StatusDegraded {
		t.Errorf("adapter error should degrade, got %s", result.Status)
	}
}

func TestBreakerCheck(t *testing.T) {
	cases := map[string]Status{
		"closed":    StatusHealthy,
		"open":      StatusDegraded,
		"half-open": StatusDegraded,
	}
	for state, want := range cases {
		check := BreakerCheck(func() string { return state })
		if result := check(context.Background()); result.Status != want {
			t.Errorf("state %s: expected %s, got %s", state, want, result.Status)
		}
	}
}

func TestQueueCheck(t *testing.T) {
	ok := QueueCheck(func() (int, int) { return 3, 64 })
	if result := ok(context.Background()); result.Status != StatusHealthy {
		t.Errorf("partial queue should be healthy, got %s", result.Status)
	}

	full := QueueCheck(func() (int, int) { return 64, 64 })
	if result := full(context.Background()); result.Status != StatusDegraded {
		t.Errorf("full queue should degrade, got %s", result.Status)
	}
}
