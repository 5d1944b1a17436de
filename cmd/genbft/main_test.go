package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/VanDung-dev/genbft-engine/config"
	"github.com/VanDung-dev/genbft-engine/logging"
)

func TestRunInProcessCluster(t *testing.T) {
	logging.ConfigureTests()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "genbft.toml")
	body := `
[general]
protocol_pool = ["pbft"]

[benchmark]
block_size = 2
checkpoint_size = 10
episode_size = 100
request_interval = "2ms"
timeout_mode = "fixed"
timeout_trigger_interval = "500ms"

[logging]
level = "warn"
color = false
`
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	reportPath := filepath.Join(dir, "report.json")

	err := run(context.Background(), options{
		ConfigPath: cfgPath,
		Member:     -1,
		Duration:   time.Second,
		Report:     reportPath,
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	raw, err := os.ReadFile(reportPath)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report runReport
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(report.Entities) != 5 {
		t.Fatalf("Expected 5 entities, got %d", len(report.Entities))
	}
	if report.Requests == 0 {
		t.Fatal("Expected the client to execute requests")
	}
	for _, e := range report.Entities {
		if e.Node && e.LastExecuted < 0 {
			t.Fatalf("Expected node %d to make progress", e.ID)
		}
	}
}

func TestBusRejectsSingleMember(t *testing.T) {
	_, err := newCluster(config.Default(), 0)
	if !errors.Is(err, ErrBusSingleMember) {
		t.Fatalf("Expected ErrBusSingleMember, got %v", err)
	}
}

func TestMemberOutsideRoster(t *testing.T) {
	cfg := config.Default()
	cfg.Network.Transport = config.TransportZmq
	if _, err := newCluster(cfg, 99); err == nil {
		t.Fatal("Expected error for member outside roster")
	}
}
