package main

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
	"github.com/cloud-scan/cloudscan-lens/internal/fix"
	"github.com/cloud-scan/cloudscan-lens/internal/orchestrator"
	"github.com/cloud-scan/cloudscan-lens/internal/registry"
	"github.com/cloud-scan/cloudscan-lens/internal/service"
	"github.com/cloud-scan/cloudscan-lens/internal/store"
)

func TestExceeds(t *testing.T) {
	results := []*finding.ScanResult{
		{Findings: []finding.Finding{{Severity: finding.SeverityInfo}}},
		{Findings: []finding.Finding{{Severity: finding.SeverityWarning}}},
	}
	if !exceeds(results, finding.SeverityWarning) {
		t.Fatalf("warning finding should meet a warning threshold")
	}
	if exceeds(results, finding.SeverityError) {
		t.Fatalf("no finding reaches error")
	}
	if exceeds([]*finding.ScanResult{{}}, finding.SeverityInfo) {
		t.Fatalf("empty result cannot exceed a threshold")
	}
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.py")
	if err := os.WriteFile(path, []byte("old"), 0o600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if err := writeFileAtomic(path, "new\n"); err != nil {
		t.Fatalf("writeFileAtomic() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(data) != "new\n" {
		t.Fatalf("unexpected content: %q", data)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode not kept: %v", info.Mode())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temporary file left behind: %v", entries)
	}
}

type countingScanner struct {
	calls atomic.Int32
}

func (c *countingScanner) Name() finding.ToolID { return finding.ToolBandit }
func (c *countingScanner) Languages() []string  { return []string{"python"} }
func (c *countingScanner) IsAvailable() bool    { return true }
func (c *countingScanner) Scan(context.Context, string) ([]finding.Finding, error) {
	c.calls.Add(1)
	return nil, nil
}

func TestWatcherDebounce(t *testing.T) {
	sc := &countingScanner{}
	reg := registry.New(sc)
	st := store.New()
	fixes, err := fix.NewEngine(nil)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	svc := service.New(reg, st, orchestrator.New(reg, st, orchestrator.Options{MaxProcesses: 1}), fixes)
	defer svc.Shutdown(context.Background())

	w := newWatcher(svc, 50*time.Millisecond)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "app.py")
	if err := os.WriteFile(path, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	for i := 0; i < 5; i++ {
		w.schedule(ctx, path)
	}
	w.schedule(ctx, filepath.Join(filepath.Dir(path), "README.md"))

	deadline := time.Now().Add(2 * time.Second)
	for sc.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	w.stop()

	if got := sc.calls.Load(); got != 1 {
		t.Fatalf("expected one debounced scan, got %d", got)
	}
	if _, ok := st.Get(path); !ok {
		t.Fatalf("debounced scan did not store a result")
	}
}
