package scanners

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// fakeTool writes an executable shell script standing in for an analyzer
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "tool")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	return path
}

func TestCppcheckScanReadsStderr(t *testing.T) {
	bin := fakeTool(t, `echo "[$(basename "$4"):42]: (error) Memory leak" 1>&2`)
	s := NewCppcheckScanner(Options{Path: bin})

	findings, err := s.Scan(context.Background(), "/src/test.c")
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(findings) != 1 || findings[0].Line != 41 {
		t.Fatalf("unexpected findings: %#v", findings)
	}
}

func TestBanditScanAcceptsExitOne(t *testing.T) {
	bin := fakeTool(t, `echo '{"results":[{"line_number":5,"test_id":"B605","issue_text":"Starting a process with a shell","issue_severity":"HIGH"}]}'
exit 1`)
	s := NewBanditScanner(Options{Path: bin})

	findings, err := s.Scan(context.Background(), "app.py")
	if err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	if len(findings) != 1 || findings[0].RuleID != "B605" {
		t.Fatalf("unexpected findings: %#v", findings)
	}
}

func TestScanToolUnavailable(t *testing.T) {
	s := NewBanditScanner(Options{Path: filepath.Join(t.TempDir(), "missing-bandit")})
	if s.IsAvailable() {
		t.Fatalf("expected missing binary to be unavailable")
	}

	_, err := s.Scan(context.Background(), "app.py")
	if !errors.Is(err, ErrToolUnavailable) {
		t.Fatalf("expected ErrToolUnavailable, got %v", err)
	}
}

func TestScanToolCrashed(t *testing.T) {
	bin := fakeTool(t, `echo "boom" 1>&2
exit 2`)
	s := NewBanditScanner(Options{Path: bin})

	_, err := s.Scan(context.Background(), "app.py")
	if !errors.Is(err, ErrToolCrashed) {
		t.Fatalf("expected ErrToolCrashed, got %v", err)
	}
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("expected *ToolError, got %T", err)
	}
	if te.ExitCode != 2 || te.Stderr != "boom" {
		t.Fatalf("unexpected crash details: %#v", te)
	}
	if f := te.Failure(); f.ExitCode != 2 {
		t.Fatalf("unexpected failure record: %#v", f)
	}
}

func TestScanToolTimeout(t *testing.T) {
	bin := fakeTool(t, `exec sleep 5`)
	s := NewCppcheckScanner(Options{Path: bin})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Scan(ctx, "main.c")
	if !errors.Is(err, ErrToolTimeout) {
		t.Fatalf("expected ErrToolTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("process was not killed in time: %s", elapsed)
	}
}

func TestExtraArgsPrecedeFile(t *testing.T) {
	bin := fakeTool(t, `echo "$@" > "$(dirname "$0")/args"
echo '{"results":[]}'`)
	s := NewBanditScanner(Options{Path: bin, Args: []string{"--skip", "B101"}})

	if _, err := s.Scan(context.Background(), "app.py"); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(filepath.Dir(bin), "args"))
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if string(got) != "-f json -q --skip B101 app.py\n" {
		t.Fatalf("unexpected args: %q", got)
	}
}

func TestScanToolCancelled(t *testing.T) {
	bin := fakeTool(t, `exec sleep 5`)
	s := NewCppcheckScanner(Options{Path: bin})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := s.Scan(ctx, "main.c")
	if !errors.Is(err, ErrToolCancelled) {
		t.Fatalf("expected ErrToolCancelled, got %v", err)
	}
	if errors.Is(err, ErrToolTimeout) {
		t.Fatalf("cancellation reported as a timeout: %v", err)
	}
}
