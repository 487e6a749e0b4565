package publish

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	pb "github.com/cloud-scan/cloudscan-orchestrator/generated/proto"
	"github.com/fatih/color"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

func init() {
	color.NoColor = true
}

func TestRenderDistinguishesFailuresFromCleanFiles(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, &finding.ScanResult{
		Path: "app.py",
		ErroredTools: map[finding.ToolID]finding.ToolFailure{
			finding.ToolBandit: {Kind: finding.FailureUnavailable, Message: "executable file not found"},
		},
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "no issues found") {
		t.Fatalf("failed tool rendered as clean file:\n%s", out)
	}
	if !strings.Contains(out, "bandit") || !strings.Contains(out, string(finding.FailureUnavailable)) {
		t.Fatalf("missing failure line:\n%s", out)
	}

	buf.Reset()
	if err := Render(&buf, &finding.ScanResult{Path: "clean.py"}); err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if !strings.Contains(buf.String(), "no issues found") {
		t.Fatalf("expected clean marker:\n%s", buf.String())
	}

	buf.Reset()
	if err := Render(&buf, &finding.ScanResult{Path: "main.rs", LanguageID: "rust", Unsupported: true}); err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	if !strings.Contains(buf.String(), `unsupported language "rust"`) {
		t.Fatalf("expected unsupported marker:\n%s", buf.String())
	}
}

func TestRenderFindings(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, &finding.ScanResult{
		Path: "test.c",
		Findings: []finding.Finding{
			{Tool: finding.ToolCppcheck, RuleID: "error", Severity: finding.SeverityWarning, Line: 41, Message: "(error) Memory leak"},
		},
	})
	if err != nil {
		t.Fatalf("Render() error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "42:1") || !strings.Contains(out, "(error) Memory leak") || !strings.Contains(out, "[cppcheck/error]") {
		t.Fatalf("unexpected rendering:\n%s", out)
	}
}

func TestMultiDeliversDespiteFailures(t *testing.T) {
	boom := errors.New("boom")
	var delivered []string
	m := Multi{
		Funcs{OnPublish: func(context.Context, string, *finding.ScanResult) error { return boom }},
		Funcs{OnPublish: func(_ context.Context, fileID string, _ *finding.ScanResult) error {
			delivered = append(delivered, fileID)
			return nil
		}},
		Nop,
	}

	err := m.Publish(context.Background(), "a", &finding.ScanResult{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(delivered) != 1 || delivered[0] != "a" {
		t.Fatalf("second publisher not reached: %v", delivered)
	}
	if err := m.Clear(context.Background(), "a"); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
}

func TestToProto(t *testing.T) {
	pf, err := toProto("app.py", finding.Finding{
		Tool: finding.ToolTrufflehog, RuleID: "AWS", Severity: finding.SeverityError, Line: 11, Message: "Secret detected: AWS",
	})
	if err != nil {
		t.Fatalf("toProto() error: %v", err)
	}
	if pf.LineNumber != 12 || pf.ScanType != pb.ScanType_SECRETS || pf.Severity != pb.Severity_HIGH {
		t.Fatalf("unexpected proto finding: %v", pf)
	}
	if pf.Title != "trufflehog/AWS" || pf.FilePath != "app.py" {
		t.Fatalf("unexpected proto finding: %v", pf)
	}
}

type fakeScanClient struct {
	pb.ScanServiceClient

	mu      sync.Mutex
	created []*pb.Finding
	calls   int
	totals  []int32
}

func (f *fakeScanClient) CreateFindings(_ context.Context, req *pb.CreateFindingsRequest, _ ...grpc.CallOption) (*pb.CreateFindingsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.created = append(f.created, req.Findings...)
	return &pb.CreateFindingsResponse{CreatedCount: int32(len(req.Findings))}, nil
}

func (f *fakeScanClient) UpdateScan(_ context.Context, req *pb.UpdateScanRequest, _ ...grpc.CallOption) (*pb.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totals = append(f.totals, req.TotalFindings)
	return &pb.Scan{}, nil
}

func (f *fakeScanClient) state() (created, calls int, total int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.totals) > 0 {
		total = f.totals[len(f.totals)-1]
	}
	return len(f.created), f.calls, total
}

func TestCloudScanSendsEachFindingOnce(t *testing.T) {
	fake := &fakeScanClient{}
	c := newCloudScan(nil, fake, uuid.New(), log.WithField("component", "test"))
	ctx := context.Background()

	a := finding.Finding{Tool: finding.ToolBandit, RuleID: "B605", Severity: finding.SeverityError, Line: 3, Message: "shell"}
	b := finding.Finding{Tool: finding.ToolBandit, RuleID: "B506", Severity: finding.SeverityWarning, Line: 7, Message: "yaml"}
	d := finding.Finding{Tool: finding.ToolBandit, RuleID: "B307", Severity: finding.SeverityWarning, Line: 9, Message: "eval"}

	steps := []struct {
		name    string
		publish func() error
		created int
		calls   int
		total   int32
	}{
		{"first publish", func() error {
			return c.Publish(ctx, "app.py", &finding.ScanResult{Path: "app.py", Findings: []finding.Finding{a, b}})
		}, 2, 1, 2},
		{"unchanged rescan", func() error {
			return c.Publish(ctx, "app.py", &finding.ScanResult{Path: "app.py", Findings: []finding.Finding{a, b}})
		}, 2, 1, 2},
		{"one fixed one new", func() error {
			return c.Publish(ctx, "app.py", &finding.ScanResult{Path: "app.py", Findings: []finding.Finding{a, d}})
		}, 3, 2, 2},
		{"second file", func() error {
			return c.Publish(ctx, "lib.py", &finding.ScanResult{Path: "lib.py", Findings: []finding.Finding{a}})
		}, 4, 3, 3},
		{"clear first file", func() error {
			return c.Clear(ctx, "app.py")
		}, 4, 3, 1},
	}
	for _, st := range steps {
		if err := st.publish(); err != nil {
			t.Fatalf("%s: error: %v", st.name, err)
		}
		created, calls, total := fake.state()
		if created != st.created || calls != st.calls || total != st.total {
			t.Fatalf("%s: created=%d calls=%d total=%d, want created=%d calls=%d total=%d",
				st.name, created, calls, total, st.created, st.calls, st.total)
		}
	}
}
