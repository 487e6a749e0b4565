package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

func result(fileID string, n int) *finding.ScanResult {
	r := &finding.ScanResult{FileID: fileID}
	for i := 0; i < n; i++ {
		r.Findings = append(r.Findings, finding.Finding{Tool: finding.ToolBandit, RuleID: "B1", Line: i})
	}
	return r
}

func TestUpdateReplacesAndInvalidateRemoves(t *testing.T) {
	s := New()
	s.Update("a", result("a", 3))
	s.Update("a", result("a", 1))

	got, ok := s.Get("a")
	if !ok {
		t.Fatalf("expected result for a")
	}
	if len(got.Findings) != 1 {
		t.Fatalf("expected replacement, got %d findings", len(got.Findings))
	}

	s.Invalidate("a")
	if _, ok := s.Get("a"); ok {
		t.Fatalf("expected a to be absent after invalidate")
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty store, got %d", s.Len())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	in := result("a", 2)
	s.Update("a", in)
	in.Findings[0].RuleID = "mutated"

	got, _ := s.Get("a")
	if got.Findings[0].RuleID != "B1" {
		t.Fatalf("store shares memory with the caller's result")
	}
	got.Findings[1].RuleID = "mutated"
	again, _ := s.Get("a")
	if again.Findings[1].RuleID != "B1" {
		t.Fatalf("store shares memory with readers")
	}
}

func TestConcurrentReadersSeeWholeResults(t *testing.T) {
	s := New()
	s.Update("a", result("a", 1))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				// every written result has FileID "a" and exactly n findings
				// tagged with n in the rule id
				n := (w+i)%5 + 1
				r := result("a", n)
				for j := range r.Findings {
					r.Findings[j].RuleID = fmt.Sprint(n)
				}
				s.Update("a", r)
			}
		}(w)
	}
	for rd := 0; rd < 8; rd++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				got, ok := s.Get("a")
				if !ok {
					t.Errorf("result disappeared")
					return
				}
				want := len(got.Findings)
				for _, f := range got.Findings {
					if f.RuleID != "B1" && f.RuleID != fmt.Sprint(want) {
						t.Errorf("torn result: %d findings with rule %s", want, f.RuleID)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestFilesAreIndependent(t *testing.T) {
	s := New()
	s.Update("b", result("b", 1))
	s.Update("a", result("a", 2))
	s.Invalidate("b")

	files := s.Files()
	if len(files) != 1 || files[0] != "a" {
		t.Fatalf("unexpected files: %v", files)
	}
}
