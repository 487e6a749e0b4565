// Package service is the surface a host (editor bridge, CLI, watcher)
// drives: file change and close notifications and fix requests.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cloud-scan/cloudscan-lens/internal/config"
	"github.com/cloud-scan/cloudscan-lens/internal/downloader"
	"github.com/cloud-scan/cloudscan-lens/internal/finding"
	"github.com/cloud-scan/cloudscan-lens/internal/fix"
	"github.com/cloud-scan/cloudscan-lens/internal/orchestrator"
	"github.com/cloud-scan/cloudscan-lens/internal/publish"
	"github.com/cloud-scan/cloudscan-lens/internal/registry"
	"github.com/cloud-scan/cloudscan-lens/internal/scanners"
	"github.com/cloud-scan/cloudscan-lens/internal/store"
)

// ErrFindingNotFound is returned when a fix is requested for a finding that
// is not part of the file's current result
var ErrFindingNotFound = errors.New("finding not found in current diagnostics")

var constructors = map[string]func(scanners.Options) scanners.Scanner{
	"cppcheck":   func(o scanners.Options) scanners.Scanner { return scanners.NewCppcheckScanner(o) },
	"bandit":     func(o scanners.Options) scanners.Scanner { return scanners.NewBanditScanner(o) },
	"semgrep":    func(o scanners.Options) scanners.Scanner { return scanners.NewSemgrepScanner(o) },
	"trufflehog": func(o scanners.Options) scanners.Scanner { return scanners.NewTruffleHogScanner(o) },
}

// Service ties the orchestrator, the diagnostic store and the fix engine
// together
type Service struct {
	registry     *registry.Registry
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	fixes        *fix.Engine
	logger       *log.Entry
}

// New creates a service over already constructed components
func New(reg *registry.Registry, st *store.Store, orch *orchestrator.Orchestrator, fixes *fix.Engine) *Service {
	return &Service{
		registry:     reg,
		store:        st,
		orchestrator: orch,
		fixes:        fixes,
		logger:       log.WithField("component", "service"),
	}
}

// Build wires a service from configuration. Results are sent to pub.
func Build(ctx context.Context, cfg *config.Config, pub publish.Publisher) (*Service, error) {
	var adapters []scanners.Scanner
	timeouts := make(map[finding.ToolID]time.Duration)
	for _, name := range cfg.EnabledTools() {
		newScanner, ok := constructors[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		tc := cfg.Tools[name]
		adapters = append(adapters, newScanner(scanners.Options{
			Path:      tc.Path,
			Args:      tc.Args,
			Languages: tc.Languages,
		}))
		timeouts[finding.ToolID(name)] = cfg.ToolTimeout(name)
	}

	rules, err := fix.LoadRules(ctx, cfg.FixRules, downloader.New(cfg.DownloadTimeout))
	if err != nil {
		return nil, err
	}
	fixes, err := fix.NewEngine(rules)
	if err != nil {
		return nil, err
	}

	reg := registry.New(adapters...)
	st := store.New()
	orch := orchestrator.New(reg, st, orchestrator.Options{
		MaxProcesses:   cfg.MaxProcesses,
		DefaultTimeout: cfg.DefaultTimeout,
		Timeouts:       timeouts,
		Publisher:      pub,
	})

	log.WithFields(log.Fields{
		"tools":     cfg.EnabledTools(),
		"fix_rules": fixes.Rules(),
	}).Info("Service ready")

	return New(reg, st, orch, fixes), nil
}

// Registry returns the adapter registry
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Result returns the current result of a file
func (s *Service) Result(fileID string) (*finding.ScanResult, bool) {
	return s.store.Get(fileID)
}

// OnFileChanged scans the file behind fileID. An empty languageID is
// derived from the path extension.
func (s *Service) OnFileChanged(ctx context.Context, fileID, path, languageID string) (*finding.ScanResult, error) {
	if languageID == "" {
		languageID = registry.LanguageForPath(path)
	}
	s.logger.WithFields(log.Fields{
		"file_id":  fileID,
		"language": languageID,
	}).Debug("File changed")

	return s.orchestrator.Scan(ctx, orchestrator.Request{
		FileID:     fileID,
		Path:       path,
		LanguageID: languageID,
	})
}

// OnFileClosed discards the diagnostics of a file
func (s *Service) OnFileClosed(ctx context.Context, fileID string) error {
	s.logger.WithField("file_id", fileID).Debug("File closed")
	return s.orchestrator.Invalidate(ctx, fileID)
}

// OnApplyFixRequested builds a patch for the referenced finding against the
// current content of the file. The finding must belong to the current
// result; fix.ErrStale means the file changed after it was scanned.
func (s *Service) OnApplyFixRequested(_ context.Context, fileID string, ref finding.FindingRef, lines []string) (*fix.Suggestion, error) {
	res, ok := s.store.Get(fileID)
	if !ok {
		return nil, fmt.Errorf("%w: no diagnostics for %s", ErrFindingNotFound, fileID)
	}
	f, ok := res.Find(ref)
	if !ok {
		return nil, ErrFindingNotFound
	}
	return s.fixes.SuggestFix(f, lines)
}

// Shutdown stops the orchestrator
func (s *Service) Shutdown(ctx context.Context) error {
	return s.orchestrator.Shutdown(ctx)
}

// ReadLines reads a file as the line slice the fix engine works on
func ReadLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return strings.Split(string(data), "\n"), nil
}
