package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
	"github.com/cloud-scan/cloudscan-lens/internal/scanners"
)

// outcome is what one adapter contributed to a scan
type outcome struct {
	tool     finding.ToolID
	findings []finding.Finding
	err      error
}

// run performs one scan and commits it
func (o *Orchestrator) run(req Request, epoch uint64) *finding.ScanResult {
	logger := o.logger.WithFields(log.Fields{
		"file_id":  req.FileID,
		"path":     req.Path,
		"language": req.LanguageID,
	})

	res := &finding.ScanResult{
		ScanID:     uuid.New(),
		FileID:     req.FileID,
		Path:       req.Path,
		LanguageID: req.LanguageID,
		Findings:   []finding.Finding{},
		Timestamp:  o.now(),
	}

	adapters := o.registry.AdaptersFor(req.LanguageID)
	if len(adapters) == 0 {
		logger.Debug("No analyzers for language")
		res.Unsupported = true
		o.commit(epoch, res)
		return res
	}

	if o.baseCtx.Err() != nil {
		// shut down while queued; nothing is spawned or committed
		res.ErroredTools = make(map[finding.ToolID]finding.ToolFailure, len(adapters))
		for _, a := range adapters {
			res.ErroredTools[a.Name()] = finding.ToolFailure{Kind: finding.FailureCancelled, Message: ErrShutdown.Error()}
		}
		logger.Debug("Scan skipped on shutdown")
		return res
	}

	start := time.Now()
	outcomes := make([]outcome, len(adapters))

	// adapters never fail the group; each outcome is independent
	var g errgroup.Group
	for i, a := range adapters {
		g.Go(func() error {
			outcomes[i] = o.runAdapter(a, req.Path)
			return nil
		})
	}
	_ = g.Wait()

	var all []finding.Finding
	for _, oc := range outcomes {
		// partial findings that came with an error are kept
		all = append(all, oc.findings...)
		if oc.err == nil {
			continue
		}
		if res.ErroredTools == nil {
			res.ErroredTools = make(map[finding.ToolID]finding.ToolFailure)
		}
		failure := scanners.FailureOf(oc.tool, oc.err)
		res.ErroredTools[oc.tool] = failure
		logger.WithFields(log.Fields{
			"tool":    oc.tool,
			"kind":    failure.Kind,
			"partial": len(oc.findings),
		}).WithError(oc.err).Warn("Analyzer failed")
	}

	res.Findings = finding.Merge(all, o.lineCount(req.Path, logger))

	logger.WithFields(log.Fields{
		"scan_id":  res.ScanID,
		"findings": len(res.Findings),
		"errored":  len(res.ErroredTools),
		"duration": time.Since(start),
	}).Info("Scan complete")

	if o.baseCtx.Err() != nil {
		logger.Debug("Discarding scan interrupted by shutdown")
		return res
	}
	o.commit(epoch, res)
	return res
}

// runAdapter runs one adapter inside a process slot and its own timeout
func (o *Orchestrator) runAdapter(a scanners.Scanner, path string) (oc outcome) {
	oc.tool = a.Name()

	if err := o.sem.Acquire(o.baseCtx, 1); err != nil {
		oc.err = &scanners.ToolError{Tool: oc.tool, Kind: finding.FailureCancelled, Err: err}
		return oc
	}
	defer o.sem.Release(1)

	ctx, cancel := context.WithTimeout(o.baseCtx, o.timeoutFor(oc.tool))
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			oc.findings = nil
			oc.err = &scanners.ToolError{Tool: oc.tool, Kind: finding.FailureCrashed, Err: fmt.Errorf("adapter panic: %v", r)}
		}
	}()

	oc.findings, oc.err = a.Scan(ctx, path)
	return oc
}

// lineCount returns the number of lines of the file as an editor counts
// them. An unreadable file has no valid lines, so every finding is dropped.
func (o *Orchestrator) lineCount(path string, logger *log.Entry) int {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithError(err).Warn("Cannot read file to validate finding lines")
		return 0
	}
	return bytes.Count(data, []byte{'\n'}) + 1
}
