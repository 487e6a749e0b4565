// Package publish delivers scan results to their consumers: the terminal,
// an editor host or a CloudScan orchestrator.
package publish

import (
	"context"
	"errors"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

// Publisher receives every result written to the diagnostic store
type Publisher interface {
	// Publish delivers the current result of a file
	Publish(ctx context.Context, fileID string, result *finding.ScanResult) error
	// Clear withdraws everything published for a file
	Clear(ctx context.Context, fileID string) error
}

// Multi fans out to several publishers. A failing publisher does not keep
// the others from receiving the result; errors are joined.
type Multi []Publisher

// Publish delivers result to every publisher
func (m Multi) Publish(ctx context.Context, fileID string, result *finding.ScanResult) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, fileID, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clear clears fileID on every publisher
func (m Multi) Clear(ctx context.Context, fileID string) error {
	var errs []error
	for _, p := range m {
		if err := p.Clear(ctx, fileID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Funcs adapts plain functions to a Publisher. Nil fields are no-ops.
type Funcs struct {
	OnPublish func(ctx context.Context, fileID string, result *finding.ScanResult) error
	OnClear   func(ctx context.Context, fileID string) error
}

func (f Funcs) Publish(ctx context.Context, fileID string, result *finding.ScanResult) error {
	if f.OnPublish == nil {
		return nil
	}
	return f.OnPublish(ctx, fileID, result)
}

func (f Funcs) Clear(ctx context.Context, fileID string) error {
	if f.OnClear == nil {
		return nil
	}
	return f.OnClear(ctx, fileID)
}

// Nop discards everything
var Nop Publisher = Funcs{}
