// Package store keeps the latest scan result of every open file.
package store

import (
	"sort"
	"sync"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
)

// Store maps file ids to their current ScanResult. Results are replaced
// whole, so readers only ever see a complete result. Keys do not contend
// with each other.
type Store struct {
	results sync.Map // string -> *finding.ScanResult
}

// New creates an empty store
func New() *Store {
	return &Store{}
}

// Update replaces the result held for fileID
func (s *Store) Update(fileID string, result *finding.ScanResult) {
	if result == nil {
		s.Invalidate(fileID)
		return
	}
	s.results.Store(fileID, result.Clone())
}

// Get returns a copy of the result held for fileID
func (s *Store) Get(fileID string) (*finding.ScanResult, bool) {
	v, ok := s.results.Load(fileID)
	if !ok {
		return nil, false
	}
	return v.(*finding.ScanResult).Clone(), true
}

// Invalidate drops the result held for fileID
func (s *Store) Invalidate(fileID string) {
	s.results.Delete(fileID)
}

// Files returns the ids of all files with a result, sorted
func (s *Store) Files() []string {
	var ids []string
	s.results.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// Len returns the number of files with a result
func (s *Store) Len() int {
	n := 0
	s.results.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
