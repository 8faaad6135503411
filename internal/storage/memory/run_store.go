// Package memory provides an in-process run store for tests and for
// deployments without a database.
package memory

import (
	"context"
	"sync"

	"github.com/forumvine/linkresolver/internal/resolver"
)

// RunStore keeps run records in a map.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]resolver.RunRecord
}

// NewRunStore creates an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: map[string]resolver.RunRecord{}}
}

// RecordRun stores or replaces the record for a run.
func (s *RunStore) RecordRun(_ context.Context, rec resolver.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Resolved = append([]string(nil), rec.Resolved...)
	s.runs[rec.ID] = rec
	return nil
}

// GetRun fetches one record; resolver.ErrRunNotFound when absent.
func (s *RunStore) GetRun(_ context.Context, id string) (resolver.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	if !ok {
		return resolver.RunRecord{}, resolver.ErrRunNotFound
	}
	rec.Resolved = append([]string(nil), rec.Resolved...)
	return rec, nil
}
