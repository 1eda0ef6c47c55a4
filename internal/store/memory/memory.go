// Package memory implements the store interface with in-process maps.
// It backs tests and local single-run crawls.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/campusarchive/crawler/internal/portal"
)

type identityKey struct {
	Kind portal.EntityKind
	Key  portal.NaturalKey
}

// Store holds all state behind one RWMutex. Commits take the write lock,
// which gives the same single-writer guarantee the postgres store gets
// from its transaction serialization.
type Store struct {
	mu          sync.RWMutex
	nextID      portal.SurrogateID
	ids         map[identityKey]portal.SurrogateID
	entities    map[portal.SurrogateID]portal.ReconciledEntity
	blobs       map[string]portal.FileBlob
	checkpoints map[string]portal.Checkpoint
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		ids:         make(map[identityKey]portal.SurrogateID),
		entities:    make(map[portal.SurrogateID]portal.ReconciledEntity),
		blobs:       make(map[string]portal.FileBlob),
		checkpoints: make(map[string]portal.Checkpoint),
	}
}

// GetOrCreateID allocates a surrogate on first observation.
func (s *Store) GetOrCreateID(_ context.Context, kind portal.EntityKind, key portal.NaturalKey) (portal.SurrogateID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ik := identityKey{Kind: kind, Key: key}
	if id, ok := s.ids[ik]; ok {
		return id, false, nil
	}
	s.nextID++
	s.ids[ik] = s.nextID
	return s.nextID, true, nil
}

// FindID looks a natural key up without allocating.
func (s *Store) FindID(_ context.Context, kind portal.EntityKind, key portal.NaturalKey) (portal.SurrogateID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ids[identityKey{Kind: kind, Key: key}]
	return id, ok, nil
}

// GetEntity reads committed entity state.
func (s *Store) GetEntity(_ context.Context, id portal.SurrogateID) (portal.ReconciledEntity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entity, ok := s.entities[id]
	if !ok {
		return portal.ReconciledEntity{}, false, nil
	}
	return entity.Clone(), true, nil
}

// SearchByName scans for entities whose name contains the query.
func (s *Store) SearchByName(_ context.Context, kind portal.EntityKind, query string, limit int) ([]portal.ReconciledEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query = strings.ToLower(query)
	var matches []portal.ReconciledEntity
	for _, entity := range s.entities {
		if entity.Kind != kind {
			continue
		}
		name, ok := entity.Fields["name"].Value.(string)
		if !ok || !strings.Contains(strings.ToLower(name), query) {
			continue
		}
		matches = append(matches, entity.Clone())
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// CommitBatch applies the batch and checkpoint under one write lock.
func (s *Store) CommitBatch(_ context.Context, entities []portal.ReconciledEntity, checkpoint portal.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entity := range entities {
		s.entities[entity.ID] = entity.Clone()
	}
	s.checkpoints[checkpoint.PassID] = checkpoint
	return nil
}

// LoadCheckpoint reads the last checkpoint of a pass.
func (s *Store) LoadCheckpoint(_ context.Context, passID string) (portal.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[passID]
	return cp, ok, nil
}

// AdjustBlobRef moves a blob refcount, dropping the row at zero.
func (s *Store) AdjustBlobRef(_ context.Context, hash string, size int64, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[hash]
	if !ok {
		blob = portal.FileBlob{Hash: hash, Size: size}
	}
	blob.RefCount += delta
	if blob.RefCount <= 0 {
		delete(s.blobs, hash)
		return 0, nil
	}
	s.blobs[hash] = blob
	return blob.RefCount, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}
