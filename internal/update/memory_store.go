package update

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
// It mirrors the relational store's conflict semantics.
type MemoryStore struct {
	mu      sync.Mutex
	updates map[string]Update
	assets  map[string][]Asset // keyed by update id, insertion ordered
	files   map[string]File
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		updates: make(map[string]Update),
		assets:  make(map[string][]Asset),
		files:   make(map[string]File),
	}
}

func (s *MemoryStore) Get(_ context.Context, updateID string) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.updates[updateID]
	if !ok {
		return Update{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) FindPublishedByVersion(_ context.Context, version string) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.updates {
		if u.Version == version && u.Published() {
			return u, nil
		}
	}
	return Update{}, ErrNotFound
}

func (s *MemoryStore) CreateDraft(_ context.Context, u Update) (bool, Update, error) {
	if u.UpdateID == "" {
		return false, Update{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.updates[u.UpdateID]; ok {
		return false, existing, nil
	}
	u.CreatedAt = nil
	s.updates[u.UpdateID] = u
	return true, u, nil
}

func (s *MemoryStore) UpsertFiles(_ context.Context, files []File) error {
	if len(files) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range files {
		if f.FileID == "" {
			return ErrInvalidInput
		}
		existing, ok := s.files[f.FileID]
		if !ok {
			s.files[f.FileID] = f
			continue
		}
		// Identity column is file_id; only the presigned timestamp is
		// eligible for update on conflict. Verification state survives.
		existing.Presigned = f.Presigned
		s.files[f.FileID] = existing
	}
	return nil
}

func (s *MemoryStore) UpsertAssets(_ context.Context, assets []Asset) error {
	if len(assets) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range assets {
		if a.UpdateID == "" || a.FileID == "" {
			return ErrInvalidInput
		}
		rows := s.assets[a.UpdateID]
		replaced := false
		for i, existing := range rows {
			if existing.FileID == a.FileID && existing.Platform == a.Platform {
				rows[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			rows = append(rows, a)
		}
		s.assets[a.UpdateID] = rows
	}
	return nil
}

func (s *MemoryStore) UnverifiedFiles(_ context.Context, fileIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	seen := make(map[string]struct{}, len(fileIDs))
	for _, id := range fileIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if f, ok := s.files[id]; ok && !f.Verified {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) MarkFilesVerified(_ context.Context, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range fileIDs {
		if f, ok := s.files[id]; ok {
			f.Verified = true
			s.files[id] = f
		}
	}
	return nil
}

func (s *MemoryStore) SetPublished(_ context.Context, updateID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.updates[updateID]
	if !ok {
		return false, ErrNotFound
	}
	if u.Published() {
		return false, nil
	}
	at = at.UTC()
	u.CreatedAt = &at
	s.updates[updateID] = u
	return true, nil
}

func (s *MemoryStore) LatestPublished(_ context.Context, runtimeVersion string) (Update, []Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best  Update
		found bool
	)
	for _, u := range s.updates {
		if u.RuntimeVersion != runtimeVersion || !u.Published() {
			continue
		}
		if !found || u.CreatedAt.After(*best.CreatedAt) {
			best = u
			found = true
		}
	}
	if !found {
		return Update{}, nil, ErrNotFound
	}

	assets := append([]Asset(nil), s.assets[best.UpdateID]...)
	return best, assets, nil
}

var _ Store = (*MemoryStore)(nil)
