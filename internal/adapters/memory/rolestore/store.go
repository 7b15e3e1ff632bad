package rolestore

import (
	"context"
	"sort"
	"sync"

	"github.com/CareRoute-Health/transport-dispatch-api/internal/domain"
	"github.com/CareRoute-Health/transport-dispatch-api/internal/ports/out/rolestore"
)

// Store is an in-memory implementation of rolestore.Store.
// It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	profiles  map[domain.UserID]domain.Profile
	bySubject map[domain.SubjectID]domain.UserID
	claims    map[domain.UserID]domain.Claim
}

func NewStore() *Store {
	return &Store{
		profiles:  make(map[domain.UserID]domain.Profile),
		bySubject: make(map[domain.SubjectID]domain.UserID),
		claims:    make(map[domain.UserID]domain.Claim),
	}
}

func (s *Store) CreateProfile(ctx context.Context, p domain.Profile) error {
	_ = ctx
	if p.UserID == "" {
		return rolestore.ErrAlreadyExists
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.UserID]; ok {
		return rolestore.ErrAlreadyExists
	}
	if _, ok := s.bySubject[p.Subject]; ok {
		return rolestore.ErrSubjectAlreadyBound
	}
	s.profiles[p.UserID] = p
	s.bySubject[p.Subject] = p.UserID
	return nil
}

func (s *Store) SaveProfile(ctx context.Context, p domain.Profile) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.UserID]; !ok {
		return rolestore.ErrProfileNotFound
	}
	s.profiles[p.UserID] = p
	return nil
}

func (s *Store) GetProfile(ctx context.Context, id domain.UserID) (domain.Profile, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return domain.Profile{}, rolestore.ErrProfileNotFound
	}
	return p, nil
}

func (s *Store) GetProfileBySubject(ctx context.Context, subject domain.SubjectID) (domain.Profile, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySubject[subject]
	if !ok {
		return domain.Profile{}, rolestore.ErrProfileNotFound
	}
	return s.profiles[id], nil
}

func (s *Store) GetClaim(ctx context.Context, id domain.UserID) (domain.Claim, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.claims[id]
	if !ok {
		return domain.Claim{}, rolestore.ErrClaimNotFound
	}
	return c, nil
}

func (s *Store) SetClaim(ctx context.Context, c domain.Claim) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[c.UserID] = c
	return nil
}

func (s *Store) ListPairs(ctx context.Context) ([]rolestore.Pair, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rolestore.Pair, 0, len(s.profiles))
	for id, p := range s.profiles {
		pair := rolestore.Pair{Profile: p}
		if c, ok := s.claims[id]; ok {
			pair.Claim = c
			pair.HasClaim = true
		}
		out = append(out, pair)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Profile.UserID < out[j].Profile.UserID
	})
	return out, nil
}
