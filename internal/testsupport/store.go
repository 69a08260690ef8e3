package testsupport

import (
	"context"
	"sync"

	"Prerelease/model"
)

// MemoryStore is an in-memory LocalStore with injectable failures.
type MemoryStore struct {
	mu sync.Mutex

	profile *model.UserProfile
	albums  []*model.EncodableAlbum

	LoadProfileErr error
	LoadAlbumsErr  error
	SaveProfileErr error
	ClearErr       error

	ProfileLoads int
	ProfileSaves int
	AlbumSaves   int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SetProfile seeds the stored profile without counting a save.
func (s *MemoryStore) SetProfile(p *model.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p.Clone()
}

// Profile returns the stored profile without counting a load.
func (s *MemoryStore) Profile() *model.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile.Clone()
}

func (s *MemoryStore) LoadProfile(ctx context.Context) (*model.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProfileLoads++
	if s.LoadProfileErr != nil {
		return nil, s.LoadProfileErr
	}
	return s.profile.Clone(), nil
}

func (s *MemoryStore) SaveProfile(ctx context.Context, p *model.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProfileSaves++
	if s.SaveProfileErr != nil {
		return s.SaveProfileErr
	}
	s.profile = p.Clone()
	return nil
}

func (s *MemoryStore) LoadAlbums(ctx context.Context) ([]*model.EncodableAlbum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadAlbumsErr != nil {
		return nil, s.LoadAlbumsErr
	}
	out := make([]*model.EncodableAlbum, 0, len(s.albums))
	for _, a := range s.albums {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) SaveAlbum(ctx context.Context, album *model.EncodableAlbum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AlbumSaves++
	cp := *album
	for i, a := range s.albums {
		if a.ID == album.ID {
			s.albums[i] = &cp
			return nil
		}
	}
	s.albums = append(s.albums, &cp)
	return nil
}

func (s *MemoryStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ClearErr != nil {
		return s.ClearErr
	}
	s.profile = nil
	s.albums = nil
	s.LoadProfileErr = nil
	s.LoadAlbumsErr = nil
	return nil
}
