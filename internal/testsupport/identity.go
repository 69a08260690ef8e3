package testsupport

import (
	"context"
	"sync"

	"Prerelease/model"
)

// FakeIdentity is an in-memory identity service with call counters and
// injectable failures.
type FakeIdentity struct {
	mu sync.Mutex

	HealthErr       error
	AvailabilityErr error
	FetchErr        error
	UpsertErr       error

	// Block, when non-nil, makes every call wait until it is closed or the
	// call's context ends.
	Block chan struct{}

	owners   map[string]string // normalized username -> profile id
	profiles map[string]*model.UserProfile

	HealthCalls       int
	AvailabilityCalls []string
	FetchCalls        int
	UpsertCalls       int
}

// NewFakeIdentity returns an empty, healthy fake.
func NewFakeIdentity() *FakeIdentity {
	return &FakeIdentity{
		owners:   make(map[string]string),
		profiles: make(map[string]*model.UserProfile),
	}
}

// Reserve marks username as taken by another profile.
func (f *FakeIdentity) Reserve(username, ownerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[model.NormalizeUsername(username)] = ownerID
}

// PutProfile stores a remote profile as-is.
func (f *FakeIdentity) PutProfile(p *model.UserProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.ID] = p.Clone()
	f.owners[model.NormalizeUsername(p.Username)] = p.ID
}

// Profile returns the stored remote profile, if any.
func (f *FakeIdentity) Profile(id string) *model.UserProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[id].Clone()
}

// Counts returns (health, availability, fetch, upsert) call counts.
func (f *FakeIdentity) Counts() (int, int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.HealthCalls, len(f.AvailabilityCalls), f.FetchCalls, f.UpsertCalls
}

// TotalCalls is the number of remote calls of any kind.
func (f *FakeIdentity) TotalCalls() int {
	h, a, fe, u := f.Counts()
	return h + a + fe + u
}

// Checked returns the candidates passed to IsUsernameAvailable, in order.
func (f *FakeIdentity) Checked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.AvailabilityCalls...)
}

func (f *FakeIdentity) wait(ctx context.Context) error {
	f.mu.Lock()
	block := f.Block
	f.mu.Unlock()
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return model.Transient("fake identity", ctx.Err())
	}
}

func (f *FakeIdentity) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	f.HealthCalls++
	err := f.HealthErr
	f.mu.Unlock()
	if waitErr := f.wait(ctx); waitErr != nil {
		return waitErr
	}
	return err
}

func (f *FakeIdentity) IsUsernameAvailable(ctx context.Context, candidate string) (bool, error) {
	f.mu.Lock()
	f.AvailabilityCalls = append(f.AvailabilityCalls, candidate)
	err := f.AvailabilityErr
	f.mu.Unlock()
	if waitErr := f.wait(ctx); waitErr != nil {
		return false, waitErr
	}
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, taken := f.owners[model.NormalizeUsername(candidate)]
	return !taken, nil
}

func (f *FakeIdentity) FetchProfile(ctx context.Context, id string) (*model.UserProfile, error) {
	f.mu.Lock()
	f.FetchCalls++
	err := f.FetchErr
	f.mu.Unlock()
	if waitErr := f.wait(ctx); waitErr != nil {
		return nil, waitErr
	}
	if err != nil {
		return nil, err
	}
	return f.Profile(id), nil
}

func (f *FakeIdentity) UpsertProfile(ctx context.Context, p *model.UserProfile) error {
	f.mu.Lock()
	f.UpsertCalls++
	err := f.UpsertErr
	f.mu.Unlock()
	if waitErr := f.wait(ctx); waitErr != nil {
		return waitErr
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	key := model.NormalizeUsername(p.Username)
	if owner, ok := f.owners[key]; ok && owner != p.ID {
		return model.ErrConflict
	}
	if prev, ok := f.profiles[p.ID]; ok {
		delete(f.owners, model.NormalizeUsername(prev.Username))
	}
	f.profiles[p.ID] = p.Clone()
	f.owners[key] = p.ID
	return nil
}
