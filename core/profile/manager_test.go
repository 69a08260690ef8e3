package profile

import (
	"context"
	"errors"
	"testing"
	"time"

	"Prerelease/internal/testsupport"
	"Prerelease/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *testsupport.MemoryStore, *testsupport.FakeIdentity) {
	t.Helper()
	store := testsupport.NewMemoryStore()
	remote := testsupport.NewFakeIdentity()
	return NewManager(store, remote), store, remote
}

func strPtr(s string) *string { return &s }

func TestCheckUsernameAvailability(t *testing.T) {
	ctx := context.Background()

	t.Run("InvalidSkipsNetwork", func(t *testing.T) {
		m, _, remote := newTestManager(t)
		r, err := m.CheckUsernameAvailability(ctx, "a!")
		assert.False(t, r.IsValid)
		assert.True(t, model.IsValidationError(err))
		assert.Zero(t, remote.TotalCalls())
	})

	t.Run("TakenCaseInsensitive", func(t *testing.T) {
		m, _, remote := newTestManager(t)
		remote.Reserve("night_owl", "someone-else")
		r, err := m.CheckUsernameAvailability(ctx, "Night_Owl")
		assert.False(t, r.IsValid)
		assert.ErrorIs(t, err, model.ErrConflict)
	})

	t.Run("OwnUsernameNeedsNoNetwork", func(t *testing.T) {
		m, store, remote := newTestManager(t)
		store.SetProfile(&model.UserProfile{ID: "p-1", Username: "night_owl", ArtistName: "Owl"})
		_, err := m.LoadLocal(ctx)
		require.NoError(t, err)

		r, err := m.CheckUsernameAvailability(ctx, "NIGHT_OWL")
		require.NoError(t, err)
		assert.True(t, r.IsValid)
		assert.Zero(t, remote.TotalCalls())
	})

	t.Run("TransientError", func(t *testing.T) {
		m, _, remote := newTestManager(t)
		remote.AvailabilityErr = model.Transient("test", errors.New("offline"))
		r, err := m.CheckUsernameAvailability(ctx, "night_owl")
		assert.False(t, r.IsValid)
		assert.ErrorIs(t, err, model.ErrTransientNetwork)
	})
}

func TestCreateProfile(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		m, store, remote := newTestManager(t)
		prof, err := m.CreateProfile(ctx, "night_owl", "  Night Owl ", strPtr(" late shows "), nil)
		require.NoError(t, err)

		assert.NotEmpty(t, prof.ID)
		assert.Equal(t, "Night Owl", prof.ArtistName)
		require.NotNil(t, prof.Bio)
		assert.Equal(t, "late shows", *prof.Bio)
		assert.Equal(t, prof.ID, m.CurrentID())
		assert.Equal(t, prof.ID, store.Profile().ID)
		assert.NotNil(t, remote.Profile(prof.ID))
	})

	t.Run("ValidationFailsBeforeNetwork", func(t *testing.T) {
		m, store, remote := newTestManager(t)
		_, err := m.CreateProfile(ctx, "no", "Artist", nil, nil)
		assert.True(t, model.IsValidationError(err))
		_, err = m.CreateProfile(ctx, "valid_name", "A", nil, nil)
		assert.True(t, model.IsValidationError(err))
		assert.Zero(t, remote.TotalCalls())
		assert.Zero(t, store.ProfileSaves)
	})

	t.Run("ConflictLeavesNoLocalProfile", func(t *testing.T) {
		m, store, remote := newTestManager(t)
		remote.Reserve("taken_name", "other")
		_, err := m.CreateProfile(ctx, "Taken_Name", "Artist", nil, nil)
		assert.ErrorIs(t, err, model.ErrConflict)
		assert.Nil(t, store.Profile())
		assert.Nil(t, m.Current())
	})

	t.Run("TransientLeavesNoLocalProfile", func(t *testing.T) {
		m, store, remote := newTestManager(t)
		remote.UpsertErr = model.Transient("test", errors.New("offline"))
		_, err := m.CreateProfile(ctx, "night_owl", "Artist", nil, nil)
		assert.ErrorIs(t, err, model.ErrTransientNetwork)
		assert.Nil(t, store.Profile())
	})

	t.Run("AlreadyExists", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.CreateProfile(ctx, "night_owl", "Artist", nil, nil)
		require.NoError(t, err)
		_, err = m.CreateProfile(ctx, "other_name", "Artist", nil, nil)
		assert.ErrorIs(t, err, model.ErrProfileAlreadyExists)
	})

	t.Run("ConcurrentCreateRejected", func(t *testing.T) {
		m, _, remote := newTestManager(t)
		remote.Block = make(chan struct{})

		done := make(chan error, 1)
		go func() {
			_, err := m.CreateProfile(ctx, "first_name", "Artist", nil, nil)
			done <- err
		}()
		require.Eventually(t, func() bool {
			return len(remote.Checked()) == 1
		}, time.Second, 5*time.Millisecond)

		_, err := m.CreateProfile(ctx, "second_name", "Artist", nil, nil)
		assert.ErrorIs(t, err, model.ErrConcurrentCreateRejected)

		close(remote.Block)
		require.NoError(t, <-done)
		assert.Equal(t, "first_name", m.Current().Username)
	})

	t.Run("RetryAfterLocalFailureKeepsIdentity", func(t *testing.T) {
		m, store, remote := newTestManager(t)
		store.SaveProfileErr = errors.New("disk full")
		_, err := m.CreateProfile(ctx, "night_owl", "Artist", nil, nil)
		require.Error(t, err)

		store.SaveProfileErr = nil
		prof, err := m.CreateProfile(ctx, "night_owl", "Artist", nil, nil)
		require.NoError(t, err)
		assert.NotNil(t, remote.Profile(prof.ID))
	})
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Manager, *testsupport.MemoryStore, *testsupport.FakeIdentity, *model.UserProfile) {
		m, store, remote := newTestManager(t)
		prof, err := m.CreateProfile(ctx, "night_owl", "Night Owl", nil, nil)
		require.NoError(t, err)
		return m, store, remote, prof
	}

	t.Run("NoProfile", func(t *testing.T) {
		m, _, _ := newTestManager(t)
		_, err := m.UpdateProfile(ctx, ProfileUpdate{ArtistName: strPtr("New")})
		assert.ErrorIs(t, err, model.ErrNoProfile)
	})

	t.Run("CaseOnlyChangeSkipsAvailability", func(t *testing.T) {
		m, _, remote, _ := setup(t)
		before := len(remote.Checked())
		updated, err := m.UpdateProfile(ctx, ProfileUpdate{Username: strPtr("Night_Owl")})
		require.NoError(t, err)
		assert.Equal(t, "Night_Owl", updated.Username)
		assert.Len(t, remote.Checked(), before)
	})

	t.Run("UsernameChangeConflict", func(t *testing.T) {
		m, store, remote, prof := setup(t)
		remote.Reserve("taken_name", "other")
		_, err := m.UpdateProfile(ctx, ProfileUpdate{Username: strPtr("taken_name")})
		assert.ErrorIs(t, err, model.ErrConflict)
		assert.Equal(t, prof.Username, store.Profile().Username)
	})

	t.Run("UsernameChangeNeedsRemote", func(t *testing.T) {
		m, store, remote, prof := setup(t)
		remote.UpsertErr = model.Transient("test", errors.New("offline"))
		_, err := m.UpdateProfile(ctx, ProfileUpdate{Username: strPtr("new_name")})
		assert.ErrorIs(t, err, model.ErrTransientNetwork)
		assert.Equal(t, prof.Username, store.Profile().Username)
	})

	t.Run("OtherFieldsDegradeToLocal", func(t *testing.T) {
		m, store, remote, prof := setup(t)
		remote.UpsertErr = model.Transient("test", errors.New("offline"))
		updated, err := m.UpdateProfile(ctx, ProfileUpdate{ArtistName: strPtr("Day Owl"), Bio: strPtr("hi")})
		require.NoError(t, err)
		assert.Equal(t, "Day Owl", store.Profile().ArtistName)
		assert.Equal(t, "Night Owl", remote.Profile(prof.ID).ArtistName)
		assert.False(t, updated.UpdatedAt.Before(prof.UpdatedAt))
	})

	t.Run("InvalidArtistName", func(t *testing.T) {
		m, _, _, _ := setup(t)
		_, err := m.UpdateProfile(ctx, ProfileUpdate{ArtistName: strPtr("x")})
		assert.True(t, model.IsValidationError(err))
	})
}

func TestApplyRemoteAndReset(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)

	remoteProf := &model.UserProfile{ID: "p-9", Username: "remote_user", ArtistName: "Remote"}
	applied, err := m.ApplyRemote(ctx, remoteProf, func() bool { return false })
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Nil(t, store.Profile())

	applied, err = m.ApplyRemote(ctx, remoteProf, nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, "p-9", m.CurrentID())

	require.NoError(t, m.Reset(ctx))
	assert.Nil(t, m.Current())
	assert.Nil(t, store.Profile())
}

func TestResetFailureKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	m, store, _ := newTestManager(t)
	_, err := m.CreateProfile(ctx, "night_owl", "Artist", nil, nil)
	require.NoError(t, err)

	store.ClearErr = errors.New("read-only filesystem")
	assert.Error(t, m.Reset(ctx))
	assert.NotNil(t, m.Current())
}

func TestLoadLocalCorrupt(t *testing.T) {
	m, store, _ := newTestManager(t)
	store.LoadProfileErr = errors.New("garbage")
	_, err := m.LoadLocal(context.Background())
	assert.ErrorIs(t, err, model.ErrCorruptLocalState)
	assert.Nil(t, m.Current())
}
