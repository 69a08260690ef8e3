package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"Prerelease/core/identity"
	"Prerelease/logger"
	"Prerelease/model"
	"Prerelease/repository"

	"github.com/google/uuid"
)

// Manager 拥有本机"当前用户"的内存状态，所有资料写入都经过它串行化
type Manager struct {
	store  repository.LocalStore
	remote identity.Client
	now    func() time.Time

	// writeMu 串行化资料记录的写入（用户操作与启动对账）
	writeMu sync.Mutex

	mu       sync.RWMutex
	current  *model.UserProfile
	creating bool
	// lastAttempt 远端已写入但本地落盘失败的资料，重试时沿用其 ID
	lastAttempt *model.UserProfile
}

// ProfileUpdate 部分更新，nil 字段保持不变
type ProfileUpdate struct {
	Username   *string `json:"username,omitempty"`
	ArtistName *string `json:"artistName,omitempty"`
	Bio        *string `json:"bio,omitempty"`
}

// NewManager 创建资料管理器
func NewManager(store repository.LocalStore, remote identity.Client) *Manager {
	return &Manager{
		store:  store,
		remote: remote,
		now:    time.Now,
	}
}

// Current returns a copy of the current profile, or nil before setup.
func (m *Manager) Current() *model.UserProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// CurrentID 当前资料 ID，没有资料时为空
func (m *Manager) CurrentID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.ID
}

func (m *Manager) setCurrent(p *model.UserProfile) {
	m.mu.Lock()
	m.current = p.Clone()
	m.mu.Unlock()
}

// LoadLocal 从本地存储读取资料并作为当前用户。
// 读取失败时返回的错误包装 model.ErrCorruptLocalState。
func (m *Manager) LoadLocal(ctx context.Context) (*model.UserProfile, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	prof, err := m.store.LoadProfile(ctx)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, model.ErrCorruptLocalState) {
			err = fmt.Errorf("%w: %v", model.ErrCorruptLocalState, err)
		}
		return nil, err
	}
	m.setCurrent(prof)
	return prof.Clone(), nil
}

// CheckUsernameAvailability 先做本地校验，通过后才查询远端。
// 格式错误返回 *model.ValidationError，被占用返回 model.ErrConflict。
func (m *Manager) CheckUsernameAvailability(ctx context.Context, candidate string) (model.ValidationResult, error) {
	if r := ValidateUsername(candidate); !r.IsValid {
		return r, validationErr("username", r)
	}

	if cur := m.Current(); cur != nil && model.SameUsername(cur.Username, candidate) {
		return model.Valid(), nil
	}

	available, err := m.remote.IsUsernameAvailable(ctx, candidate)
	if err != nil {
		if errors.Is(err, model.ErrTransientNetwork) {
			return model.Invalid("Unable to check username right now. Please try again."), err
		}
		return model.Invalid("Unable to check username"), err
	}
	if !available {
		return model.Invalid("Username is already taken"), fmt.Errorf("username %q: %w", candidate, model.ErrConflict)
	}
	return model.Valid(), nil
}

// CreateProfile 创建本机资料：本地校验 -> 远端唯一性 -> 远端写入 -> 本地落盘。
// 同一时间只允许一次创建；已有资料时返回 model.ErrProfileAlreadyExists。
func (m *Manager) CreateProfile(ctx context.Context, username, artistName string, bio *string, image []byte) (*model.UserProfile, error) {
	if err := validationErr("username", ValidateUsername(username)); err != nil {
		return nil, err
	}
	if err := validationErr("artistName", ValidateArtistName(artistName)); err != nil {
		return nil, err
	}

	m.mu.Lock()
	switch {
	case m.current != nil:
		m.mu.Unlock()
		return nil, model.ErrProfileAlreadyExists
	case m.creating:
		m.mu.Unlock()
		return nil, model.ErrConcurrentCreateRejected
	}
	m.creating = true
	previous := m.lastAttempt
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.creating = false
		m.mu.Unlock()
	}()

	available, err := m.remote.IsUsernameAvailable(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}

	now := m.now().UTC()
	prof := &model.UserProfile{
		ID:           uuid.NewString(),
		Username:     username,
		ArtistName:   strings.TrimSpace(artistName),
		Bio:          trimmedPtr(bio),
		ProfileImage: image,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if previous != nil && model.SameUsername(previous.Username, username) {
		// 上一次远端已登记此用户名，沿用同一身份
		prof.ID = previous.ID
		prof.CreatedAt = previous.CreatedAt
		available = true
	}
	if !available {
		return nil, fmt.Errorf("username %q: %w", username, model.ErrConflict)
	}

	if err := m.remote.UpsertProfile(ctx, prof); err != nil {
		return nil, fmt.Errorf("register profile: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.store.SaveProfile(ctx, prof); err != nil {
		m.mu.Lock()
		m.lastAttempt = prof.Clone()
		m.mu.Unlock()
		return nil, fmt.Errorf("save profile: %w", err)
	}

	m.mu.Lock()
	m.current = prof.Clone()
	m.lastAttempt = nil
	m.mu.Unlock()

	logger.Info("资料创建成功",
		logger.String("profileId", prof.ID),
		logger.String("username", prof.Username))
	return prof, nil
}

// UpdateProfile 部分更新当前资料。用户名变化（大小写不敏感）时重新做完整的可用性检查，
// 并且远端写入成功后才落盘；其它字段先落盘，远端写入失败时降级为仅本地。
func (m *Manager) UpdateProfile(ctx context.Context, upd ProfileUpdate) (*model.UserProfile, error) {
	cur := m.Current()
	if cur == nil {
		return nil, model.ErrNoProfile
	}

	if upd.Username != nil {
		if err := validationErr("username", ValidateUsername(*upd.Username)); err != nil {
			return nil, err
		}
	}
	if upd.ArtistName != nil {
		if err := validationErr("artistName", ValidateArtistName(*upd.ArtistName)); err != nil {
			return nil, err
		}
	}

	usernameChanged := upd.Username != nil && !model.SameUsername(*upd.Username, cur.Username)
	if usernameChanged {
		if _, err := m.CheckUsernameAvailability(ctx, *upd.Username); err != nil {
			return nil, err
		}
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	// 持锁后重新读取，期间可能发生对账或重置
	base := m.Current()
	if base == nil || base.ID != cur.ID {
		return nil, model.ErrNoProfile
	}
	updated := base.Clone()
	if upd.Username != nil {
		updated.Username = *upd.Username
	}
	if upd.ArtistName != nil {
		updated.ArtistName = strings.TrimSpace(*upd.ArtistName)
	}
	if upd.Bio != nil {
		updated.Bio = trimmedPtr(upd.Bio)
	}
	updated.UpdatedAt = m.now().UTC()

	if err := m.remote.UpsertProfile(ctx, updated); err != nil {
		if usernameChanged || errors.Is(err, model.ErrConflict) {
			return nil, fmt.Errorf("update remote profile: %w", err)
		}
		logger.Warn("远端资料更新失败，仅保存在本地",
			logger.String("profileId", updated.ID),
			logger.ErrorField(err))
	}

	if err := m.store.SaveProfile(ctx, updated); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	m.setCurrent(updated)
	return updated, nil
}

// ApplyRemote 把远端资料写入本地并替换当前用户。
// stillCurrent 在写锁内执行，返回 false 时丢弃这次写入（例如期间发生了重置）。
func (m *Manager) ApplyRemote(ctx context.Context, remote *model.UserProfile, stillCurrent func() bool) (bool, error) {
	if remote == nil {
		return false, nil
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if stillCurrent != nil && !stillCurrent() {
		return false, nil
	}
	if err := m.store.SaveProfile(ctx, remote); err != nil {
		return false, fmt.Errorf("save remote profile: %w", err)
	}
	m.setCurrent(remote)
	return true, nil
}

// Reset 清空本地存储与内存中的当前用户
func (m *Manager) Reset(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.store.ClearAll(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.current = nil
	m.lastAttempt = nil
	m.mu.Unlock()
	return nil
}

func trimmedPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
