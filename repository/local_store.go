package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"Prerelease/db"
	"Prerelease/logger"
	"Prerelease/model"

	"github.com/gofrs/flock"
	"gorm.io/gorm"
)

// LocalStore 定义设备本地持久化操作接口
// 资料不存在时 LoadProfile 返回 (nil, nil)；内容不可读时返回 model.ErrCorruptLocalState。
type LocalStore interface {
	LoadProfile(ctx context.Context) (*model.UserProfile, error)
	SaveProfile(ctx context.Context, profile *model.UserProfile) error
	LoadAlbums(ctx context.Context) ([]*model.EncodableAlbum, error)
	SaveAlbum(ctx context.Context, album *model.EncodableAlbum) error
	ClearAll(ctx context.Context) error
}

// ErrStoreLocked 另一个进程正持有本地存储
var ErrStoreLocked = errors.New("local store is locked by another process")

// profileSlot 本机只有一条资料记录
const profileSlot = 1

type profileRecord struct {
	Slot         int       `gorm:"primaryKey;autoIncrement:false"`
	ID           string    `gorm:"not null"`
	Username     string    `gorm:"not null"`
	ArtistName   string    `gorm:"not null"`
	Bio          *string
	ProfileImage []byte
	CreatedAt    time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
}

func (profileRecord) TableName() string { return "local_profile" }

type albumRecord struct {
	ID               string `gorm:"primaryKey"`
	Position         int64  `gorm:"not null;index"`
	Title            string
	Artist           string
	ReleaseDate      time.Time
	SongsJSON        string `gorm:"column:songs_json;not null"`
	OwnerID          string
	OwnerUsername    string
	ShareID          string `gorm:"not null;index"`
	SharedAt         *time.Time
	SharePermissions string
	StoredAt         time.Time
}

func (albumRecord) TableName() string { return "albums" }

// SQLiteLocalStore 基于 gorm + SQLite 的 LocalStore 实现
type SQLiteLocalStore struct {
	db   *gorm.DB
	path string
	lock *flock.Flock

	profileMu sync.Mutex // 资料写入单写者
	albumMu   sync.Mutex // 专辑写入单写者
}

// OpenSQLiteLocalStore 打开本地存储并获取进程锁。
// 数据库文件损坏时会被挪到一旁并重建，等价于"没有资料"。
func OpenSQLiteLocalStore(path, lockPath string) (*SQLiteLocalStore, error) {
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	if !ok {
		return nil, ErrStoreLocked
	}

	gdb, err := openAndMigrate(path)
	if err != nil {
		quarantined := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		logger.Warn("本地数据库不可用，移到一旁后重建",
			logger.String("path", path),
			logger.String("quarantine", quarantined),
			logger.ErrorField(err))
		if renameErr := os.Rename(path, quarantined); renameErr != nil && !os.IsNotExist(renameErr) {
			_ = lock.Unlock()
			return nil, fmt.Errorf("quarantine corrupt store: %w", renameErr)
		}
		_ = os.Remove(path + "-wal")
		_ = os.Remove(path + "-shm")
		gdb, err = openAndMigrate(path)
		if err != nil {
			_ = lock.Unlock()
			return nil, err
		}
	}

	return &SQLiteLocalStore{db: gdb, path: path, lock: lock}, nil
}

func openAndMigrate(path string) (*gorm.DB, error) {
	gdb, err := db.OpenLocal(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrateModels(gdb, &profileRecord{}, &albumRecord{}); err != nil {
		_ = db.Close(gdb)
		return nil, err
	}
	return gdb, nil
}

// Close 关闭数据库并释放进程锁
func (s *SQLiteLocalStore) Close() error {
	if s == nil {
		return nil
	}
	err := db.Close(s.db)
	if s.lock != nil {
		if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}

// LoadProfile 读取本机资料
func (s *SQLiteLocalStore) LoadProfile(ctx context.Context) (*model.UserProfile, error) {
	var rec profileRecord
	err := s.db.WithContext(ctx).Where("slot = ?", profileSlot).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read profile: %v", model.ErrCorruptLocalState, err)
	}
	if rec.ID == "" || rec.Username == "" {
		return nil, fmt.Errorf("%w: profile record missing id or username", model.ErrCorruptLocalState)
	}

	return &model.UserProfile{
		ID:           rec.ID,
		Username:     rec.Username,
		ArtistName:   rec.ArtistName,
		Bio:          rec.Bio,
		ProfileImage: rec.ProfileImage,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

// SaveProfile 整行替换本机资料
func (s *SQLiteLocalStore) SaveProfile(ctx context.Context, profile *model.UserProfile) error {
	if profile == nil || profile.ID == "" {
		return fmt.Errorf("save profile: missing id")
	}
	s.profileMu.Lock()
	defer s.profileMu.Unlock()

	rec := profileRecord{
		Slot:         profileSlot,
		ID:           profile.ID,
		Username:     profile.Username,
		ArtistName:   profile.ArtistName,
		Bio:          profile.Bio,
		ProfileImage: profile.ProfileImage,
		CreatedAt:    profile.CreatedAt,
		UpdatedAt:    profile.UpdatedAt,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("slot = ?", profileSlot).Delete(&profileRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// LoadAlbums 按加入顺序返回全部专辑。单条专辑不可读时跳过并记录日志，
// 表本身不可读时返回 model.ErrCorruptLocalState。
func (s *SQLiteLocalStore) LoadAlbums(ctx context.Context) ([]*model.EncodableAlbum, error) {
	var recs []albumRecord
	if err := s.db.WithContext(ctx).Order("position ASC").Find(&recs).Error; err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: read albums: %v", model.ErrCorruptLocalState, err)
	}

	albums := make([]*model.EncodableAlbum, 0, len(recs))
	for _, rec := range recs {
		var songs []model.EncodableSong
		if err := json.Unmarshal([]byte(rec.SongsJSON), &songs); err != nil {
			logger.Warn("专辑记录不可读，已跳过",
				logger.String("albumId", rec.ID),
				logger.ErrorField(err))
			continue
		}
		albums = append(albums, &model.EncodableAlbum{
			ID:               rec.ID,
			Title:            rec.Title,
			Artist:           rec.Artist,
			ReleaseDate:      rec.ReleaseDate,
			Songs:            songs,
			OwnerID:          rec.OwnerID,
			OwnerUsername:    rec.OwnerUsername,
			ShareID:          rec.ShareID,
			SharedAt:         rec.SharedAt,
			SharePermissions: model.SharePermission(rec.SharePermissions),
		})
	}
	return albums, nil
}

// SaveAlbum 新增或整行替换一张专辑，已有专辑保持原有顺序
func (s *SQLiteLocalStore) SaveAlbum(ctx context.Context, album *model.EncodableAlbum) error {
	if album == nil || album.ID == "" {
		return fmt.Errorf("save album: missing id")
	}
	if album.ShareID == "" {
		return fmt.Errorf("save album %s: missing share id", album.ID)
	}
	songs := album.Songs
	if songs == nil {
		songs = []model.EncodableSong{}
	}
	songsJSON, err := json.Marshal(songs)
	if err != nil {
		return fmt.Errorf("failed to marshal songs: %w", err)
	}

	s.albumMu.Lock()
	defer s.albumMu.Unlock()

	rec := albumRecord{
		ID:               album.ID,
		Title:            album.Title,
		Artist:           album.Artist,
		ReleaseDate:      album.ReleaseDate,
		SongsJSON:        string(songsJSON),
		OwnerID:          album.OwnerID,
		OwnerUsername:    album.OwnerUsername,
		ShareID:          album.ShareID,
		SharedAt:         album.SharedAt,
		SharePermissions: string(album.SharePermissions),
		StoredAt:         time.Now().UTC(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing albumRecord
		err := tx.Select("id", "position").Where("id = ?", album.ID).Take(&existing).Error
		if err == nil {
			rec.Position = existing.Position
			return tx.Save(&rec).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		var maxPos sql.NullInt64
		if err := tx.Model(&albumRecord{}).Select("MAX(position)").Row().Scan(&maxPos); err != nil {
			return err
		}
		if maxPos.Valid {
			rec.Position = maxPos.Int64 + 1
		}
		return tx.Create(&rec).Error
	})
	if err != nil {
		return fmt.Errorf("failed to save album %s: %w", album.ID, err)
	}
	return nil
}

// ClearAll 清空资料与专辑缓存
func (s *SQLiteLocalStore) ClearAll(ctx context.Context) error {
	s.profileMu.Lock()
	defer s.profileMu.Unlock()
	s.albumMu.Lock()
	defer s.albumMu.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM local_profile").Error; err != nil {
			return err
		}
		return tx.Exec("DELETE FROM albums").Error
	})
	if err != nil {
		return fmt.Errorf("failed to clear local store: %w", err)
	}
	logger.Info("本地存储已清空", logger.String("path", s.path))
	return nil
}
