package library

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"Prerelease/core/sharing"
	"Prerelease/logger"
	"Prerelease/model"
	"Prerelease/repository"
	"Prerelease/storage"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// ErrExchangeUnavailable 没有配置分享交换（Redis）
var ErrExchangeUnavailable = errors.New("share exchange not configured")

// Exchange 按 shareId 发布与取回分享专辑
type Exchange interface {
	Publish(ctx context.Context, album *model.EncodableAlbum) error
	Fetch(ctx context.Context, shareID string) (*model.EncodableAlbum, error)
}

// Options 可选的远端组件，都可以为 nil
type Options struct {
	// Mirror 分享资源的远端镜像
	Mirror storage.AssetStore
	// Exchange 分享专辑的远端交换
	Exchange Exchange
}

// Library 当前专辑列表。专辑的写入在这里串行化，与资料写入互不阻塞。
type Library struct {
	store    repository.LocalStore
	codec    *sharing.Codec
	assets   storage.AssetStore
	mirror   storage.AssetStore
	exchange Exchange

	mu     sync.Mutex
	albums []*model.Album
}

// New 创建专辑库，需要先调用 Load
func New(store repository.LocalStore, codec *sharing.Codec, assets storage.AssetStore, opts Options) *Library {
	return &Library{
		store:    store,
		codec:    codec,
		assets:   assets,
		mirror:   opts.Mirror,
		exchange: opts.Exchange,
	}
}

// Load 从本地存储读取专辑并从资源目录补全封面。
// 本地专辑不可读时以空列表继续，不返回错误。
func (l *Library) Load(ctx context.Context) ([]*model.Album, error) {
	encs, err := l.store.LoadAlbums(ctx)
	if err != nil {
		if !errors.Is(err, model.ErrCorruptLocalState) {
			return nil, err
		}
		// 与资料一样，不可读的专辑缓存等同于没有专辑
		logger.Warn("本地专辑不可读，以空列表启动", logger.ErrorField(err))
		encs = nil
	}

	albums := lo.Map(encs, func(enc *model.EncodableAlbum, _ int) *model.Album {
		album := sharing.Decode(enc)
		l.resolveAssets(ctx, album)
		return album
	})

	l.mu.Lock()
	l.albums = albums
	l.mu.Unlock()

	logger.Info("专辑加载完成", logger.Int("count", len(albums)))
	return l.Albums(), nil
}

// Albums 当前专辑列表的副本，按加入顺序
func (l *Library) Albums() []*model.Album {
	l.mu.Lock()
	defer l.mu.Unlock()
	return lo.Map(l.albums, func(a *model.Album, _ int) *model.Album { return cloneAlbum(a) })
}

// Get 按 ID 查找专辑
func (l *Library) Get(id string) (*model.Album, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := lo.Find(l.albums, func(a *model.Album) bool { return a.ID == id })
	if !ok {
		return nil, fmt.Errorf("album %s: %w", id, model.ErrAlbumNotFound)
	}
	return cloneAlbum(a), nil
}

// Append 新建或覆盖一张本地专辑。缺少的专辑和歌曲 ID 在这里生成。
func (l *Library) Append(ctx context.Context, album *model.Album) (*model.Album, error) {
	if strings.TrimSpace(album.Title) == "" {
		return nil, model.NewValidationError("title", "Album title is required")
	}

	album = cloneAlbum(album)
	if album.ID == "" {
		album.ID = uuid.NewString()
	}
	for i := range album.Songs {
		if album.Songs[i].ID == "" {
			album.Songs[i].ID = uuid.NewString()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.storeAssets(ctx, l.assets, album)
	enc := l.codec.Encode(album, "")
	if err := l.store.SaveAlbum(ctx, enc); err != nil {
		return nil, fmt.Errorf("save album: %w", err)
	}
	album.ShareID = enc.ShareID
	l.upsertLocked(album)

	logger.Info("专辑已保存",
		logger.String("albumId", album.ID),
		logger.Int("songs", len(album.Songs)))
	return cloneAlbum(album), nil
}

// Share 分享专辑：补全归属和分享字段、落盘、镜像资源并发布到交换。
// 返回的 EncodableAlbum 可以直接通过其它渠道传给接收者。
func (l *Library) Share(ctx context.Context, albumID string, permission model.SharePermission) (*model.EncodableAlbum, error) {
	l.mu.Lock()
	album, ok := lo.Find(l.albums, func(a *model.Album) bool { return a.ID == albumID })
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("album %s: %w", albumID, model.ErrAlbumNotFound)
	}

	enc, err := l.codec.EncodeForShare(album, permission)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if err := l.store.SaveAlbum(ctx, enc); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("save shared album: %w", err)
	}
	sharing.Commit(album, enc)
	snapshot := cloneAlbum(album)
	l.mu.Unlock()

	// 镜像与发布访问网络，不持有列表锁
	if l.mirror != nil {
		l.storeAssets(ctx, l.mirror, snapshot)
	}
	if l.exchange != nil {
		if err := l.exchange.Publish(ctx, enc); err != nil {
			return enc, fmt.Errorf("publish album: %w", err)
		}
	}

	logger.Info("专辑已分享",
		logger.String("albumId", snapshot.ID),
		logger.String("shareId", enc.ShareID),
		logger.String("permission", string(enc.SharePermissions)))
	return enc, nil
}

// Import 接收别人分享的专辑。自己分享出去又收回来的专辑保持原样。
func (l *Library) Import(ctx context.Context, enc *model.EncodableAlbum) (*model.Album, error) {
	if enc.ID == "" {
		return nil, model.NewValidationError("id", "Shared album has no id")
	}
	if enc.ShareID == "" {
		return nil, model.NewValidationError("shareId", "Shared album has no share id")
	}
	if !enc.SharePermissions.Valid() {
		return nil, fmt.Errorf("%w: %q", sharing.ErrInvalidPermission, enc.SharePermissions)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := lo.Find(l.albums, func(a *model.Album) bool { return a.ID == enc.ID }); ok {
		if existing.OwnerID == "" || !l.codec.IsSharedWithCurrent(existing) {
			logger.Debug("忽略自己的专辑", logger.String("albumId", enc.ID))
			return cloneAlbum(existing), nil
		}
	}

	album := sharing.Decode(enc)
	if l.mirror != nil {
		l.fetchMirrored(ctx, album)
	}
	l.resolveAssets(ctx, album)

	if err := l.store.SaveAlbum(ctx, enc); err != nil {
		return nil, fmt.Errorf("save imported album: %w", err)
	}
	l.upsertLocked(album)

	logger.Info("已导入分享专辑",
		logger.String("albumId", album.ID),
		logger.String("owner", album.OwnerUsername))
	return cloneAlbum(album), nil
}

// ImportShare 通过 shareId 从交换中取回并导入
func (l *Library) ImportShare(ctx context.Context, shareID string) (*model.Album, error) {
	if l.exchange == nil {
		return nil, ErrExchangeUnavailable
	}
	enc, err := l.exchange.Fetch(ctx, shareID)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return nil, fmt.Errorf("share %s: %w", shareID, model.ErrAlbumNotFound)
	}
	return l.Import(ctx, enc)
}

// SharedWithMe 按调用时的当前资料计算，不缓存
func (l *Library) SharedWithMe() []*model.Album {
	return l.codec.SharedWithMe(l.Albums())
}

// Reset 清空内存列表，持久化数据由本地存储负责清理
func (l *Library) Reset() {
	l.mu.Lock()
	l.albums = nil
	l.mu.Unlock()
}

func (l *Library) upsertLocked(album *model.Album) {
	for i, a := range l.albums {
		if a.ID == album.ID {
			l.albums[i] = album
			return
		}
	}
	l.albums = append(l.albums, album)
}

// storeAssets 写入专辑和歌曲的二进制资源，失败只记录日志
func (l *Library) storeAssets(ctx context.Context, dst storage.AssetStore, album *model.Album) {
	put := func(key string, data []byte, contentType string) {
		if len(data) == 0 {
			return
		}
		if err := dst.Put(ctx, key, data, contentType); err != nil {
			logger.Warn("保存资源失败", logger.String("key", key), logger.ErrorField(err))
		}
	}

	put(storage.CoverKey(album.ID), album.CoverImage, "")
	for _, s := range album.Songs {
		put(storage.SongCoverKey(s.ID), s.CoverImage, "")
		if dst != l.assets && s.AudioFileName != "" {
			data, err := l.assets.Get(ctx, storage.AudioKey(s.AudioFileName))
			if err == nil {
				put(storage.AudioKey(s.AudioFileName), data, storage.InferContentType(s.AudioFileName))
			}
		}
	}
}

// fetchMirrored 把镜像中的资源复制到本地资源目录
func (l *Library) fetchMirrored(ctx context.Context, album *model.Album) {
	keys := []string{storage.CoverKey(album.ID)}
	for _, s := range album.Songs {
		keys = append(keys, storage.SongCoverKey(s.ID))
		if s.AudioFileName != "" {
			keys = append(keys, storage.AudioKey(s.AudioFileName))
		}
	}
	for _, key := range keys {
		data, err := l.mirror.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, storage.ErrAssetNotFound) {
				logger.Warn("读取镜像资源失败", logger.String("key", key), logger.ErrorField(err))
			}
			continue
		}
		if err := l.assets.Put(ctx, key, data, storage.InferContentType(key)); err != nil {
			logger.Warn("保存资源失败", logger.String("key", key), logger.ErrorField(err))
		}
	}
}

// resolveAssets 按 albumId / songId 从本地资源目录补全封面
func (l *Library) resolveAssets(ctx context.Context, album *model.Album) {
	get := func(key string) []byte {
		data, err := l.assets.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, storage.ErrAssetNotFound) {
				logger.Warn("读取资源失败", logger.String("key", key), logger.ErrorField(err))
			}
			return nil
		}
		return data
	}

	album.CoverImage = get(storage.CoverKey(album.ID))
	for i := range album.Songs {
		album.Songs[i].CoverImage = get(storage.SongCoverKey(album.Songs[i].ID))
	}
}

func cloneAlbum(a *model.Album) *model.Album {
	cp := *a
	if a.CoverImage != nil {
		cp.CoverImage = append([]byte(nil), a.CoverImage...)
	}
	if a.SharedAt != nil {
		t := *a.SharedAt
		cp.SharedAt = &t
	}
	cp.Songs = lo.Map(a.Songs, func(s model.Song, _ int) model.Song {
		if s.CoverImage != nil {
			s.CoverImage = append([]byte(nil), s.CoverImage...)
		}
		return s
	})
	return &cp
}
