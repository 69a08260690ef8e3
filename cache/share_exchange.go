package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"Prerelease/model"

	"github.com/redis/go-redis/v9"
)

const (
	shareKey       = "share:%s"       // String: EncodableAlbum JSON
	ownerSharesKey = "share:owner:%s" // Set: 某个资料发布过的 shareId
)

// ShareExchange 通过 Redis 交换分享的专辑，按 shareId 取回
type ShareExchange struct {
	client *redis.Client
	ttl    time.Duration
}

// NewShareExchange ttl <= 0 表示不过期
func NewShareExchange(client *redis.Client, ttl time.Duration) *ShareExchange {
	if ttl < 0 {
		ttl = 0
	}
	return &ShareExchange{client: client, ttl: ttl}
}

// Publish 发布或覆盖一张分享专辑
func (e *ShareExchange) Publish(ctx context.Context, album *model.EncodableAlbum) error {
	if album.ShareID == "" {
		return errors.New("publish album: missing share id")
	}
	data, err := json.Marshal(album)
	if err != nil {
		return fmt.Errorf("failed to marshal album: %w", err)
	}

	pipe := e.client.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(shareKey, album.ShareID), data, e.ttl)
	if album.OwnerID != "" {
		key := fmt.Sprintf(ownerSharesKey, album.OwnerID)
		pipe.SAdd(ctx, key, album.ShareID)
		if e.ttl > 0 {
			pipe.Expire(ctx, key, e.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish album %s: %w", album.ShareID, err)
	}
	return nil
}

// Fetch 按 shareId 取回专辑，不存在或已过期时返回 (nil, nil)
func (e *ShareExchange) Fetch(ctx context.Context, shareID string) (*model.EncodableAlbum, error) {
	data, err := e.client.Get(ctx, fmt.Sprintf(shareKey, shareID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch share %s: %w", shareID, err)
	}

	var album model.EncodableAlbum
	if err := json.Unmarshal(data, &album); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shared album: %w", err)
	}
	if album.ShareID != shareID {
		return nil, fmt.Errorf("shared album %s carries share id %q", shareID, album.ShareID)
	}
	return &album, nil
}

// PublishedBy 某个资料当前仍有效的 shareId 列表
func (e *ShareExchange) PublishedBy(ctx context.Context, ownerID string) ([]string, error) {
	key := fmt.Sprintf(ownerSharesKey, ownerID)
	ids, err := e.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	live := ids[:0]
	for _, id := range ids {
		n, err := e.client.Exists(ctx, fmt.Sprintf(shareKey, id)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			live = append(live, id)
		} else {
			e.client.SRem(ctx, key, id)
		}
	}
	return live, nil
}

// Revoke 撤回分享
func (e *ShareExchange) Revoke(ctx context.Context, ownerID, shareID string) error {
	pipe := e.client.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf(shareKey, shareID))
	pipe.SRem(ctx, fmt.Sprintf(ownerSharesKey, ownerID), shareID)
	_, err := pipe.Exec(ctx)
	return err
}
