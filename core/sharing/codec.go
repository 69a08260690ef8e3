package sharing

import (
	"errors"
	"fmt"
	"time"

	"Prerelease/model"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// shareNamespace 分享令牌的 UUIDv5 命名空间，固定不变
var shareNamespace = uuid.MustParse("6f1c9a52-3d0e-5b8a-9e47-2c5d7b1f0a63")

var (
	// ErrReshareForbidden 只读分享来的专辑不能再次分享
	ErrReshareForbidden = errors.New("album was shared read-only")
	// ErrInvalidPermission 未知的分享权限
	ErrInvalidPermission = errors.New("invalid share permission")
)

// Codec 在 Album 与 EncodableAlbum 之间转换，并集中定义分享状态的判断规则
type Codec struct {
	current func() *model.UserProfile
	now     func() time.Time
}

// NewCodec current 在每次编码时调用，用来取当前资料；可以返回 nil
func NewCodec(current func() *model.UserProfile) *Codec {
	if current == nil {
		current = func() *model.UserProfile { return nil }
	}
	return &Codec{current: current, now: time.Now}
}

// ShareTokenFor returns the share token for an album id. The same id always
// yields the same token.
func ShareTokenFor(albumID string) string {
	return uuid.NewSHA1(shareNamespace, []byte(albumID)).String()
}

// Encode 生成线上/存储形态，不修改 album，也不改变归属。
// shareID 为空时沿用专辑已有的令牌，从未分享过则按专辑 ID 确定性生成。
func (c *Codec) Encode(album *model.Album, shareID string) *model.EncodableAlbum {
	if shareID == "" {
		shareID = album.ShareID
	}
	if shareID == "" {
		shareID = ShareTokenFor(album.ID)
	}

	enc := &model.EncodableAlbum{
		ID:          album.ID,
		Title:       album.Title,
		Artist:      album.Artist,
		ReleaseDate: album.ReleaseDate,
		Songs: lo.Map(album.Songs, func(s model.Song, _ int) model.EncodableSong {
			return model.EncodableSong{
				SongID:        s.ID,
				Title:         s.Title,
				Artist:        s.Artist,
				Duration:      s.Duration,
				IsExplicit:    s.IsExplicit,
				AudioFileName: s.AudioFileName,
			}
		}),
		OwnerID:          album.OwnerID,
		OwnerUsername:    album.OwnerUsername,
		ShareID:          shareID,
		SharePermissions: album.SharePermissions,
	}
	if album.SharedAt != nil {
		t := *album.SharedAt
		enc.SharedAt = &t
	}
	return enc
}

// EncodeForShare 在 Encode 的基础上补全分享字段：无归属的专辑以当前资料作为归属，
// 首次分享时记录 SharedAt 并写入权限。结果需要调用方通过 Commit 写回专辑。
// 没有当前资料时返回 model.ErrNoProfile，专辑不会被改动。
func (c *Codec) EncodeForShare(album *model.Album, permission model.SharePermission) (*model.EncodableAlbum, error) {
	if !permission.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPermission, permission)
	}
	if permission == "" {
		permission = model.PermissionReadOnly
	}

	cur := c.current()
	if cur == nil {
		return nil, fmt.Errorf("share album %s: %w", album.ID, model.ErrNoProfile)
	}
	curID := cur.ID
	if IsSharedWithCurrentUser(album, curID) && album.SharePermissions == model.PermissionReadOnly {
		return nil, fmt.Errorf("share album %s: %w", album.ID, ErrReshareForbidden)
	}

	enc := c.Encode(album, "")
	if enc.OwnerID == "" {
		enc.OwnerID = cur.ID
		enc.OwnerUsername = cur.Username
	}
	if enc.SharedAt == nil {
		t := c.now().UTC()
		enc.SharedAt = &t
	}
	if enc.OwnerID == curID {
		enc.SharePermissions = permission
	}
	return enc, nil
}

// Commit 把分享结果写回内存专辑
func Commit(album *model.Album, enc *model.EncodableAlbum) {
	album.ShareID = enc.ShareID
	album.OwnerID = enc.OwnerID
	album.OwnerUsername = enc.OwnerUsername
	album.SharePermissions = enc.SharePermissions
	if enc.SharedAt != nil {
		t := *enc.SharedAt
		album.SharedAt = &t
	} else {
		album.SharedAt = nil
	}
}

// Decode 还原为 Album。封面为空，调用方按 songId / audioFileName 从资源存储中补全。
func Decode(enc *model.EncodableAlbum) *model.Album {
	album := &model.Album{
		ID:          enc.ID,
		Title:       enc.Title,
		Artist:      enc.Artist,
		ReleaseDate: enc.ReleaseDate,
		Songs: lo.Map(enc.Songs, func(s model.EncodableSong, _ int) model.Song {
			return model.Song{
				ID:            s.SongID,
				Title:         s.Title,
				Artist:        s.Artist,
				Duration:      s.Duration,
				IsExplicit:    s.IsExplicit,
				AudioFileName: s.AudioFileName,
			}
		}),
		OwnerID:          enc.OwnerID,
		OwnerUsername:    enc.OwnerUsername,
		ShareID:          enc.ShareID,
		SharePermissions: enc.SharePermissions,
	}
	if enc.SharedAt != nil {
		t := *enc.SharedAt
		album.SharedAt = &t
	}
	return album
}

// IsShared 结构上的分享状态：有归属即为已分享，与当前查看者无关
func IsShared(album *model.Album) bool {
	return album.OwnerID != ""
}

// IsSharedWithCurrentUser 相对当前查看者：归属为空或归属就是自己时为 false
func IsSharedWithCurrentUser(album *model.Album, currentUserID string) bool {
	if album.OwnerID == "" {
		return false
	}
	return album.OwnerID != currentUserID
}

// IsSharedWithCurrent 用调用时的当前资料判断
func (c *Codec) IsSharedWithCurrent(album *model.Album) bool {
	curID := ""
	if cur := c.current(); cur != nil {
		curID = cur.ID
	}
	return IsSharedWithCurrentUser(album, curID)
}

// SharedWithMe filters albums down to those shared with the current profile.
func (c *Codec) SharedWithMe(albums []*model.Album) []*model.Album {
	return lo.Filter(albums, func(a *model.Album, _ int) bool {
		return c.IsSharedWithCurrent(a)
	})
}
