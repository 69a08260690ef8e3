package model

import "time"

// SharePermission 分享给接收者的权限
type SharePermission string

const (
	PermissionReadOnly SharePermission = "read_only"
	PermissionReshare  SharePermission = "reshare"
)

// Valid reports whether p is empty or one of the known permissions.
func (p SharePermission) Valid() bool {
	switch p {
	case "", PermissionReadOnly, PermissionReshare:
		return true
	}
	return false
}

// Album 表示一张预览专辑（内存形态，可携带封面二进制数据）
type Album struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Artist      string    `json:"artist"`
	ReleaseDate time.Time `json:"releaseDate"`
	Songs       []Song    `json:"songs"`
	CoverImage  []byte    `json:"-"` // 只存在于内存和本地资源目录

	// 分享相关字段，本地创建且未分享的专辑全部为空
	OwnerID          string          `json:"ownerId,omitempty"`
	OwnerUsername    string          `json:"ownerUsername,omitempty"`
	ShareID          string          `json:"shareId,omitempty"`
	SharedAt         *time.Time      `json:"sharedAt,omitempty"`
	SharePermissions SharePermission `json:"sharePermissions,omitempty"`
}

// Song 专辑中的一首歌曲，顺序由 Album.Songs 决定
type Song struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Artist        string  `json:"artist"`
	Duration      float64 `json:"duration"` // 秒
	IsExplicit    bool    `json:"isExplicit"`
	CoverImage    []byte  `json:"-"`
	AudioFileName string  `json:"audioFileName,omitempty"`
}

// EncodableAlbum is the wire/storage form of an Album. It never embeds binary
// image data and always carries a share token.
type EncodableAlbum struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Artist           string          `json:"artist"`
	ReleaseDate      time.Time       `json:"releaseDate"`
	Songs            []EncodableSong `json:"songs"`
	OwnerID          string          `json:"ownerId,omitempty"`
	OwnerUsername    string          `json:"ownerUsername,omitempty"`
	ShareID          string          `json:"shareId"`
	SharedAt         *time.Time      `json:"sharedAt,omitempty"`
	SharePermissions SharePermission `json:"sharePermissions,omitempty"`
}

// EncodableSong drops cover art; SongID and AudioFileName are the lookup keys
// for assets resolved out of band.
type EncodableSong struct {
	SongID        string  `json:"songId"`
	Title         string  `json:"title"`
	Artist        string  `json:"artist"`
	Duration      float64 `json:"duration"`
	IsExplicit    bool    `json:"isExplicit"`
	AudioFileName string  `json:"audioFileName,omitempty"`
}
