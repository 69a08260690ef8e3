package model

import (
	"strings"
	"time"
)

// UserProfile 本机用户身份
// ID 在创建时生成，之后不可变；Username 全局唯一（大小写不敏感）。
type UserProfile struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	ArtistName   string    `json:"artistName"`
	Bio          *string   `json:"bio,omitempty"`
	ProfileImage []byte    `json:"profileImage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"` // last-writer-wins 依据
}

// Clone returns a deep copy so callers never share the manager's instance.
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Bio != nil {
		bio := *p.Bio
		cp.Bio = &bio
	}
	if p.ProfileImage != nil {
		cp.ProfileImage = append([]byte(nil), p.ProfileImage...)
	}
	return &cp
}

// SameUsername reports whether two usernames collide under the
// case-insensitive uniqueness rule.
func SameUsername(a, b string) bool {
	return strings.EqualFold(a, b)
}

// NormalizeUsername 返回用于唯一性查询的规范形式
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
