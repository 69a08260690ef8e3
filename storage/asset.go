package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrAssetNotFound 资源不存在
var ErrAssetNotFound = errors.New("asset not found")

// AssetStore 封面、音频等二进制资源的存储。专辑的线上形态不携带这些数据，
// 接收方按 songId / audioFileName 推导出的 key 取回。
type AssetStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get 不存在时返回 ErrAssetNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// CoverKey 专辑封面
func CoverKey(albumID string) string {
	return "covers/" + albumID
}

// SongCoverKey 单曲封面
func SongCoverKey(songID string) string {
	return "songs/" + songID + "/cover"
}

// AudioKey 音频文件
func AudioKey(audioFileName string) string {
	return "audio/" + audioFileName
}

// cleanKey rejects keys that would escape the store root.
func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("invalid asset key %q", key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid asset key %q", key)
	}
	return cleaned, nil
}

// InferContentType 从文件名推断内容类型
func InferContentType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".aac":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
