package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"Prerelease/logger"
	"Prerelease/model"

	"github.com/fsnotify/fsnotify"
)

const (
	inboxPollInterval = 50 * time.Millisecond
	// 文件在这段时间内没有变化才认为写入完成
	inboxSettleDelay = 100 * time.Millisecond
	rejectedSuffix   = ".rejected"
)

// WatchInbox 监听投递目录，导入放进来的 *.json 分享专辑，阻塞直到 ctx 结束。
// 导入成功的文件被删除，无法导入的文件改名为 *.json.rejected。
func (l *Library) WatchInbox(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建投递目录失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监听器失败: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("监听目录失败: %w", err)
	}
	logger.Info("开始监听分享投递目录", logger.String("dir", dir))

	// 启动前已经存在的文件
	pending := make(map[string]time.Time)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, e := range entries {
		if !e.IsDir() && isInboxFile(e.Name()) {
			pending[filepath.Join(dir, e.Name())] = now
		}
	}

	ticker := time.NewTicker(inboxPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && isInboxFile(event.Name) {
				pending[event.Name] = time.Now()
			}

		case <-ticker.C:
			now := time.Now()
			for path, last := range pending {
				if now.Sub(last) < inboxSettleDelay {
					continue
				}
				delete(pending, path)
				l.importInboxFile(ctx, path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("文件监听错误", logger.ErrorField(err))
		}
	}
}

func isInboxFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(filepath.Base(name), ".")
}

func (l *Library) importInboxFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("读取投递文件失败", logger.String("file", path), logger.ErrorField(err))
		}
		return
	}

	var enc model.EncodableAlbum
	if err := json.Unmarshal(data, &enc); err != nil {
		rejectInboxFile(path, err)
		return
	}
	if _, err := l.Import(ctx, &enc); err != nil {
		rejectInboxFile(path, err)
		return
	}
	if err := os.Remove(path); err != nil {
		logger.Warn("删除已导入的投递文件失败", logger.String("file", path), logger.ErrorField(err))
	}
}

func rejectInboxFile(path string, cause error) {
	logger.Warn("无法导入投递文件", logger.String("file", path), logger.ErrorField(cause))
	if err := os.Rename(path, path+rejectedSuffix); err != nil {
		logger.Warn("标记投递文件失败", logger.String("file", path), logger.ErrorField(err))
	}
}
