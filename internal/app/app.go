package app

import (
	"context"
	"errors"
	"fmt"

	"Prerelease/cache"
	"Prerelease/config"
	"Prerelease/core/identity"
	"Prerelease/core/library"
	"Prerelease/core/profile"
	"Prerelease/core/sharing"
	"Prerelease/core/startup"
	"Prerelease/logger"
	"Prerelease/repository"
	"Prerelease/server"
	"Prerelease/storage"

	"github.com/redis/go-redis/v9"
)

// App 进程内的全部服务，由命令行子命令共享
type App struct {
	Config       *config.Config
	Store        *repository.SQLiteLocalStore
	Identity     *identity.HTTPClient
	Profiles     *profile.Manager
	Orchestrator *startup.Orchestrator
	Codec        *sharing.Codec
	Library      *library.Library

	// 可选组件，未启用或连接失败时为 nil
	Mirror   *storage.MinioAssetStore
	Exchange *cache.ShareExchange
	redis    *redis.Client
}

// InitLogger 按配置初始化日志
func InitLogger(cfg *config.Config) error {
	return logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
		Compress:   true,
	})
}

// New 打开本地存储并装配所有服务。Redis 与 MinIO 不可用时降级为纯本地。
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create data directories: %w", err)
	}

	store, err := repository.OpenSQLiteLocalStore(cfg.StorePath, cfg.LockPath)
	if err != nil {
		if errors.Is(err, repository.ErrStoreLocked) {
			return nil, fmt.Errorf("另一个进程正在使用 %s: %w", cfg.DataDir, err)
		}
		return nil, err
	}

	a := &App{Config: cfg, Store: store}

	a.Identity = identity.NewHTTPClient(cfg.IdentityAPIURL, cfg.IdentityAPISecret, cfg.IdentityTimeout)
	a.Profiles = profile.NewManager(store, a.Identity)
	a.Identity.SetSubject(a.Profiles.CurrentID)
	a.Orchestrator = startup.NewOrchestrator(a.Profiles, a.Identity, cfg.IdentityTimeout)
	a.Codec = sharing.NewCodec(a.Profiles.Current)

	assets, err := storage.NewFileAssetStore(cfg.AssetDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	opts := library.Options{}
	if cfg.MinioEnabled {
		mirror, err := storage.NewMinioAssetStore(ctx, cfg)
		if err != nil {
			logger.Warn("MinIO 不可用，分享资源不做镜像", logger.ErrorField(err))
		} else {
			a.Mirror = mirror
			opts.Mirror = mirror
		}
	}
	if cfg.RedisEnabled {
		client, err := cache.ConnectRedis(ctx, cfg)
		if err != nil {
			logger.Warn("Redis 不可用，分享交换已停用", logger.ErrorField(err))
		} else {
			a.redis = client
			a.Exchange = cache.NewShareExchange(client, cfg.ShareTTL)
			opts.Exchange = a.Exchange
		}
	}

	a.Library = library.New(store, a.Codec, assets, opts)
	if _, err := a.Library.Load(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("load albums: %w", err)
	}

	logger.Info("应用初始化完成",
		logger.String("dataDir", cfg.DataDir),
		logger.Bool("mirror", a.Mirror != nil),
		logger.Bool("exchange", a.Exchange != nil))
	return a, nil
}

// Bootstrap 执行启动同步，返回终态
func (a *App) Bootstrap(ctx context.Context) startup.Status {
	st := a.Orchestrator.PerformStartupSync(ctx)
	logger.Info("启动同步完成",
		logger.String("state", string(st.State)),
		logger.Bool("degraded", st.Degraded),
		logger.String("reason", st.Reason))
	return st
}

// Server 创建本地桥接
func (a *App) Server() *server.Server {
	return server.New(a.Config.ServerAddr, server.Deps{
		Orchestrator:     a.Orchestrator,
		Profiles:         a.Profiles,
		Library:          a.Library,
		UsernameDebounce: a.Config.UsernameDebounce,
	})
}

// Close 释放本地存储锁和远端连接
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
