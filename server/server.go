package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"Prerelease/core/library"
	"Prerelease/core/profile"
	"Prerelease/core/startup"
	"Prerelease/logger"

	"github.com/gorilla/mux"
)

// Deps 本地桥接依赖的服务
type Deps struct {
	Orchestrator     *startup.Orchestrator
	Profiles         *profile.Manager
	Library          *library.Library
	UsernameDebounce time.Duration
}

// Server 本地 HTTP + websocket 桥接
type Server struct {
	addr    string
	deps    Deps
	hub     *Hub
	handler *Handler
	router  *mux.Router

	stopStatus func()
}

// New 创建桥接服务，重置时会取消所有连接上的用户名检查并清空专辑列表
func New(addr string, deps Deps) *Server {
	hub := NewHub()
	s := &Server{
		addr:    addr,
		deps:    deps,
		hub:     hub,
		handler: NewHandler(deps, hub),
	}
	s.router = s.routes()

	deps.Orchestrator.OnReset(hub.CancelChecks)
	deps.Orchestrator.OnReset(deps.Library.Reset)
	return s
}

func (s *Server) routes() *mux.Router {
	h := s.handler
	router := mux.NewRouter()

	// 添加 CORS 中间件
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	})

	// 同步状态
	router.HandleFunc("/api/status", h.GetStatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/sync", h.SyncHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/sync/reset", h.ResetHandler).Methods(http.MethodPost)

	// 资料
	router.HandleFunc("/api/profile", h.GetProfileHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/profile", h.CreateProfileHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/profile", h.UpdateProfileHandler).Methods(http.MethodPatch)
	router.HandleFunc("/api/profile/validate", h.ValidateStepHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/profile/username", h.CheckUsernameHandler).Methods(http.MethodGet)

	// 专辑
	router.HandleFunc("/api/albums", h.ListAlbumsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/albums", h.CreateAlbumHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/albums/import", h.ImportAlbumHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/albums/shared-with-me", h.SharedWithMeHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/albums/{id}/share", h.ShareAlbumHandler).Methods(http.MethodPost)

	router.HandleFunc("/ws", h.WebSocketHandler)
	return router
}

// Handler 路由，测试中直接交给 httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动 Hub 与状态推送，不监听端口
func (s *Server) Start() {
	go s.hub.Run()

	updates, unsubscribe := s.deps.Orchestrator.Subscribe()
	s.stopStatus = unsubscribe
	go func() {
		for st := range updates {
			data, err := json.Marshal(toStatusResponse(st))
			if err != nil {
				continue
			}
			s.hub.Broadcast(&WSMessage{Type: MsgTypeStatus, Data: data})
		}
	}()
}

// Stop 停止状态推送并断开所有连接
func (s *Server) Stop() {
	if s.stopStatus != nil {
		s.stopStatus()
	}
	s.hub.Stop()
}

// Run 监听端口直到 ctx 结束，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	s.Start()
	defer s.Stop()

	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("本地桥接启动", logger.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("正在关闭本地桥接...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("本地桥接已停止")
	return nil
}
