package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"Prerelease/core/library"
	"Prerelease/core/profile"
	"Prerelease/core/sharing"
	"Prerelease/core/startup"
	"Prerelease/logger"
	"Prerelease/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

const maxBodySize = 32 << 20 // 32MB，专辑封面随请求体一起上传

// Handler 本地桥接的所有 HTTP 处理函数
type Handler struct {
	orch     *startup.Orchestrator
	profiles *profile.Manager
	library  *library.Library
	hub      *Hub
	debounce time.Duration
	upgrader websocket.Upgrader
}

// NewHandler 创建处理器
func NewHandler(deps Deps, hub *Hub) *Handler {
	return &Handler{
		orch:     deps.Orchestrator,
		profiles: deps.Profiles,
		library:  deps.Library,
		hub:      hub,
		debounce: deps.UsernameDebounce,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 展示层运行在同一台设备上
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// StatusResponse 同步状态
type StatusResponse struct {
	NeedsSetup   bool            `json:"needsSetup"`
	SyncComplete bool            `json:"syncComplete"`
	Degraded     bool            `json:"degraded"`
	State        model.SyncState `json:"state"`
	Reason       string          `json:"reason,omitempty"`
}

func toStatusResponse(s startup.Status) StatusResponse {
	return StatusResponse{
		NeedsSetup:   s.NeedsSetup(),
		SyncComplete: s.SyncComplete(),
		Degraded:     s.Degraded,
		State:        s.State,
		Reason:       s.Reason,
	}
}

// CreateProfileRequest 首次设置提交的资料
type CreateProfileRequest struct {
	Username     string  `json:"username"`
	ArtistName   string  `json:"artistName"`
	Bio          *string `json:"bio,omitempty"`
	ProfileImage []byte  `json:"profileImage,omitempty"`
}

// ValidateRequest 单个设置步骤的校验请求
type ValidateRequest struct {
	Step  profile.SetupStep `json:"step"`
	Value string            `json:"value"`
}

// SongDTO 歌曲，封面以 base64 传输
type SongDTO struct {
	model.Song
	CoverImage []byte `json:"coverImage,omitempty"`
}

// AlbumDTO 专辑，封面以 base64 传输
type AlbumDTO struct {
	model.Album
	CoverImage   []byte    `json:"coverImage,omitempty"`
	Songs        []SongDTO `json:"songs"`
	IsShared     bool      `json:"isShared"`
	SharedWithMe bool      `json:"sharedWithMe"`
}

// ImportRequest 按 shareId 从交换取回，或直接提交收到的专辑
type ImportRequest struct {
	ShareID string                `json:"shareId,omitempty"`
	Album   *model.EncodableAlbum `json:"album,omitempty"`
}

// ShareRequest 分享权限，缺省为 read_only
type ShareRequest struct {
	Permission model.SharePermission `json:"permission"`
}

func (h *Handler) toAlbumDTO(a *model.Album) AlbumDTO {
	me := h.profiles.CurrentID()
	return AlbumDTO{
		Album:      *a,
		CoverImage: a.CoverImage,
		Songs: lo.Map(a.Songs, func(s model.Song, _ int) SongDTO {
			return SongDTO{Song: s, CoverImage: s.CoverImage}
		}),
		IsShared:     sharing.IsShared(a),
		SharedWithMe: sharing.IsSharedWithCurrentUser(a, me),
	}
}

func (d AlbumDTO) toAlbum() *model.Album {
	album := d.Album
	album.CoverImage = d.CoverImage
	album.Songs = lo.Map(d.Songs, func(s SongDTO, _ int) model.Song {
		song := s.Song
		song.CoverImage = s.CoverImage
		return song
	})
	return &album
}

// GetStatusHandler 当前同步状态
func (h *Handler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStatusResponse(h.orch.Status()))
}

// SyncHandler 执行启动同步，已有终态时直接返回
func (h *Handler) SyncHandler(w http.ResponseWriter, r *http.Request) {
	st := h.orch.PerformStartupSync(r.Context())
	writeJSON(w, http.StatusOK, toStatusResponse(st))
}

// ResetHandler 完全重置本机数据，然后重新同步
func (h *Handler) ResetHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.ForceCompleteReset(r.Context())
	if err != nil {
		logger.Error("重置失败", logger.ErrorField(err))
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"status": toStatusResponse(st),
		})
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(st))
}

// GetProfileHandler 当前资料
func (h *Handler) GetProfileHandler(w http.ResponseWriter, r *http.Request) {
	p := h.profiles.Current()
	if p == nil {
		writeError(w, model.ErrNoProfile)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateProfileHandler 首次设置：创建资料并结束 NeedsSetup
func (h *Handler) CreateProfileHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.profiles.CreateProfile(r.Context(), req.Username, req.ArtistName, req.Bio, req.ProfileImage)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := h.orch.CompleteSetup(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"profile": p,
		"status":  toStatusResponse(st),
	})
}

// UpdateProfileHandler 部分更新资料
func (h *Handler) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	var upd profile.ProfileUpdate
	if !decodeBody(w, r, &upd) {
		return
	}
	p, err := h.profiles.UpdateProfile(r.Context(), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ValidateStepHandler 本地校验，不访问网络
func (h *Handler) ValidateStepHandler(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, profile.ValidateStep(req.Step, req.Value))
}

// CheckUsernameHandler 立即检查用户名（不防抖，防抖走 websocket）
func (h *Handler) CheckUsernameHandler(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("value")
	res, err := h.profiles.CheckUsernameAvailability(r.Context(), value)
	if err != nil && !model.IsValidationError(err) && !errors.Is(err, model.ErrConflict) {
		logger.Warn("用户名检查失败", logger.String("username", value), logger.ErrorField(err))
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListAlbumsHandler 全部专辑
func (h *Handler) ListAlbumsHandler(w http.ResponseWriter, r *http.Request) {
	albums := lo.Map(h.library.Albums(), func(a *model.Album, _ int) AlbumDTO { return h.toAlbumDTO(a) })
	writeJSON(w, http.StatusOK, albums)
}

// CreateAlbumHandler 新建或覆盖本地专辑
func (h *Handler) CreateAlbumHandler(w http.ResponseWriter, r *http.Request) {
	var dto AlbumDTO
	if !decodeBody(w, r, &dto) {
		return
	}
	album, err := h.library.Append(r.Context(), dto.toAlbum())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toAlbumDTO(album))
}

// ShareAlbumHandler 分享专辑，返回可以交给接收者的 EncodableAlbum
func (h *Handler) ShareAlbumHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ShareRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	enc, err := h.library.Share(r.Context(), id, req.Permission)
	if err != nil {
		// 已经落盘但发布失败时仍返回专辑，交由调用方通过其它渠道发送
		if enc != nil {
			logger.Warn("分享发布失败", logger.String("albumId", id), logger.ErrorField(err))
			writeJSON(w, http.StatusAccepted, map[string]interface{}{
				"album":   enc,
				"warning": err.Error(),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, enc)
}

// ImportAlbumHandler 导入别人分享的专辑
func (h *Handler) ImportAlbumHandler(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var (
		album *model.Album
		err   error
	)
	switch {
	case req.Album != nil:
		album, err = h.library.Import(r.Context(), req.Album)
	case req.ShareID != "":
		album, err = h.library.ImportShare(r.Context(), req.ShareID)
	default:
		http.Error(w, "shareId or album is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toAlbumDTO(album))
}

// SharedWithMeHandler 别人分享给当前用户的专辑
func (h *Handler) SharedWithMeHandler(w http.ResponseWriter, r *http.Request) {
	albums := lo.Map(h.library.SharedWithMe(), func(a *model.Album, _ int) AlbumDTO { return h.toAlbumDTO(a) })
	writeJSON(w, http.StatusOK, albums)
}

// WebSocketHandler 升级连接，推送状态并驱动用户名检查
func (h *Handler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", logger.ErrorField(err))
		return
	}

	client := &Client{
		hub:  h.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	client.checker = profile.NewUsernameChecker(h.profiles, h.debounce, func(res profile.CheckResult) {
		data, err := json.Marshal(res)
		if err != nil {
			return
		}
		client.SendMessage(&WSMessage{Type: MsgTypeUsernameCheck, Data: data})
	})

	h.hub.Register(client)
	go client.WritePump()

	if data, err := json.Marshal(toStatusResponse(h.orch.Status())); err == nil {
		client.SendMessage(&WSMessage{Type: MsgTypeStatus, Data: data})
	}

	client.ReadPump()
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", logger.ErrorField(err))
	}
}

// writeError 把领域错误映射为 HTTP 状态码
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]interface{}{"error": err.Error()}

	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		body["field"] = ve.Field
		body["error"] = ve.Reason
	case errors.Is(err, model.ErrConflict),
		errors.Is(err, model.ErrConcurrentCreateRejected),
		errors.Is(err, model.ErrProfileAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, model.ErrNoProfile), errors.Is(err, model.ErrAlbumNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sharing.ErrReshareForbidden):
		status = http.StatusForbidden
	case errors.Is(err, sharing.ErrInvalidPermission):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrTransientNetwork), errors.Is(err, library.ErrExchangeUnavailable):
		status = http.StatusServiceUnavailable
	default:
		logger.Error("请求处理失败", logger.ErrorField(err))
	}
	writeJSON(w, status, body)
}
