package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"Prerelease/core/library"
	"Prerelease/core/profile"
	"Prerelease/core/sharing"
	"Prerelease/core/startup"
	"Prerelease/internal/testsupport"
	"Prerelease/model"
	"Prerelease/storage"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *testsupport.MemoryStore
	remote *testsupport.FakeIdentity
	srv    *Server
	http   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := testsupport.NewMemoryStore()
	remote := testsupport.NewFakeIdentity()
	mgr := profile.NewManager(store, remote)
	orch := startup.NewOrchestrator(mgr, remote, time.Second)

	assets, err := storage.NewFileAssetStore(filepath.Join(t.TempDir(), "assets"))
	require.NoError(t, err)
	lib := library.New(store, sharing.NewCodec(mgr.Current), assets, library.Options{})

	srv := New(":0", Deps{
		Orchestrator:     orch,
		Profiles:         mgr,
		Library:          lib,
		UsernameDebounce: 20 * time.Millisecond,
	})
	srv.Start()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return &fixture{store: store, remote: remote, srv: srv, http: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSetupFlow(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[StatusResponse](t, resp)
	assert.True(t, st.NeedsSetup)
	assert.False(t, st.SyncComplete)

	resp = f.do(t, http.MethodGet, "/api/profile", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/profile/validate", ValidateRequest{Step: profile.StepUsername, Value: "ab"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	vr := decode[model.ValidationResult](t, resp)
	assert.False(t, vr.IsValid)
	assert.NotEmpty(t, vr.ErrorMessage)

	resp = f.do(t, http.MethodPost, "/api/profile", CreateProfileRequest{Username: "night_owl", ArtistName: "Night Owl"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/status", nil)
	st = decode[StatusResponse](t, resp)
	assert.True(t, st.SyncComplete)
	assert.False(t, st.NeedsSetup)

	resp = f.do(t, http.MethodPost, "/api/profile", CreateProfileRequest{Username: "other_name", ArtistName: "Other"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	bio := "late night beats"
	resp = f.do(t, http.MethodPatch, "/api/profile", profile.ProfileUpdate{Bio: &bio})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p := decode[model.UserProfile](t, resp)
	require.NotNil(t, p.Bio)
	assert.Equal(t, bio, *p.Bio)
}

func TestCreateProfileErrors(t *testing.T) {
	f := newFixture(t)
	f.remote.Reserve("taken_name", "someone")

	resp := f.do(t, http.MethodPost, "/api/profile", CreateProfileRequest{Username: "x", ArtistName: "Night Owl"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "username", body["field"])

	resp = f.do(t, http.MethodPost, "/api/profile", CreateProfileRequest{Username: "taken_name", ArtistName: "Night Owl"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/profile", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckUsername(t *testing.T) {
	f := newFixture(t)
	f.remote.Reserve("taken_name", "someone")

	resp := f.do(t, http.MethodGet, "/api/profile/username?value=free_name", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[model.ValidationResult](t, resp).IsValid)

	resp = f.do(t, http.MethodGet, "/api/profile/username?value=taken_name", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[model.ValidationResult](t, resp).IsValid)

	f.remote.AvailabilityErr = model.Transient("availability", context.DeadlineExceeded)
	resp = f.do(t, http.MethodGet, "/api/profile/username?value=another_name", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAlbumEndpoints(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/sync", nil)
	resp := f.do(t, http.MethodPost, "/api/profile", CreateProfileRequest{Username: "night_owl", ArtistName: "Night Owl"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	dto := AlbumDTO{
		Album:      model.Album{Title: "Night Drive", Artist: "Night Owl"},
		CoverImage: []byte("cover"),
		Songs:      []SongDTO{{Song: model.Song{Title: "Intro", Duration: 61}}},
	}
	resp = f.do(t, http.MethodPost, "/api/albums", dto)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[AlbumDTO](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, []byte("cover"), created.CoverImage)
	assert.False(t, created.IsShared)

	resp = f.do(t, http.MethodPost, "/api/albums", AlbumDTO{Album: model.Album{Title: " "}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/albums/"+created.ID+"/share", ShareRequest{Permission: model.PermissionReshare})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	enc := decode[model.EncodableAlbum](t, resp)
	assert.Equal(t, sharing.ShareTokenFor(created.ID), enc.ShareID)
	assert.Equal(t, model.PermissionReshare, enc.SharePermissions)

	resp = f.do(t, http.MethodPost, "/api/albums/missing/share", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/albums/import", ImportRequest{Album: &model.EncodableAlbum{
		ID:               "from-friend",
		Title:            "Friend's Demo",
		OwnerID:          "friend",
		OwnerUsername:    "friend",
		ShareID:          "share-friend",
		SharePermissions: model.PermissionReadOnly,
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	imported := decode[AlbumDTO](t, resp)
	assert.True(t, imported.SharedWithMe)

	resp = f.do(t, http.MethodPost, "/api/albums/from-friend/share", ShareRequest{Permission: model.PermissionReadOnly})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/albums/import", ImportRequest{ShareID: "share-friend"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/albums/import", ImportRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/albums", nil)
	assert.Len(t, decode[[]AlbumDTO](t, resp), 2)

	resp = f.do(t, http.MethodGet, "/api/albums/shared-with-me", nil)
	shared := decode[[]AlbumDTO](t, resp)
	require.Len(t, shared, 1)
	assert.Equal(t, "from-friend", shared[0].ID)
}

func TestResetClearsEverything(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/sync", nil)
	f.do(t, http.MethodPost, "/api/profile", CreateProfileRequest{Username: "night_owl", ArtistName: "Night Owl"})
	f.do(t, http.MethodPost, "/api/albums", AlbumDTO{Album: model.Album{Title: "Night Drive"}})

	resp := f.do(t, http.MethodPost, "/api/sync/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[StatusResponse](t, resp).NeedsSetup)

	resp = f.do(t, http.MethodGet, "/api/albums", nil)
	assert.Empty(t, decode[[]AlbumDTO](t, resp))
	assert.Nil(t, f.store.Profile())
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodOptions, "/api/profile", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func readMessage(t *testing.T, conn *websocket.Conn, want MessageType) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return msg
		}
	}
}

func TestWebSocketStatusAndUsernameCheck(t *testing.T) {
	f := newFixture(t)
	f.remote.Reserve("taken_name", "someone")

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readMessage(t, conn, MsgTypeStatus)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(first.Data, &st))
	assert.Equal(t, model.SyncIdle, st.State)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypePing}))
	readMessage(t, conn, MsgTypePong)

	// 格式不合法的输入立即回报，只有最后一个值会访问远端
	for _, v := range []string{"t", "ta", "taken_name"} {
		require.NoError(t, conn.WriteJSON(WSMessage{Type: MsgTypeUsername, Value: v}))
	}
	var res profile.CheckResult
	for res.Candidate != "taken_name" {
		msg := readMessage(t, conn, MsgTypeUsernameCheck)
		require.NoError(t, json.Unmarshal(msg.Data, &res))
	}
	assert.False(t, res.IsValid)
	assert.Equal(t, []string{"taken_name"}, f.remote.Checked())

	f.do(t, http.MethodPost, "/api/sync", nil)
	for {
		msg := readMessage(t, conn, MsgTypeStatus)
		require.NoError(t, json.Unmarshal(msg.Data, &st))
		if st.NeedsSetup {
			break
		}
	}
}
