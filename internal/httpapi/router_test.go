package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pairdaemon/pairdaemon/internal/pairing"
	"github.com/pairdaemon/pairdaemon/internal/project"
	"github.com/pairdaemon/pairdaemon/internal/store"
)

type fakeProjects struct {
	projects map[string]project.Project
	created  project.Project
	removed  project.Project
}

func (f *fakeProjects) List() []project.Project {
	out := make([]project.Project, 0, len(f.projects))
	for _, p := range f.projects {
		out = append(out, p)
	}
	return out
}

func (f *fakeProjects) Get(id string) (project.Project, bool) {
	p, ok := f.projects[id]
	return p, ok
}

func (f *fakeProjects) CreateWorktree(parent project.Project, branch string) (project.Project, error) {
	f.created = project.Project{ID: parent.ID + "-" + branch, Path: parent.Path, Name: branch}
	return f.created, nil
}

func (f *fakeProjects) RemoveWorktree(proj project.Project) error {
	f.removed = proj
	return nil
}

type fakeConversations struct {
	conv store.Conversation
}

func (f *fakeConversations) Load(projectID string) (store.Conversation, error) {
	return f.conv, nil
}

type fakeVAPID struct {
	pubKey      string
	subscribed  string
	subEndpoint string
}

func (f *fakeVAPID) VAPIDPublicKey() string { return f.pubKey }

func (f *fakeVAPID) Subscribe(deviceID, endpoint string, keys map[string]string) error {
	f.subscribed = deviceID
	f.subEndpoint = endpoint
	return nil
}

func newTestRouter(t *testing.T) (*Router, *fakeProjects, *fakeConversations, *fakeVAPID) {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)

	projects := &fakeProjects{projects: map[string]project.Project{
		"demo": {ID: "demo", Path: "/tmp/demo", Name: "demo"},
	}}
	convs := &fakeConversations{conv: store.Conversation{
		ProjectID: "demo",
		Messages:  []store.Message{{Role: store.RoleUser, Text: "hi"}},
	}}
	vapid := &fakeVAPID{pubKey: "test-vapid-key"}

	rt := &Router{
		Projects:      projects,
		Conversations: convs,
		VAPID:         vapid,
		WS:            http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
		Pairing:       pairing.NewHandler(s, ""),
	}
	return rt, projects, convs, vapid
}

func TestHandleProjectsLists(t *testing.T) {
	rt, _, _, _ := newTestRouter(t)
	mux := rt.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Projects []project.Project `json:"projects"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Projects, 1)
	require.Equal(t, "demo", resp.Projects[0].ID)
}

func TestHandleProjectsRejectsNonGET(t *testing.T) {
	rt, _, _, _ := newTestRouter(t)
	mux := rt.NewMux()

	req := httptest.NewRequest(http.MethodPost, "/api/projects", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleProjectSubrouteUnknownProjectIs404(t *testing.T) {
	rt, _, _, _ := newTestRouter(t)
	mux := rt.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/api/projects/nope/conversation", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleConversationReturnsMessages(t *testing.T) {
	rt, _, _, _ := newTestRouter(t)
	mux := rt.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/api/projects/demo/conversation", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []store.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	require.Equal(t, "hi", resp.Messages[0].Text)
}

func TestHandleWorktreesCreate(t *testing.T) {
	rt, projects, _, _ := newTestRouter(t)
	mux := rt.NewMux()

	body := strings.NewReader(`{"branch":"feature-x"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/projects/demo/worktrees", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "feature-x", projects.created.Name)
}

func TestHandleWorktreesCreateMissingBranch(t *testing.T) {
	rt, _, _, _ := newTestRouter(t)
	mux := rt.NewMux()

	req := httptest.NewRequest(http.MethodPost, "/api/projects/demo/worktrees", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleWorktreesDelete(t *testing.T) {
	rt, projects, _, _ := newTestRouter(t)
	mux := rt.NewMux()

	req := httptest.NewRequest(http.MethodDelete, "/api/projects/demo/worktrees", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "demo", projects.removed.ID)
}

func TestHandlePRNotWired404s(t *testing.T) {
	rt, _, _, _ := newTestRouter(t)
	mux := rt.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/api/projects/demo/pr", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleVAPIDPublicKey(t *testing.T) {
	rt, _, _, vapid := newTestRouter(t)
	mux := rt.NewMux()

	req := httptest.NewRequest(http.MethodGet, "/api/push/vapid", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		PublicKey string `json:"publicKey"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, vapid.pubKey, resp.PublicKey)
}

func TestHandlePushSubscribe(t *testing.T) {
	rt, _, _, vapid := newTestRouter(t)
	mux := rt.NewMux()

	body := strings.NewReader(`{"deviceId":"dev1","endpoint":"https://push.example/ep","keys":{"p256dh":"k","auth":"a"}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/push/subscribe", body)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "dev1", vapid.subscribed)
	require.Equal(t, "https://push.example/ep", vapid.subEndpoint)
}

func TestHandlePushSubscribeMissingFieldsIs400(t *testing.T) {
	rt, _, _, _ := newTestRouter(t)
	mux := rt.NewMux()

	req := httptest.NewRequest(http.MethodPost, "/api/push/subscribe", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPairingRouteIsWired(t *testing.T) {
	rt, _, _, _ := newTestRouter(t)
	mux := rt.NewMux()

	req := httptest.NewRequest(http.MethodDelete, "/pair/whatever-token", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
