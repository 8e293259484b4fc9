package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/drivesync-pg/internal/common"
	"github.com/vonshlovens/drivesync-pg/internal/config"
	"github.com/vonshlovens/drivesync-pg/internal/db"
	"github.com/vonshlovens/drivesync-pg/internal/manager"
	"github.com/vonshlovens/drivesync-pg/internal/storage"
	"github.com/vonshlovens/drivesync-pg/internal/sync"
	"github.com/vonshlovens/drivesync-pg/internal/testutil"
	"github.com/vonshlovens/drivesync-pg/internal/upload"
)

const token = "secret-token"

var t0 = time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store    *testutil.MemoryStore
	remote   *testutil.FakeRemote
	pipeline *upload.Pipeline
	srv      *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := testutil.NewMemoryStore()
	remote := testutil.NewFakeRemote("root", "My Drive")
	remote.AddFolder("F1", "Docs", "root", t0)

	root := store.SeedFolder(&db.Folder{RemoteID: "root", Title: "My Drive", IsRoot: true, Owner: "system"})
	store.SeedFolder(&db.Folder{RemoteID: "F1", Title: "Docs", ParentID: &root.ID, Owner: "system"})

	local := storage.NewLocalStore(t.TempDir(), nil)
	engine := sync.NewEngine(store, remote)
	pipeline := upload.NewPipeline(store, remote, local, engine,
		upload.WithThumbnailDelays(time.Millisecond, time.Millisecond))
	t.Cleanup(pipeline.Close)

	cfg := &config.ServerConfig{APITokens: map[string]string{token: "alice"}}
	mgr := manager.New(store, remote, local, nil)

	return &fixture{
		store:    store,
		remote:   remote,
		pipeline: pipeline,
		srv:      New(cfg, mgr, pipeline, engine, nil),
	}
}

type response struct {
	Status  int
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (fx *fixture) do(t *testing.T, req *http.Request, auth bool) response {
	t.Helper()
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := fx.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := response{Status: resp.StatusCode}
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(body, &out), string(body))
	}
	return out
}

func jsonRequest(method, target string, body any) *http.Request {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	return req
}

type uploadForm struct {
	filename    string
	contentType string
	content     []byte
	fields      map[string]string
}

func multipartRequest(t *testing.T, form uploadForm) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if form.filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, form.filename))
		h.Set("Content-Type", form.contentType)
		part, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(form.content)
		require.NoError(t, err)
	}
	for k, v := range form.fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func pdfForm(fields map[string]string) uploadForm {
	return uploadForm{
		filename:    "report.pdf",
		contentType: "application/pdf",
		content:     []byte("%PDF-1.7"),
		fields:      fields,
	}
}

func TestUpload(t *testing.T) {
	fx := newFixture(t)

	res := fx.do(t, multipartRequest(t, pdfForm(map[string]string{
		"folderId":    "F1",
		"tags":        `["finance","q1"]`,
		"description": "quarterly",
	})), true)
	require.Equal(t, http.StatusCreated, res.Status)
	require.True(t, res.Success)

	var result upload.Result
	require.NoError(t, json.Unmarshal(res.Data, &result))
	require.True(t, result.DriveStatus)
	require.True(t, result.LocalStatus)
	require.Equal(t, "alice", result.File.Owner)
	require.Len(t, result.File.Tags, 2)
	require.Equal(t, "quarterly", *result.File.Description)
}

func TestUpload_MalformedTagsAreIgnored(t *testing.T) {
	fx := newFixture(t)

	res := fx.do(t, multipartRequest(t, pdfForm(map[string]string{"tags": "finance,q1"})), true)
	require.Equal(t, http.StatusCreated, res.Status)

	var result upload.Result
	require.NoError(t, json.Unmarshal(res.Data, &result))
	require.Empty(t, result.File.Tags)
}

func TestUpload_Errors(t *testing.T) {
	tests := []struct {
		name   string
		form   uploadForm
		auth   bool
		header string
		want   int
	}{
		{name: "anonymous", form: pdfForm(nil), want: http.StatusUnauthorized},
		{name: "unknown token", form: pdfForm(nil), header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "not bearer", form: pdfForm(nil), header: "Basic " + token, want: http.StatusUnauthorized},
		{name: "missing file", form: uploadForm{fields: map[string]string{"folderId": "F1"}}, auth: true, want: http.StatusBadRequest},
		{name: "unknown folder", form: pdfForm(map[string]string{"folderId": "missing"}), auth: true, want: http.StatusNotFound},
		{
			name: "unsupported type",
			form: uploadForm{filename: "backup.zip", contentType: "application/zip", content: []byte("PK")},
			auth: true,
			want: http.StatusUnsupportedMediaType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t)
			req := multipartRequest(t, tt.form)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			res := fx.do(t, req, tt.auth)
			require.Equal(t, tt.want, res.Status)
			require.False(t, res.Success)
			require.NotEmpty(t, res.Error)
			require.Empty(t, fx.store.Files())
		})
	}
}

func TestQuickSyncRoute(t *testing.T) {
	fx := newFixture(t)
	fx.remote.AddFile("D2", "notes.pdf", "application/pdf", "F1", t0.Add(time.Hour))

	res := fx.do(t, httptest.NewRequest(http.MethodPost, "/api/folders/F1/sync", nil), true)
	require.Equal(t, http.StatusOK, res.Status)
	require.True(t, res.Success)

	f, err := fx.store.FindFileByRemoteID(context.Background(), "D2")
	require.NoError(t, err)
	require.NotNil(t, f)
}

func TestQuickSyncRoute_Failures(t *testing.T) {
	fx := newFixture(t)

	res := fx.do(t, httptest.NewRequest(http.MethodPost, "/api/folders/missing/sync", nil), true)
	require.Equal(t, http.StatusNotFound, res.Status)

	fx.remote.FailOp("ListModifiedSince", errors.New("connection refused to 10.0.0.7"))
	res = fx.do(t, httptest.NewRequest(http.MethodPost, "/api/folders/F1/sync", nil), true)
	require.Equal(t, http.StatusInternalServerError, res.Status)
	require.False(t, res.Success)
	require.NotContains(t, res.Error, "10.0.0.7", "internal errors must not leak")

	for _, driveErr := range []error{common.ErrUnauthorized, common.ErrPermissionDenied} {
		fx.remote.FailOp("ListModifiedSince", fmt.Errorf("drive: %w", driveErr))
		res = fx.do(t, httptest.NewRequest(http.MethodPost, "/api/folders/F1/sync", nil), true)
		require.Equal(t, http.StatusInternalServerError, res.Status, driveErr.Error())
		require.False(t, res.Success)
		require.Equal(t, "Something went wrong. Please try again.", res.Error)
	}
}

func TestFullSyncRoute(t *testing.T) {
	fx := newFixture(t)
	fx.remote.AddFile("D1", "report.pdf", "application/pdf", "F1", t0)

	res := fx.do(t, httptest.NewRequest(http.MethodPost, "/api/sync", nil), true)
	require.Equal(t, http.StatusOK, res.Status)

	var report sync.Report
	require.NoError(t, json.Unmarshal(res.Data, &report))
	require.EqualValues(t, 1, report.Files)
}

func TestFolderRoutes(t *testing.T) {
	fx := newFixture(t)

	res := fx.do(t, jsonRequest(http.MethodPost, "/api/folders", map[string]any{
		"title": "Invoices", "parentId": "F1",
	}), true)
	require.Equal(t, http.StatusCreated, res.Status)
	var folder db.Folder
	require.NoError(t, json.Unmarshal(res.Data, &folder))

	res = fx.do(t, jsonRequest(http.MethodPatch, "/api/folders/"+folder.RemoteID, map[string]any{
		"title": "Bills", "isFavorite": true,
	}), true)
	require.Equal(t, http.StatusOK, res.Status)
	require.NoError(t, json.Unmarshal(res.Data, &folder))
	require.Equal(t, "Bills", folder.Title)
	require.True(t, folder.IsFavorite)

	res = fx.do(t, jsonRequest(http.MethodPatch, "/api/folders/F1", map[string]any{
		"parentId": folder.RemoteID,
	}), true)
	require.Equal(t, http.StatusBadRequest, res.Status, "moving into a descendant is rejected")

	res = fx.do(t, httptest.NewRequest(http.MethodGet, "/api/folders/F1", nil), false)
	require.Equal(t, http.StatusOK, res.Status)
	var view manager.FolderView
	require.NoError(t, json.Unmarshal(res.Data, &view))
	require.Len(t, view.Folders, 1)

	res = fx.do(t, httptest.NewRequest(http.MethodDelete, "/api/folders/"+folder.RemoteID, nil), true)
	require.Equal(t, http.StatusOK, res.Status)
	require.False(t, fx.remote.Has(folder.RemoteID))

	res = fx.do(t, httptest.NewRequest(http.MethodDelete, "/api/folders/root", nil), true)
	require.Equal(t, http.StatusBadRequest, res.Status)
}

func TestFileRoutes(t *testing.T) {
	fx := newFixture(t)

	uploaded := func(name string) db.File {
		form := pdfForm(map[string]string{"folderId": "F1", "tags": `["tax"]`})
		form.filename = name
		res := fx.do(t, multipartRequest(t, form), true)
		require.Equal(t, http.StatusCreated, res.Status)
		var result upload.Result
		require.NoError(t, json.Unmarshal(res.Data, &result))
		return *result.File
	}
	a := uploaded("a.pdf")
	b := uploaded("b.pdf")

	res := fx.do(t, httptest.NewRequest(http.MethodGet, "/api/files?q=A.PDF&category=document", nil), false)
	require.Equal(t, http.StatusOK, res.Status)
	var files []db.File
	require.NoError(t, json.Unmarshal(res.Data, &files))
	require.Len(t, files, 1)
	require.Equal(t, a.ID, files[0].ID)

	res = fx.do(t, httptest.NewRequest(http.MethodGet, "/api/files?category=spreadsheet", nil), false)
	require.Equal(t, http.StatusBadRequest, res.Status)

	res = fx.do(t, jsonRequest(http.MethodPatch, "/api/files/"+a.ID.String(), map[string]any{
		"title": "renamed.pdf", "tags": []string{"archive"},
	}), true)
	require.Equal(t, http.StatusOK, res.Status)
	var updated db.File
	require.NoError(t, json.Unmarshal(res.Data, &updated))
	require.Equal(t, "renamed.pdf", updated.Title)
	require.Len(t, updated.Tags, 1)

	res = fx.do(t, httptest.NewRequest(http.MethodGet, "/api/files/not-a-uuid", nil), false)
	require.Equal(t, http.StatusBadRequest, res.Status)

	res = fx.do(t, jsonRequest(http.MethodPost, "/api/files/delete", map[string]any{
		"ids": []string{a.ID.String(), b.ID.String()},
	}), true)
	require.Equal(t, http.StatusOK, res.Status)
	var deleted bulkDeleteResponse
	require.NoError(t, json.Unmarshal(res.Data, &deleted))
	require.Len(t, deleted.Deleted, 2)
	require.Empty(t, fx.store.Files())
}

func TestTagRoutes(t *testing.T) {
	fx := newFixture(t)
	res := fx.do(t, multipartRequest(t, pdfForm(map[string]string{"tags": `["tax"]`})), true)
	require.Equal(t, http.StatusCreated, res.Status)

	res = fx.do(t, jsonRequest(http.MethodPut, "/api/tags/tax", map[string]any{"name": "taxes 2024"}), true)
	require.Equal(t, http.StatusOK, res.Status)

	res = fx.do(t, httptest.NewRequest(http.MethodGet, "/api/tags", nil), false)
	var tags []db.Tag
	require.NoError(t, json.Unmarshal(res.Data, &tags))
	require.Len(t, tags, 1)
	require.Equal(t, "taxes 2024", tags[0].Name)

	res = fx.do(t, httptest.NewRequest(http.MethodDelete, "/api/tags/taxes%202024", nil), true)
	require.Equal(t, http.StatusOK, res.Status)

	res = fx.do(t, httptest.NewRequest(http.MethodDelete, "/api/tags/missing", nil), true)
	require.Equal(t, http.StatusNotFound, res.Status)
}

func TestCreateTagRoute(t *testing.T) {
	fx := newFixture(t)

	res := fx.do(t, jsonRequest(http.MethodPost, "/api/tags", map[string]any{"name": "warranty"}), true)
	require.Equal(t, http.StatusCreated, res.Status)
	var tag db.Tag
	require.NoError(t, json.Unmarshal(res.Data, &tag))
	require.Equal(t, "warranty", tag.Name)

	res = fx.do(t, httptest.NewRequest(http.MethodGet, "/api/tags", nil), false)
	var tags []db.Tag
	require.NoError(t, json.Unmarshal(res.Data, &tags))
	require.Len(t, tags, 1)
	require.Equal(t, 0, tags[0].FileCount)

	res = fx.do(t, jsonRequest(http.MethodPost, "/api/tags", map[string]any{"name": " "}), true)
	require.Equal(t, http.StatusBadRequest, res.Status)

	res = fx.do(t, jsonRequest(http.MethodPost, "/api/tags", map[string]any{"name": "manuals"}), false)
	require.Equal(t, http.StatusUnauthorized, res.Status)
}

func TestStatusAndMisc(t *testing.T) {
	fx := newFixture(t)

	res := fx.do(t, httptest.NewRequest(http.MethodGet, "/api/status", nil), false)
	require.Equal(t, http.StatusOK, res.Status)
	var status db.SyncStatus
	require.NoError(t, json.Unmarshal(res.Data, &status))
	require.Equal(t, 2, status.TotalFolders)

	res = fx.do(t, httptest.NewRequest(http.MethodGet, "/api/nowhere", nil), false)
	require.Equal(t, http.StatusNotFound, res.Status)
	require.False(t, res.Success)

	resp, err := fx.srv.App().Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
