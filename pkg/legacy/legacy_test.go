package legacy

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Open-Workshop/open-workshop-storage/pkg/auth"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "mods"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "mods", "a.txt"), []byte("hello"), 0o644))

	uploadHash, err := auth.HashToken("up-secret")
	require.NoError(t, err)
	deleteHash, err := auth.HashToken("del-secret")
	require.NoError(t, err)
	static := auth.NewStaticTokens(map[string]string{
		"legacy_upload_token": uploadHash,
		"legacy_delete_token": deleteHash,
	})
	return NewAPI(root, static, map[string]bool{"mods": true})
}

func TestDownloadServesFile(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/download/mods/a.txt", nil)
	rw := httptest.NewRecorder()
	a.Download(rw, req)

	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())
	assert.Equal(t, "hello", rw.Body.String())
	// plain ASCII text isn't one of magic's sniffed signatures, so this
	// falls back to the generic octet-stream path with a download name.
	assert.Equal(t, "application/octet-stream", rw.Header().Get("Content-Type"))
	assert.Contains(t, rw.Header().Get("Content-Disposition"), "a.txt")
}

func TestDownloadRejectsUnknownType(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/download/secrets/a.txt", nil)
	rw := httptest.NewRecorder()
	a.Download(rw, req)

	assert.Equal(t, http.StatusBadRequest, rw.Code)
}

func TestDownloadRejectsTraversal(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/download/mods/../../etc/passwd", nil)
	rw := httptest.NewRecorder()
	a.Download(rw, req)

	assert.Contains(t, []int{http.StatusNotFound, http.StatusLocked}, rw.Code)
}

func TestDownloadMissingFileIs404(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/download/mods/missing.txt", nil)
	rw := httptest.NewRecorder()
	a.Download(rw, req)

	assert.Equal(t, http.StatusNotFound, rw.Code)
}

func TestUploadRequiresToken(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("type=mods&path=b.txt"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rw := httptest.NewRecorder()
	a.Upload(rw, req)

	assert.Equal(t, http.StatusUnauthorized, rw.Code)
}

func TestUploadAndDeleteRoundTrip(t *testing.T) {
	a := newTestAPI(t)

	body := "new content"
	req := httptest.NewRequest(http.MethodPost, "/upload?token=up-secret&type=mods&path=b.txt", strings.NewReader(body))
	rw := httptest.NewRecorder()
	a.Upload(rw, req)
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())

	got, err := os.ReadFile(filepath.Join(a.Root, "mods", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, body, string(got))

	delReq := httptest.NewRequest(http.MethodPost, "/delete?token=del-secret&type=mods&path=b.txt", nil)
	delRw := httptest.NewRecorder()
	a.Delete(delRw, delReq)
	require.Equal(t, http.StatusOK, delRw.Code, delRw.Body.String())

	_, err = os.Stat(filepath.Join(a.Root, "mods", "b.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteWrongTokenIs403(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/delete?token=wrong&type=mods&path=a.txt", nil)
	rw := httptest.NewRecorder()
	a.Delete(rw, req)

	assert.Equal(t, http.StatusForbidden, rw.Code)
}
