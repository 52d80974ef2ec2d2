package transfer

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/Open-Workshop/open-workshop-storage/pkg/archive"
	"github.com/Open-Workshop/open-workshop-storage/pkg/auth"
	"github.com/Open-Workshop/open-workshop-storage/pkg/images"
	"github.com/Open-Workshop/open-workshop-storage/pkg/jobs"
)

func newTestAPI(t *testing.T) (*API, *auth.TokenCodec, *auth.StaticTokens) {
	t.Helper()
	root := t.TempDir()
	reg := jobs.NewRegistry(root)
	eng := NewEngine(root, reg, archive.NewTool("7z"), images.NewEncoder("cwebp", 80), nil, 0)
	codec := auth.NewTokenCodec("test-secret", time.Minute)

	hash, err := auth.HashToken("opsecret")
	if err != nil {
		t.Fatal(err)
	}
	static := auth.NewStaticTokens(map[string]string{"storage_manage_token": hash})

	api := NewAPI(eng, codec, static, map[string]bool{"mods": true, "avatar": true}, 0)
	return api, codec, static
}

func signTransfer(t *testing.T, codec *auth.TokenCodec, claims *auth.TransferClaims) string {
	t.Helper()
	claims.Audience = []string{auth.AudienceStorage}
	tok, err := codec.Encode(claims)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestAPIStartMissingTokenIs401(t *testing.T) {
	api, _, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/transfer/start", nil)
	rw := httptest.NewRecorder()
	api.Start(rw, req)
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", rw.Code)
	}
}

func TestAPIStartInvalidTokenIs403(t *testing.T) {
	api, _, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/transfer/start?token=garbage", nil)
	rw := httptest.NewRecorder()
	api.Start(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("got %d, want 403", rw.Code)
	}
}

func TestAPIStartHappyPath(t *testing.T) {
	api, codec, _ := newTestAPI(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("a.txt")
	w.Write([]byte("hi"))
	zw.Close()
	content := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	tok := signTransfer(t, codec, &auth.TransferClaims{
		JobID:        "job-api-start0001",
		DownloadURL:  srv.URL,
		TransferKind: "archive",
		Filename:     "a.zip",
	})

	req := httptest.NewRequest(http.MethodGet, "/transfer/start?token="+url.QueryEscape(tok), nil)
	rw := httptest.NewRecorder()
	api.Start(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("got %d, body=%s", rw.Code, rw.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["job_id"] != "job-api-start0001" {
		t.Fatalf("got %+v", resp)
	}
	if resp["ws_url"] != "/transfer/ws/job-api-start0001" {
		t.Fatalf("got ws_url %+v", resp["ws_url"])
	}
}

// TestAPIStartAppliesProcessMaxBytesFallback confirms that when a
// transfer token carries no max_bytes claim, Start falls back to the
// process-wide quota (API.MaxBytes, i.e. TRANSFER_MAX_BYTES) the same
// way Upload already does, so invariant 9 holds for download-mode jobs
// too.
func TestAPIStartAppliesProcessMaxBytesFallback(t *testing.T) {
	root := t.TempDir()
	reg := jobs.NewRegistry(root)
	eng := NewEngine(root, reg, archive.NewTool("7z"), images.NewEncoder("cwebp", 80), nil, 0)
	codec := auth.NewTokenCodec("test-secret", time.Minute)
	api := NewAPI(eng, codec, auth.NewStaticTokens(nil), map[string]bool{"mods": true}, 8)

	content := bytes.Repeat([]byte("x"), 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	tok := signTransfer(t, codec, &auth.TransferClaims{
		JobID:        "job-api-quota0001",
		DownloadURL:  srv.URL,
		TransferKind: "archive",
		Filename:     "a.bin",
	})

	req := httptest.NewRequest(http.MethodGet, "/transfer/start?token="+url.QueryEscape(tok), nil)
	rw := httptest.NewRecorder()
	api.Start(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("got %d, body=%s", rw.Code, rw.Body.String())
	}

	final := waitForTerminal(t, eng.Reg, "job-api-quota0001")
	if final.Stage != jobs.StageError || final.ErrorReason != "size_limit" {
		t.Fatalf("got %+v, want error_reason size_limit enforced by the process-wide quota", final)
	}
}

func TestAPIUploadHappyPath(t *testing.T) {
	api, codec, _ := newTestAPI(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("a.txt")
	w.Write([]byte("hi"))
	zw.Close()

	tok := signTransfer(t, codec, &auth.TransferClaims{
		JobID:        "job-api-upload0001",
		TransferKind: "archive",
		PackFormat:   "zip",
	})

	req := httptest.NewRequest(http.MethodPost, "/transfer/upload?token="+url.QueryEscape(tok)+"&filename=a.zip", bytes.NewReader(buf.Bytes()))
	rw := httptest.NewRecorder()
	api.Upload(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("got %d, body=%s", rw.Code, rw.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["job_id"] != "job-api-upload0001" {
		t.Fatalf("got %+v", resp)
	}
}

func TestAPIUploadRejectsUnsupportedArchiveFormat(t *testing.T) {
	api, codec, _ := newTestAPI(t)
	tok := signTransfer(t, codec, &auth.TransferClaims{
		JobID:        "job-api-badfmt0001",
		TransferKind: "archive",
		PackFormat:   "rar",
	})
	req := httptest.NewRequest(http.MethodPost, "/transfer/upload?token="+url.QueryEscape(tok), strings.NewReader("x"))
	rw := httptest.NewRecorder()
	api.Upload(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rw.Code)
	}
}

func TestAPIMoveRequiresStaticToken(t *testing.T) {
	api, _, _ := newTestAPI(t)
	form := url.Values{"job_id": {"job-x"}, "type": {"mods"}, "path": {"a.zip"}}
	req := httptest.NewRequest(http.MethodPost, "/transfer/move", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rw := httptest.NewRecorder()
	api.Move(rw, req)
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("got %d, want 401", rw.Code)
	}
}

func TestAPIMoveRejectsDisallowedType(t *testing.T) {
	api, _, _ := newTestAPI(t)
	form := url.Values{"job_id": {"job-x"}, "type": {"secrets"}, "path": {"a.zip"}, "token": {"opsecret"}}
	req := httptest.NewRequest(http.MethodPost, "/transfer/move", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rw := httptest.NewRecorder()
	api.Move(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rw.Code)
	}
}

func TestAPIMoveRejectsPathTraversalWith423(t *testing.T) {
	api, _, _ := newTestAPI(t)
	jobID := "job-api-move-trav01"
	api.Engine.Reg.GetOrCreate(jobID, jobs.Meta{PackedPath: "/tmp/x.zip"})

	form := url.Values{"job_id": {jobID}, "type": {"mods"}, "path": {"../../etc/passwd"}, "token": {"opsecret"}}
	req := httptest.NewRequest(http.MethodPost, "/transfer/move", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rw := httptest.NewRecorder()
	api.Move(rw, req)
	if rw.Code != http.StatusLocked {
		t.Fatalf("got %d, want 423", rw.Code)
	}
}
