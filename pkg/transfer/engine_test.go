package transfer

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Open-Workshop/open-workshop-storage/pkg/archive"
	"github.com/Open-Workshop/open-workshop-storage/pkg/auth"
	"github.com/Open-Workshop/open-workshop-storage/pkg/images"
	"github.com/Open-Workshop/open-workshop-storage/pkg/jobs"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	reg := jobs.NewRegistry(root)
	eng := NewEngine(root, reg, archive.NewTool("7z"), images.NewEncoder("cwebp", 80), nil, 0)
	return eng, root
}

func waitForTerminal(t *testing.T, reg *jobs.Registry, jobID string) jobs.Meta {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m, err := reg.Snapshot(jobID)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if m.Stage == jobs.StagePacked || m.Stage == jobs.StageError {
			return m
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal repack stage", jobID)
	return jobs.Meta{}
}

func TestUploadCanonicalZipPassesThroughUnchanged(t *testing.T) {
	eng, _ := newTestEngine(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("readme.txt")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("hello"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	claims := &auth.TransferClaims{TransferKind: "archive", ModID: "mod-1"}
	meta, err := eng.Upload("job-upload-zip01", claims, "in.zip", bytes.NewReader(buf.Bytes()), 0)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if meta.Stage != jobs.StagePacked {
		t.Fatalf("got stage %q, want packed", meta.Stage)
	}
	if meta.PackedFormat != "zip" {
		t.Fatalf("got packed_format %q, want zip", meta.PackedFormat)
	}
	if meta.PackedPath == "" {
		t.Fatal("expected a non-empty packed_path")
	}
	if _, err := os.Stat(meta.PackedPath); err != nil {
		t.Fatalf("packed artifact missing on disk: %v", err)
	}
}

func TestUploadTarGetsRepackedToZip(t *testing.T) {
	eng, _ := newTestEngine(t)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := []byte("hi there")
	if err := tw.WriteHeader(&tar.Header{Name: "hello.txt", Size: int64(len(content)), Mode: 0o644}); err != nil {
		t.Fatal(err)
	}
	tw.Write(content)
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	claims := &auth.TransferClaims{TransferKind: "archive"}
	meta, err := eng.Upload("job-upload-tar01", claims, "in.tar", bytes.NewReader(buf.Bytes()), 0)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if meta.Stage != jobs.StagePacked || meta.PackedFormat != "zip" {
		t.Fatalf("got meta %+v, want stage=packed packed_format=zip", meta)
	}

	zr, err := zip.OpenReader(meta.PackedPath)
	if err != nil {
		t.Fatalf("opening repacked zip: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 1 || zr.File[0].Name != "hello.txt" {
		t.Fatalf("unexpected repacked contents: %+v", zr.File)
	}
}

func TestUploadEncryptedZipFails(t *testing.T) {
	eng, _ := newTestEngine(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "secret.txt", Flags: 0x1, Method: zip.Deflate})
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("shh"))
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	claims := &auth.TransferClaims{TransferKind: "archive"}
	_, err = eng.Upload("job-upload-enc01", claims, "in.zip", bytes.NewReader(buf.Bytes()), 0)
	if err == nil {
		t.Fatal("expected an error for an encrypted zip upload")
	}
	if got := ReasonOf(err); got != "encrypted_zip" {
		t.Fatalf("got reason %q, want encrypted_zip", got)
	}
	meta, snapErr := eng.Reg.Snapshot("job-upload-enc01")
	if snapErr != nil {
		t.Fatal(snapErr)
	}
	if meta.Stage != jobs.StageError || meta.ErrorReason != "encrypted_zip" {
		t.Fatalf("got meta %+v", meta)
	}
}

func TestUploadSizeLimitRejectsOversizedBody(t *testing.T) {
	eng, _ := newTestEngine(t)
	claims := &auth.TransferClaims{TransferKind: "archive"}
	body := strings.NewReader(strings.Repeat("a", 1024))
	_, err := eng.Upload("job-upload-big01", claims, "in.zip", body, 16)
	if err == nil {
		t.Fatal("expected a size_limit error")
	}
	if got := ReasonOf(err); got != "size_limit" {
		t.Fatalf("got reason %q, want size_limit", got)
	}
}

func TestUploadUnsupportedKindRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	claims := &auth.TransferClaims{TransferKind: "bogus"}
	_, err := eng.Upload("job-upload-bad01", claims, "f.bin", strings.NewReader("x"), 0)
	if err == nil {
		t.Fatal("expected an unsupported_kind error")
	}
	if got := ReasonOf(err); got != "unsupported_kind" {
		t.Fatalf("got reason %q, want unsupported_kind", got)
	}
}

func TestUploadNotAnImageRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	claims := &auth.TransferClaims{TransferKind: "img"}
	_, err := eng.Upload("job-upload-img01", claims, "f.png", strings.NewReader("not a real image"), 0)
	if err == nil {
		t.Fatal("expected a not_image error")
	}
	if got := ReasonOf(err); got != "not_image" {
		t.Fatalf("got reason %q, want not_image", got)
	}
}

func TestUploadIsIdempotentPerJobID(t *testing.T) {
	eng, _ := newTestEngine(t)
	claims := &auth.TransferClaims{TransferKind: "archive"}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("a.txt")
	w.Write([]byte("hi"))
	zw.Close()

	first, err := eng.Upload("job-upload-dup01", claims, "a.zip", bytes.NewReader(buf.Bytes()), 0)
	if err != nil {
		t.Fatalf("first Upload: %v", err)
	}
	second, err := eng.Upload("job-upload-dup01", claims, "a.zip", bytes.NewReader(buf.Bytes()), 0)
	if err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	if second.PackedPath != first.PackedPath {
		t.Fatalf("expected the second call to return the same job state, got %+v vs %+v", first, second)
	}
}

func TestStartDownloadRejectsUnsafeJobID(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.StartDownload("short", &auth.TransferClaims{DownloadURL: "http://example.com/f.zip"}, 0)
	if got := ReasonOf(err); got != "invalid_job_id" {
		t.Fatalf("got reason %q, want invalid_job_id", got)
	}
}

func TestStartDownloadRejectsBadURL(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.StartDownload("job-download-bad0001", &auth.TransferClaims{DownloadURL: "not-a-url"}, 0)
	if got := ReasonOf(err); got != "invalid_download_url" {
		t.Fatalf("got reason %q, want invalid_download_url", got)
	}
}

func TestStartDownloadIsIdempotentAndCompletes(t *testing.T) {
	eng, _ := newTestEngine(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("a.txt")
	w.Write([]byte("payload"))
	zw.Close()
	content := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	claims := &auth.TransferClaims{DownloadURL: srv.URL, TransferKind: "archive"}
	jobID := "job-download-ok0001"

	first, err := eng.StartDownload(jobID, claims, 0)
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	second, err := eng.StartDownload(jobID, claims, 0)
	if err != nil {
		t.Fatalf("second StartDownload: %v", err)
	}
	if first.JobID != second.JobID {
		t.Fatalf("expected idempotent job state, got %+v vs %+v", first, second)
	}

	final := waitForTerminal(t, eng.Reg, jobID)
	if final.Stage != jobs.StagePacked {
		t.Fatalf("got stage %q (reason %q), want packed", final.Stage, final.ErrorReason)
	}
	if final.PackedFormat != "zip" {
		t.Fatalf("got packed_format %q, want zip", final.PackedFormat)
	}
}

func TestStartDownloadNon200StatusFails(t *testing.T) {
	eng, _ := newTestEngine(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	claims := &auth.TransferClaims{DownloadURL: srv.URL, TransferKind: "archive"}
	jobID := "job-download-404-001"
	if _, err := eng.StartDownload(jobID, claims, 0); err != nil {
		t.Fatalf("StartDownload: %v", err)
	}

	final := waitForTerminal(t, eng.Reg, jobID)
	if final.Stage != jobs.StageError || final.ErrorReason != "status:404" {
		t.Fatalf("got %+v, want error_reason status:404", final)
	}
}

func TestMoveRejectsPathTraversal(t *testing.T) {
	eng, root := newTestEngine(t)
	jobID := "job-move-traversal01"
	eng.Reg.GetOrCreate(jobID, jobs.Meta{})
	packedPath := filepath.Join(root, "temp", jobID, "packed.zip")
	os.MkdirAll(filepath.Dir(packedPath), 0o755)
	os.WriteFile(packedPath, []byte("data"), 0o644)
	eng.Reg.Update(jobID, func(m *jobs.Meta) { m.PackedPath = packedPath })

	_, err := eng.Move(jobID, "mods", "../../../../etc/passwd")
	if got := ReasonOf(err); got != "unsafe_path" {
		t.Fatalf("got reason %q, want unsafe_path", got)
	}
}

func TestMovePromotesPackedArtifact(t *testing.T) {
	eng, root := newTestEngine(t)
	jobID := "job-move-ok0000001"
	eng.Reg.GetOrCreate(jobID, jobs.Meta{})
	packedPath := filepath.Join(root, "temp", jobID, "packed.zip")
	os.MkdirAll(filepath.Dir(packedPath), 0o755)
	os.WriteFile(packedPath, []byte("data"), 0o644)
	eng.Reg.Update(jobID, func(m *jobs.Meta) { m.PackedPath = packedPath })
	eng.Reg.SetStage(jobID, jobs.StagePacked)

	meta, err := eng.Move(jobID, "mods", "mod-42/v1/archive.zip")
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if meta.Stage != jobs.StageMoved {
		t.Fatalf("got stage %q, want moved", meta.Stage)
	}
	want := filepath.Join(root, "mods", "mod-42", "v1", "archive.zip")
	if meta.FinalPath != want {
		t.Fatalf("got final_path %q, want %q", meta.FinalPath, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected final artifact at %q: %v", want, err)
	}
}

func TestMoveWithoutPackedArtifactFails(t *testing.T) {
	eng, _ := newTestEngine(t)
	jobID := "job-move-nopacked001"
	eng.Reg.GetOrCreate(jobID, jobs.Meta{})

	_, err := eng.Move(jobID, "mods", "x.zip")
	if got := ReasonOf(err); got != "repack_failed" {
		t.Fatalf("got reason %q, want repack_failed", got)
	}
}

func TestReasonOfClassifiesSentinels(t *testing.T) {
	if got := ReasonOf(ErrSizeLimit); got != "size_limit" {
		t.Fatalf("got %q, want size_limit", got)
	}
	if got := ReasonOf(ErrTimeout); got != "timeout" {
		t.Fatalf("got %q, want timeout", got)
	}
	if got := ReasonOf(os.ErrNotExist); got != "exception" {
		t.Fatalf("got %q, want exception", got)
	}
}
