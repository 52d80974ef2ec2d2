/*
Copyright 2011 Google Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package transfer is the transfer pipeline's core state machine: it
// drives (download ∨ upload) → validate → repack → wait-for-move,
// using pkg/archive and pkg/images for the heavy lifting, pkg/jobs for
// durable state and fan-out, and its own Dispatcher for the terminal
// callback to Manager.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Open-Workshop/open-workshop-storage/pkg/archive"
	"github.com/Open-Workshop/open-workshop-storage/pkg/auth"
	"github.com/Open-Workshop/open-workshop-storage/pkg/images"
	"github.com/Open-Workshop/open-workshop-storage/pkg/jobs"
	"github.com/Open-Workshop/open-workshop-storage/pkg/pathguard"
)

// ReasonError classifies a failure into the error_reason taxonomy of
// spec.md §7, so callers (the HTTP layer, the callback payload) never
// need to string-match an error's text.
type ReasonError struct {
	Reason string
	Err    error
}

func (e *ReasonError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer: %s: %v", e.Reason, e.Err)
	}
	return "transfer: " + e.Reason
}

func (e *ReasonError) Unwrap() error { return e.Err }

func reason(code string) error {
	return &ReasonError{Reason: code}
}

func reasonf(code string, err error) error {
	return &ReasonError{Reason: code, Err: err}
}

// ReasonOf extracts the error_reason code from err, defaulting to
// "exception" for anything not produced by this package.
func ReasonOf(err error) string {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason
	}
	switch {
	case errors.Is(err, ErrSizeLimit):
		return "size_limit"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "exception"
	}
}

// Engine wires together the job registry, archive/image toolkits, and
// callback dispatcher to run the state machine described in spec.md
// §4.6. One Engine is shared by every job in the process.
type Engine struct {
	Root        string
	Reg         *jobs.Registry
	Archiver    *archive.Tool
	Webp        *images.Encoder
	Callback    *Dispatcher
	HTTPClient  *http.Client
	IdleTimeout time.Duration
}

// NewEngine builds an Engine. idleTimeout <= 0 disables the read-idle
// timeout on outbound downloads.
func NewEngine(root string, reg *jobs.Registry, archiver *archive.Tool, webp *images.Encoder, cb *Dispatcher, idleTimeout time.Duration) *Engine {
	return &Engine{
		Root:        root,
		Reg:         reg,
		Archiver:    archiver,
		Webp:        webp,
		Callback:    cb,
		HTTPClient:  &http.Client{},
		IdleTimeout: idleTimeout,
	}
}

func clampLevel(level int) int {
	if level <= 0 {
		return 3
	}
	if level > 9 {
		return 9
	}
	return level
}

func defaultPackFormat(f string) string {
	if f == "" {
		return "zip"
	}
	return f
}

// StartDownload validates claims and either returns the existing state
// for an already-running job_id (idempotent per spec.md invariant 2 /
// scenario S7) or seeds new state and spawns the background download
// task. Token/audience verification happens before this is called; the
// URL-scheme and job_id checks here are the remaining preconditions of
// spec.md §4.6.1. maxBytes is the caller's resolved quota (the token's
// own claim, falling back to the process-wide default) so invariant 9
// applies to download-mode jobs the same way it does to uploads.
func (e *Engine) StartDownload(jobID string, claims *auth.TransferClaims, maxBytes int64) (jobs.Meta, error) {
	if !pathguard.IsSafeJobID(jobID) {
		return jobs.Meta{}, reason("invalid_job_id")
	}
	u, err := url.Parse(claims.DownloadURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return jobs.Meta{}, reason("invalid_download_url")
	}

	init := jobs.Meta{
		ModID:           claims.ModID,
		TransferKind:    claims.TransferKind,
		StorageType:     claims.StorageType,
		FileKind:        claims.FileKind,
		DownloadURL:     claims.DownloadURL,
		Filename:        pathguard.SanitizeFilename(claims.Filename, "download.bin"),
		PackFormat:      defaultPackFormat(claims.PackFormat),
		PackLevel:       clampLevel(claims.PackLevel),
		CallbackContext: claims.CallbackContext,
		CreatedAt:       time.Now().Unix(),
	}
	meta, created := e.Reg.GetOrCreate(jobID, init)
	if created {
		go e.runDownload(jobID, meta.Filename, maxBytes)
	}
	return meta, nil
}

func (e *Engine) runDownload(jobID, filename string, maxBytes int64) {
	e.Reg.SetStage(jobID, jobs.StageDownloading)
	e.Reg.Update(jobID, func(m *jobs.Meta) { m.DownloadStartedAt = time.Now().Unix() })

	meta, err := e.Reg.Snapshot(jobID)
	if err != nil {
		return
	}

	req, err := http.NewRequest(http.MethodGet, meta.DownloadURL, nil)
	if err != nil {
		e.fail(jobID, reasonf("exception", err))
		return
	}
	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			e.fail(jobID, reasonf("timeout", err))
			return
		}
		e.fail(jobID, reasonf("exception", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.fail(jobID, reason(fmt.Sprintf("status:%d", resp.StatusCode)))
		return
	}

	total := resp.ContentLength
	if maxBytes > 0 && total > 0 && total > maxBytes {
		e.fail(jobID, reason("size_limit"))
		return
	}

	destPath, err := pathguard.SafeJoin(e.Root, "temp", jobID, filename)
	if err != nil {
		e.fail(jobID, reasonf("unsafe_path", err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		e.fail(jobID, reasonf("exception", err))
		return
	}
	f, err := os.Create(destPath)
	if err != nil {
		e.fail(jobID, reasonf("exception", err))
		return
	}

	body := io.Reader(resp.Body)
	if e.IdleTimeout > 0 {
		body = &idleTimeoutReader{r: resp.Body, timeout: e.IdleTimeout}
	}
	written, err := copyChunks(f, body, total, maxBytes,
		func(w, t int64) { e.Reg.ReportProgress(jobID, w, t) },
		func(w, t int64) {
			log.Info().Str("job_id", jobID).Int64("bytes", w).Int64("total", t).Msg("download progress")
		},
	)
	f.Close()
	if err != nil {
		os.Remove(destPath)
		e.fail(jobID, wrapCopyErr(err))
		return
	}

	e.Reg.Update(jobID, func(m *jobs.Meta) {
		m.DownloadPath = destPath
		m.DownloadedBytes = written
		m.TotalBytes = written
		m.DownloadCompletedAt = time.Now().Unix()
	})
	e.Reg.SetStage(jobID, jobs.StageDownloaded)

	if err := e.repack(jobID, destPath); err != nil {
		return
	}
	e.finishSuccess(jobID)
}

func wrapCopyErr(err error) error {
	switch {
	case errors.Is(err, ErrSizeLimit):
		return reasonf("size_limit", err)
	case errors.Is(err, ErrTimeout):
		return reasonf("timeout", err)
	default:
		return reasonf("exception", err)
	}
}

// Upload runs synchronously on the request goroutine: the HTTP request
// body is the data source, so there is no separate background task
// (spec.md §4.6.2). filename has already been taken from ?filename= or
// X-File-Name and will be sanitized here.
func (e *Engine) Upload(jobID string, claims *auth.TransferClaims, filename string, body io.Reader, maxBytes int64) (jobs.Meta, error) {
	if !pathguard.IsSafeJobID(jobID) {
		return jobs.Meta{}, reason("invalid_job_id")
	}

	init := jobs.Meta{
		ModID:           claims.ModID,
		TransferKind:    claims.TransferKind,
		StorageType:     claims.StorageType,
		FileKind:        claims.FileKind,
		Filename:        pathguard.SanitizeFilename(filename, "upload.bin"),
		PackFormat:      defaultPackFormat(claims.PackFormat),
		PackLevel:       clampLevel(claims.PackLevel),
		CallbackContext: claims.CallbackContext,
		CreatedAt:       time.Now().Unix(),
	}
	meta, created := e.Reg.GetOrCreate(jobID, init)
	if !created {
		return meta, nil
	}

	e.Reg.SetStage(jobID, jobs.StageUploading)

	destPath, err := pathguard.SafeJoin(e.Root, "temp", jobID, meta.Filename)
	if err != nil {
		werr := reasonf("unsafe_path", err)
		e.fail(jobID, werr)
		return jobs.Meta{}, werr
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		werr := reasonf("exception", err)
		e.fail(jobID, werr)
		return jobs.Meta{}, werr
	}
	f, err := os.Create(destPath)
	if err != nil {
		werr := reasonf("exception", err)
		e.fail(jobID, werr)
		return jobs.Meta{}, werr
	}

	written, err := copyChunks(f, body, -1, maxBytes,
		func(w, t int64) { e.Reg.ReportProgress(jobID, w, t) },
		func(w, t int64) {
			log.Info().Str("job_id", jobID).Int64("bytes", w).Msg("upload progress")
		},
	)
	f.Close()
	if err != nil {
		os.Remove(destPath)
		werr := wrapCopyErr(err)
		e.fail(jobID, werr)
		return jobs.Meta{}, werr
	}

	e.Reg.Update(jobID, func(m *jobs.Meta) {
		m.DownloadPath = destPath
		m.DownloadedBytes = written
		m.UploadBytes = written
		m.TotalBytes = written
		m.UploadCompletedAt = time.Now().Unix()
	})
	e.Reg.SetStage(jobID, jobs.StageUploaded)

	switch claims.TransferKind {
	case "archive":
		if err := e.repack(jobID, destPath); err != nil {
			return jobs.Meta{}, err
		}
	case "img":
		if err := e.processImage(jobID, destPath); err != nil {
			return jobs.Meta{}, err
		}
	default:
		werr := reason("unsupported_kind")
		e.fail(jobID, werr)
		return jobs.Meta{}, werr
	}

	e.finishSuccess(jobID)
	return e.Reg.Snapshot(jobID)
}

// repack implements spec.md §4.6.3. On failure it transitions the job
// to error, dispatches the callback, and returns the classifying
// error; on success it leaves the job in StagePacked.
func (e *Engine) repack(jobID, sourcePath string) error {
	e.Reg.SetStage(jobID, jobs.StageRepacking)

	meta, err := e.Reg.Snapshot(jobID)
	if err != nil {
		return err
	}

	probe, err := archive.Probe(sourcePath, e.Archiver)
	if err != nil {
		if errors.Is(err, archive.ErrNotArchive) {
			return e.repackNonArchive(jobID, sourcePath, meta.PackLevel)
		}
		werr := reasonf("repack_failed", err)
		e.fail(jobID, werr)
		return werr
	}

	if probe.Encrypted {
		os.Remove(sourcePath)
		werr := reasonf("encrypted_zip", archive.ErrEncrypted)
		e.fail(jobID, werr)
		return werr
	}

	if probe.Type == "zip" && archive.IsCanonicalZip(probe.Entries) {
		size := int64(0)
		if fi, statErr := os.Stat(sourcePath); statErr == nil {
			size = fi.Size()
		}
		e.Reg.Update(jobID, func(m *jobs.Meta) {
			m.PackedPath = sourcePath
			m.PackedBytes = size
			m.PackedFormat = "zip"
		})
		e.Reg.SetStage(jobID, jobs.StagePacked)
		return nil
	}

	repackDir, err := pathguard.SafeJoin(e.Root, "temp", jobID, "repack")
	if err != nil {
		werr := reasonf("unsafe_path", err)
		e.fail(jobID, werr)
		return werr
	}
	if err := archive.Extract(sourcePath, probe.Type, repackDir, probe.Entries, e.Archiver); err != nil {
		if errors.Is(err, archive.ErrEncrypted) {
			werr := reasonf("encrypted_zip", err)
			e.fail(jobID, werr)
			return werr
		}
		werr := reasonf("repack_failed", err)
		e.fail(jobID, werr)
		return werr
	}

	return e.zipRepackDir(jobID, repackDir, meta.PackLevel)
}

// repackNonArchive handles the case where the source isn't a
// recognized archive at all: it becomes the sole member of the repack
// tree, which is then zipped as usual.
func (e *Engine) repackNonArchive(jobID, sourcePath string, level int) error {
	repackDir, err := pathguard.SafeJoin(e.Root, "temp", jobID, "repack")
	if err != nil {
		werr := reasonf("unsafe_path", err)
		e.fail(jobID, werr)
		return werr
	}
	if err := os.MkdirAll(repackDir, 0o755); err != nil {
		werr := reasonf("repack_failed", err)
		e.fail(jobID, werr)
		return werr
	}
	dest := filepath.Join(repackDir, filepath.Base(sourcePath))
	if err := os.Rename(sourcePath, dest); err != nil {
		werr := reasonf("repack_failed", err)
		e.fail(jobID, werr)
		return werr
	}
	return e.zipRepackDir(jobID, repackDir, level)
}

func (e *Engine) zipRepackDir(jobID, repackDir string, level int) error {
	packedPath, err := pathguard.SafeJoin(e.Root, "temp", jobID, "packed.zip")
	if err != nil {
		werr := reasonf("unsafe_path", err)
		e.fail(jobID, werr)
		return werr
	}
	size, err := archive.ZipDir(repackDir, packedPath, level)
	if err != nil {
		werr := reasonf("repack_failed", err)
		e.fail(jobID, werr)
		return werr
	}
	e.Reg.Update(jobID, func(m *jobs.Meta) {
		m.PackedPath = packedPath
		m.PackedBytes = size
		m.PackedFormat = "zip"
	})
	e.Reg.SetStage(jobID, jobs.StagePacked)
	return nil
}

// processImage implements the img branch of spec.md §4.6.2 step 4.
func (e *Engine) processImage(jobID, sourcePath string) error {
	e.Reg.SetStage(jobID, jobs.StageProcessing)

	destPath, err := pathguard.SafeJoin(e.Root, "temp", jobID, "packed.webp")
	if err != nil {
		werr := reasonf("unsafe_path", err)
		e.fail(jobID, werr)
		return werr
	}

	if err := e.Webp.FileToWebP(sourcePath, destPath); err != nil {
		os.Remove(sourcePath)
		os.Remove(destPath)
		var notImg *images.ErrNotAnImage
		if errors.As(err, &notImg) {
			werr := reasonf("not_image", err)
			e.fail(jobID, werr)
			return werr
		}
		werr := reasonf("image_prepare_failed", err)
		e.fail(jobID, werr)
		return werr
	}
	os.Remove(sourcePath)

	size := int64(0)
	if fi, statErr := os.Stat(destPath); statErr == nil {
		size = fi.Size()
	}
	e.Reg.Update(jobID, func(m *jobs.Meta) {
		m.PackedPath = destPath
		m.PackedBytes = size
		m.PackedFormat = "webp"
		m.DownloadPath = ""
	})
	e.Reg.SetStage(jobID, jobs.StagePacked)
	return nil
}

// Repack re-runs the repack sub-procedure on demand, for the
// operator-facing POST /transfer/repack endpoint. format, if non-empty,
// must be "zip"; level <= 0 keeps the job's existing pack_level.
func (e *Engine) Repack(jobID, format string, level int) (jobs.Meta, error) {
	if format != "" && format != "zip" {
		return jobs.Meta{}, reason("unsupported_format")
	}
	meta, err := e.Reg.Snapshot(jobID)
	if err != nil {
		return jobs.Meta{}, err
	}
	if level > 0 {
		level = clampLevel(level)
		updated, err := e.Reg.Update(jobID, func(m *jobs.Meta) { m.PackLevel = level })
		if err != nil {
			return jobs.Meta{}, err
		}
		meta = updated
	}

	source := meta.DownloadPath
	if source == "" {
		source = meta.PackedPath
	}
	if source == "" {
		return jobs.Meta{}, reason("repack_failed")
	}
	if err := e.repack(jobID, source); err != nil {
		return jobs.Meta{}, err
	}
	return e.Reg.Snapshot(jobID)
}

// Move promotes a job's packed artifact to permanent storage under
// <root>/<type>/<path> (spec.md §4.6.4). Callers must validate typ
// against the configured allowed-type set before calling; Move itself
// only enforces path confinement, not the allow-list.
func (e *Engine) Move(jobID, typ, relPath string) (jobs.Meta, error) {
	meta, err := e.Reg.Snapshot(jobID)
	if err != nil {
		return jobs.Meta{}, err
	}
	if meta.PackedPath == "" {
		return jobs.Meta{}, reason("repack_failed")
	}

	destPath, err := pathguard.SafeJoin(e.Root, typ, relPath)
	if err != nil {
		return jobs.Meta{}, reasonf("unsafe_path", err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return jobs.Meta{}, reasonf("exception", err)
	}
	if err := os.Rename(meta.PackedPath, destPath); err != nil {
		return jobs.Meta{}, reasonf("exception", err)
	}

	finalSize := int64(0)
	if fi, statErr := os.Stat(destPath); statErr == nil {
		finalSize = fi.Size()
	}
	e.Reg.SetStage(jobID, jobs.StageMoved)
	updated, err := e.Reg.Update(jobID, func(m *jobs.Meta) {
		m.FinalPath = destPath
		m.FinalBytes = finalSize
		m.MovedAt = time.Now().Unix()
	})
	if err != nil {
		return jobs.Meta{}, err
	}

	if jobDir, jderr := pathguard.SafeJoin(e.Root, "temp", jobID); jderr == nil {
		if rmErr := os.RemoveAll(jobDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("job_id", jobID).Msg("cleanup_failed: could not remove temp job dir after move")
		}
	}
	return updated, nil
}

func (e *Engine) finishSuccess(jobID string) {
	meta, err := e.Reg.Snapshot(jobID)
	if err != nil {
		return
	}
	e.Reg.Complete(jobID, currentBytes(meta), meta.TotalBytes)
	e.dispatchTerminal(jobID, "success", "")
	e.closeSubscribers(jobID)
}

func (e *Engine) fail(jobID string, err error) {
	reasonCode := ReasonOf(err)
	log.Error().Err(err).Str("job_id", jobID).Str("reason", reasonCode).Msg("transfer job failed")
	e.Reg.Fail(jobID, reasonCode, err.Error())
	e.cleanupTemp(jobID)
	e.dispatchTerminal(jobID, "error", reasonCode)
	e.closeSubscribers(jobID)
}

// cleanupTemp best-effort removes temp/<job_id>/; a failure here is a
// soft cleanup_failed warning, never promoted to the terminal
// error_reason (spec.md §9).
func (e *Engine) cleanupTemp(jobID string) {
	dir, err := pathguard.SafeJoin(e.Root, "temp", jobID)
	if err != nil {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("cleanup_failed: could not remove temp job dir after error")
	}
}

func (e *Engine) dispatchTerminal(jobID, status, reasonCode string) {
	if e.Callback == nil {
		return
	}
	meta, err := e.Reg.Snapshot(jobID)
	if err != nil {
		return
	}
	e.Callback.Dispatch(CallbackPayload{
		JobID:           jobID,
		Status:          status,
		Reason:          reasonCode,
		Bytes:           currentBytes(meta),
		Total:           meta.TotalBytes,
		PackedFormat:    meta.PackedFormat,
		ModID:           meta.ModID,
		StorageType:     meta.StorageType,
		FileKind:        meta.FileKind,
		TransferKind:    meta.TransferKind,
		CallbackContext: meta.CallbackContext,
	})
}

func (e *Engine) closeSubscribers(jobID string) {
	for _, sub := range e.Reg.DrainSubscribers(jobID) {
		if c, ok := sub.(*wsSubscriber); ok {
			c.drop()
		}
	}
}
