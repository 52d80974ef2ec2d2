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

package transfer

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Open-Workshop/open-workshop-storage/pkg/auth"
	"github.com/Open-Workshop/open-workshop-storage/pkg/jobs"
)

// API is the HTTP/WS surface of §6.1: it authenticates requests,
// extracts the handful of fields each operation needs, and delegates
// to Engine. It never touches the filesystem directly.
type API struct {
	Engine       *Engine
	Codec        *auth.TokenCodec
	Static       *auth.StaticTokens
	AllowedTypes map[string]bool
	MaxBytes     int64
}

// NewAPI builds an API. allowedTypes gates both upload's img mode
// (storage_type) and move's promotion target (type); maxBytes is the
// process-wide cap applied when a transfer token carries no positive
// max_bytes claim; a token's own positive claim is used as-is.
func NewAPI(engine *Engine, codec *auth.TokenCodec, static *auth.StaticTokens, allowedTypes map[string]bool, maxBytes int64) *API {
	return &API{Engine: engine, Codec: codec, Static: static, AllowedTypes: allowedTypes, MaxBytes: maxBytes}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeErrorReason(rw http.ResponseWriter, status int, reason string) {
	writeJSON(rw, status, map[string]string{"error": reason})
}

// statusForReason maps an error_reason (spec.md §7) to the HTTP status
// this layer responds with. Reasons that only ever occur inside a
// background download task (status:<N>) never reach here; they are
// surfaced solely via the callback and the WS error event.
func statusForReason(reason string) int {
	switch {
	case reason == "token_missing":
		return http.StatusUnauthorized
	case reason == "token_invalid":
		return http.StatusForbidden
	case reason == "unsafe_path":
		return http.StatusLocked
	case reason == "invalid_job_id", reason == "invalid_download_url",
		reason == "unsupported_format", reason == "unsupported_kind",
		reason == "encrypted_zip", reason == "not_image":
		return http.StatusBadRequest
	case reason == "size_limit":
		return http.StatusRequestEntityTooLarge
	case reason == "timeout":
		return http.StatusServiceUnavailable
	case reason == "image_prepare_failed", reason == "repack_failed", reason == "exception":
		return http.StatusInternalServerError
	case strings.HasPrefix(reason, "status:"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// transferToken extracts the transfer token from the query string or
// form body (start, ws) or the Authorization header (upload), per the
// per-endpoint auth column of §6.1.
func transferToken(req *http.Request) string {
	if t := req.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := req.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if strings.HasPrefix(h, prefix) {
			return strings.TrimPrefix(h, prefix)
		}
	}
	return req.FormValue("token")
}

// decodeTransferToken authenticates req for audience "storage",
// writing the 401/403 response itself on failure; ok is false when
// the caller should stop.
func (a *API) decodeTransferToken(rw http.ResponseWriter, req *http.Request) (*auth.TransferClaims, bool) {
	tok := transferToken(req)
	if tok == "" {
		writeErrorReason(rw, http.StatusUnauthorized, "token_missing")
		return nil, false
	}
	claims, err := a.Codec.Decode(tok, auth.AudienceStorage)
	if err != nil {
		writeErrorReason(rw, http.StatusForbidden, "token_invalid")
		return nil, false
	}
	return claims, true
}

// decodeStaticToken authenticates req against the named static token,
// distinguishing a missing token (401) from a wrong one (403) per
// §6.1's error-code table (auth.RequireStatic collapses both into 401,
// so this API builds the distinction itself rather than reusing it).
func (a *API) decodeStaticToken(rw http.ResponseWriter, req *http.Request, name string) bool {
	presented := req.FormValue("token")
	if presented == "" {
		if h := req.Header.Get("Authorization"); h != "" && strings.HasPrefix(h, "Bearer ") {
			presented = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if presented == "" {
		writeErrorReason(rw, http.StatusUnauthorized, "token_missing")
		return false
	}
	if !a.Static.Allowed(name, presented) {
		writeErrorReason(rw, http.StatusForbidden, "token_invalid")
		return false
	}
	return true
}

// Start implements GET/POST /transfer/start.
func (a *API) Start(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		writeErrorReason(rw, http.StatusBadRequest, "unsupported_format")
		return
	}
	claims, ok := a.decodeTransferToken(rw, req)
	if !ok {
		return
	}
	if claims.JobID == "" {
		writeErrorReason(rw, http.StatusBadRequest, "invalid_job_id")
		return
	}

	maxBytes := claims.MaxBytes
	if maxBytes <= 0 {
		maxBytes = a.MaxBytes
	}

	meta, err := a.Engine.StartDownload(claims.JobID, claims, maxBytes)
	if err != nil {
		log.Warn().Err(err).Str("job_id", claims.JobID).Msg("start rejected")
		writeErrorReason(rw, statusForReason(ReasonOf(err)), ReasonOf(err))
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"job_id": meta.JobID,
		"status": meta.Status,
		"ws_url": "/transfer/ws/" + meta.JobID,
	})
}

// filenameFromRequest takes ?filename= or X-File-Name, per §4.6.2.
func filenameFromRequest(req *http.Request) string {
	if f := req.URL.Query().Get("filename"); f != "" {
		return f
	}
	return req.Header.Get("X-File-Name")
}

// Upload implements POST /transfer/upload. The body is the raw file;
// a multipart Content-Type is rejected with 415.
func (a *API) Upload(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeErrorReason(rw, http.StatusBadRequest, "unsupported_format")
		return
	}
	if strings.HasPrefix(strings.ToLower(req.Header.Get("Content-Type")), "multipart/") {
		writeErrorReason(rw, http.StatusUnsupportedMediaType, "unsupported_format")
		return
	}
	claims, ok := a.decodeTransferToken(rw, req)
	if !ok {
		return
	}
	if claims.JobID == "" {
		writeErrorReason(rw, http.StatusBadRequest, "invalid_job_id")
		return
	}

	switch claims.TransferKind {
	case "archive":
		if claims.PackFormat != "" && claims.PackFormat != "zip" {
			writeErrorReason(rw, http.StatusBadRequest, "unsupported_format")
			return
		}
	case "img":
		if claims.FileKind != "img" || !a.AllowedTypes[claims.StorageType] {
			writeErrorReason(rw, http.StatusBadRequest, "unsupported_kind")
			return
		}
	default:
		writeErrorReason(rw, http.StatusBadRequest, "unsupported_kind")
		return
	}

	maxBytes := claims.MaxBytes
	if maxBytes <= 0 {
		maxBytes = a.MaxBytes
	}

	meta, err := a.Engine.Upload(claims.JobID, claims, filenameFromRequest(req), req.Body, maxBytes)
	if err != nil {
		log.Warn().Err(err).Str("job_id", claims.JobID).Msg("upload failed")
		writeErrorReason(rw, statusForReason(ReasonOf(err)), ReasonOf(err))
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"job_id": meta.JobID,
		"bytes":  currentBytes(meta),
		"total":  meta.TotalBytes,
	})
}

// WS implements ws /transfer/ws/{job_id}.
func (a *API) WS(rw http.ResponseWriter, req *http.Request) {
	jobID := strings.TrimPrefix(req.URL.Path, "/transfer/ws/")
	if jobID == "" || jobID == req.URL.Path {
		writeErrorReason(rw, http.StatusBadRequest, "invalid_job_id")
		return
	}
	claims, ok := a.decodeTransferToken(rw, req)
	if !ok {
		return
	}
	if claims.JobID != jobID {
		writeErrorReason(rw, http.StatusForbidden, "token_invalid")
		return
	}
	if err := ServeProgressWS(a.Engine.Reg, jobID, rw, req); err != nil {
		status := http.StatusNotFound
		if !errors.Is(err, jobs.ErrNotFound) {
			status = http.StatusInternalServerError
		}
		writeErrorReason(rw, status, "exception")
	}
}

// Repack implements POST /transfer/repack.
func (a *API) Repack(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeErrorReason(rw, http.StatusBadRequest, "unsupported_format")
		return
	}
	if !a.decodeStaticToken(rw, req, "storage_manage_token") {
		return
	}
	jobID := req.FormValue("job_id")
	if jobID == "" {
		writeErrorReason(rw, http.StatusBadRequest, "invalid_job_id")
		return
	}
	level, _ := strconv.Atoi(req.FormValue("compression_level"))

	meta, err := a.Engine.Repack(jobID, req.FormValue("format"), level)
	if err != nil {
		status := http.StatusNotFound
		if !errors.Is(err, jobs.ErrNotFound) {
			status = statusForReason(ReasonOf(err))
		}
		writeErrorReason(rw, status, ReasonOf(err))
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"job_id":       meta.JobID,
		"packed_bytes": meta.PackedBytes,
		"packed_path":  meta.PackedPath,
	})
}

// Move implements POST /transfer/move.
func (a *API) Move(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeErrorReason(rw, http.StatusBadRequest, "unsupported_format")
		return
	}
	if !a.decodeStaticToken(rw, req, "storage_manage_token") {
		return
	}
	jobID := req.FormValue("job_id")
	typ := req.FormValue("type")
	path := req.FormValue("path")
	if jobID == "" || typ == "" || path == "" {
		writeErrorReason(rw, http.StatusBadRequest, "invalid_job_id")
		return
	}
	if !a.AllowedTypes[typ] {
		writeErrorReason(rw, http.StatusBadRequest, "unsupported_format")
		return
	}

	meta, err := a.Engine.Move(jobID, typ, path)
	if err != nil {
		status := http.StatusNotFound
		if !errors.Is(err, jobs.ErrNotFound) {
			status = statusForReason(ReasonOf(err))
		}
		writeErrorReason(rw, status, ReasonOf(err))
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"job_id":     meta.JobID,
		"final_path": meta.FinalPath,
		"final_bytes": meta.FinalBytes,
	})
}
