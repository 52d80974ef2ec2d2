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

// Package legacy implements the small pre-existing file-serving surface
// the transfer pipeline was added alongside: a path-safe static
// download, and static-token-gated upload/delete for small assets that
// never go through a job. It is a thin adaptation of
// perkeep.org/pkg/server.DownloadHandler's range/content-type handling,
// generalized from blob refs to plain files under a type-scoped root.
package legacy

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Open-Workshop/open-workshop-storage/internal/magic"
	"github.com/Open-Workshop/open-workshop-storage/pkg/auth"
	"github.com/Open-Workshop/open-workshop-storage/pkg/pathguard"
)

// API serves the legacy endpoints. It shares pkg/auth's bcrypt static
// token check and pkg/pathguard's root confinement with the transfer
// API, but is otherwise independent of pkg/jobs: these assets are
// never job-scoped.
type API struct {
	Root         string
	Static       *auth.StaticTokens
	AllowedTypes map[string]bool
}

// NewAPI builds a legacy API rooted at root. allowedTypes gates both
// the <type> path segment of Download and the "type" form field of
// Upload/Delete, the same set configured for /transfer/move.
func NewAPI(root string, static *auth.StaticTokens, allowedTypes map[string]bool) *API {
	return &API{Root: root, Static: static, AllowedTypes: allowedTypes}
}

// Download implements GET /download/{type}/{path}. It serves the file
// named by path from under Root/type, the way DownloadHandler.ServeFile
// serves a blob: Content-Type sniffed from the leading bytes via
// internal/magic (the teacher's own magic-number sniffer), falling
// back to "application/octet-stream" with a Content-Disposition
// attachment header when nothing matches, and byte-range support via
// http.ServeContent.
func (a *API) Download(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		http.Error(rw, "invalid download method", http.StatusMethodNotAllowed)
		return
	}

	suffix := strings.TrimPrefix(req.URL.Path, "/download/")
	if suffix == req.URL.Path || suffix == "" {
		http.NotFound(rw, req)
		return
	}
	parts := strings.SplitN(suffix, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		http.Error(rw, "malformed download path", http.StatusBadRequest)
		return
	}
	typ, rel := parts[0], parts[1]
	if !a.AllowedTypes[typ] {
		http.Error(rw, "unknown type", http.StatusBadRequest)
		return
	}

	full, err := pathguard.SafeJoin(a.Root, typ, rel)
	if err != nil {
		http.Error(rw, "unsafe path", http.StatusLocked)
		return
	}

	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			http.NotFound(rw, req)
			return
		}
		log.Error().Err(err).Str("path", full).Msg("legacy download open failed")
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	ctype := magic.MIMETypeFromReaderAt(f)
	if ctype == "" {
		ctype = "application/octet-stream"
		rw.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(full))
	}
	rw.Header().Set("Content-Type", ctype)

	http.ServeContent(rw, req, "", fi.ModTime(), f)
}

// Upload implements POST /upload: a static-token-gated raw-body write
// of a single small asset to Root/type/<name>, where <name> is path
// reduced to a safe basename by pathguard.SanitizeFilename (any
// directory part of path is dropped), for callers that predate
// the job-scoped transfer pipeline and don't need progress or repack.
func (a *API) Upload(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(rw, "invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorize(rw, req, "legacy_upload_token") {
		return
	}

	typ := req.FormValue("type")
	rel := req.FormValue("path")
	if typ == "" || rel == "" || !a.AllowedTypes[typ] {
		http.Error(rw, "missing or unknown type/path", http.StatusBadRequest)
		return
	}
	rel = pathguard.SanitizeFilename(rel, "upload.bin")

	full, err := pathguard.SafeJoin(a.Root, typ, rel)
	if err != nil {
		http.Error(rw, "unsafe path", http.StatusLocked)
		return
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	tmp := full + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}
	n, err := io.Copy(out, req.Body)
	out.Close()
	if err != nil {
		os.Remove(tmp)
		http.Error(rw, "write failed", http.StatusInternalServerError)
		return
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		http.Error(rw, "internal error", http.StatusInternalServerError)
		return
	}

	returnJSON(rw, map[string]any{"path": rel, "bytes": n})
}

// Delete implements POST /delete: a static-token-gated removal of a
// single asset under Root/type/path.
func (a *API) Delete(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(rw, "invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorize(rw, req, "legacy_delete_token") {
		return
	}

	typ := req.FormValue("type")
	rel := req.FormValue("path")
	if typ == "" || rel == "" || !a.AllowedTypes[typ] {
		http.Error(rw, "missing or unknown type/path", http.StatusBadRequest)
		return
	}

	full, err := pathguard.SafeJoin(a.Root, typ, rel)
	if err != nil {
		http.Error(rw, "unsafe path", http.StatusLocked)
		return
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		http.Error(rw, "delete failed", http.StatusInternalServerError)
		return
	}

	returnJSON(rw, map[string]any{"path": rel, "deleted": true})
}

// authorize checks the named static token the same way the transfer
// API's decodeStaticToken does, distinguishing missing from invalid.
func (a *API) authorize(rw http.ResponseWriter, req *http.Request, name string) bool {
	tok := req.FormValue("token")
	if tok == "" {
		if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tok = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if tok == "" {
		http.Error(rw, "token_missing", http.StatusUnauthorized)
		return false
	}
	if !a.Static.Allowed(name, tok) {
		http.Error(rw, "token_invalid", http.StatusForbidden)
		return false
	}
	return true
}

func returnJSON(rw http.ResponseWriter, v map[string]any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(v)
}
