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

// Package auth verifies the credentials used by the operator-facing
// surfaces of the transfer API: named static tokens whose bcrypt hashes
// are carried in process configuration.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownToken is returned when no hash is registered under the
// requested token name.
var ErrUnknownToken = errors.New("auth: unknown token name")

// StaticTokens holds the bcrypt hashes of the named operator tokens
// (e.g. "storage_manage_token", "storage_upload_token") loaded from
// process configuration.
type StaticTokens struct {
	mu     sync.RWMutex
	hashes map[string][]byte
}

// NewStaticTokens builds a StaticTokens set from name -> bcrypt hash.
func NewStaticTokens(hashes map[string]string) *StaticTokens {
	st := &StaticTokens{hashes: make(map[string][]byte, len(hashes))}
	for name, hash := range hashes {
		st.hashes[name] = []byte(hash)
	}
	return st
}

// HashToken bcrypt-hashes a plaintext token at the default cost, for use
// when generating configuration (e.g. the `storage token` CLI helper).
func HashToken(plain string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Check reports whether presented matches the hash registered under name.
// It returns ErrUnknownToken if name has no configured hash, and a
// bcrypt comparison error (never revealing which) otherwise.
func (st *StaticTokens) Check(name, presented string) error {
	st.mu.RLock()
	hash, ok := st.hashes[name]
	st.mu.RUnlock()
	if !ok {
		return ErrUnknownToken
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(presented))
}

// Allowed reports whether presented is valid for name, swallowing the
// specific error (unknown name and bad token are indistinguishable to
// the caller, by design: don't leak which token names are configured).
func (st *StaticTokens) Allowed(name, presented string) bool {
	if presented == "" {
		return false
	}
	return st.Check(name, presented) == nil
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header, falling back to a "token" query parameter for callers (like
// browser-driven download links) that cannot set headers.
func bearerToken(req *http.Request) string {
	if h := req.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && h[:len(prefix)] == prefix {
			return h[len(prefix):]
		}
	}
	return req.FormValue("token")
}

// RequireStatic wraps h so that it only runs when the request presents a
// token valid for name. Otherwise it responds 401 Unauthorized.
func RequireStatic(st *StaticTokens, name string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if !st.Allowed(name, bearerToken(req)) {
			SendUnauthorized(rw, req)
			return
		}
		h.ServeHTTP(rw, req)
	})
}

// SendUnauthorized writes a minimal 401 response.
func SendUnauthorized(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("WWW-Authenticate", `Bearer realm="storage"`)
	rw.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(rw, "<html><body><h1>Unauthorized</h1>")
}

// RandToken generates (with crypto/rand.Read) and returns a token that is
// the hex version (2x size) of size bytes of randomness. Used for
// internal correlation identifiers that aren't job IDs.
func RandToken(size int) string {
	buf := make([]byte, size)
	if n, err := rand.Read(buf); err != nil || n != len(buf) {
		panic("failed to get random: " + err.Error())
	}
	return fmt.Sprintf("%x", buf)
}
