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

// Package pathguard confines filesystem operations to a configured
// root and sanitizes the caller-supplied names (job IDs, filenames)
// that end up as path components. Every mutation the transfer engine
// makes to disk goes through SafeJoin first.
package pathguard

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrUnsafePath is returned by SafeJoin when the resolved path would
// escape root.
var ErrUnsafePath = errors.New("pathguard: unsafe_path")

var jobIDRE = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// IsSafeJobID reports whether s is a well-formed job identifier.
func IsSafeJobID(s string) bool {
	return jobIDRE.MatchString(s)
}

// allowed filename characters, post basename-reduction.
var filenameCharRE = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
var whitespaceRE = regexp.MustCompile(`\s+`)

// SanitizeFilename reduces name to a safe basename: only
// [A-Za-z0-9_.-] survive, runs of whitespace collapse to a single
// underscore, leading/trailing '.' and '_' are stripped, and the
// result is truncated to 128 bytes. If nothing survives, def is
// returned unchanged.
func SanitizeFilename(name, def string) string {
	base := filepath.Base(name)
	base = whitespaceRE.ReplaceAllString(base, "_")
	base = filenameCharRE.ReplaceAllString(base, "")
	base = strings.Trim(base, "._")
	if len(base) > 128 {
		base = base[:128]
	}
	if base == "" {
		return def
	}
	return base
}

// SafeJoin resolves rel under root and guarantees the result stays
// within root. Both root and the joined candidate are cleaned and
// made absolute textually (no symlink resolution beyond what the OS
// performs implicitly when the path is later opened); any candidate
// that resolves outside root fails with ErrUnsafePath even if an
// intervening symlink would otherwise make it legal.
func SafeJoin(root string, rel ...string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absRoot = filepath.Clean(absRoot)

	parts := append([]string{absRoot}, rel...)
	candidate := filepath.Join(parts...)
	candidate = filepath.Clean(candidate)

	if candidate != absRoot && !strings.HasPrefix(candidate, absRoot+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return candidate, nil
}
