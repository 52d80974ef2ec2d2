/*
Copyright 2013 The Camlistore Authors

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

package pathguard

import (
	"strings"
	"testing"
)

func TestIsSafeJobID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"job_abc12345", true},
		{strings.Repeat("a", 8), true},
		{strings.Repeat("a", 128), true},
		{strings.Repeat("a", 129), false},
		{"short", false},
		{"has a space12", false},
		{"../../etc/passwd", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSafeJobID(tt.in); got != tt.want {
			t.Errorf("IsSafeJobID(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, def, want string
	}{
		{"mod pack v1.zip", "file.bin", "mod_pack_v1.zip"},
		{"../../etc/passwd", "file.bin", "passwd"},
		{"...hidden...", "file.bin", "hidden"},
		{"", "file.bin", "file.bin"},
		{"!!!???", "file.bin", "file.bin"},
		{strings.Repeat("a", 200) + ".zip", "file.bin", strings.Repeat("a", 128)},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in, tt.def); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestSafeJoin(t *testing.T) {
	root := "/srv/storage"

	if _, err := SafeJoin(root, "temp", "job_abc12345", "file.zip"); err != nil {
		t.Errorf("expected safe join to succeed, got %v", err)
	}

	if _, err := SafeJoin(root, "..", "etc", "passwd"); err != ErrUnsafePath {
		t.Errorf("SafeJoin traversal = %v; want ErrUnsafePath", err)
	}

	if _, err := SafeJoin(root, "temp/../../etc/passwd"); err != ErrUnsafePath {
		t.Errorf("SafeJoin embedded traversal = %v; want ErrUnsafePath", err)
	}

	if got, err := SafeJoin(root); err != nil || got != root {
		t.Errorf("SafeJoin(root) = (%q, %v); want (%q, nil)", got, err, root)
	}
}
