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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORAGE_ADDR", "")
	t.Setenv("STORAGE_ROOT", "")
	t.Setenv("STORAGE_ALLOWED_TYPES", "")
	t.Setenv("TRANSFER_MAX_BYTES", "")
	t.Setenv("TRANSFER_CALLBACK_TTL_SECONDS", "")

	c := Load()
	if c.Addr != defaultAddr {
		t.Errorf("Addr = %q; want %q", c.Addr, defaultAddr)
	}
	if c.CallbackTTL != defaultCallbackTTL {
		t.Errorf("CallbackTTL = %v; want %v", c.CallbackTTL, defaultCallbackTTL)
	}
	if c.MaxBytes != 0 {
		t.Errorf("MaxBytes = %d; want 0 (unlimited)", c.MaxBytes)
	}
	if !c.AllowedTypes["mod"] || !c.AllowedTypes["avatar"] {
		t.Errorf("AllowedTypes = %v; want default mod,avatar", c.AllowedTypes)
	}
	if c.ReadIdleTimeout != defaultReadIdleTimeout {
		t.Errorf("ReadIdleTimeout = %v; want %v", c.ReadIdleTimeout, defaultReadIdleTimeout)
	}
}

func TestLoadManagerCallbackURLDefaultsFromManagerURL(t *testing.T) {
	t.Setenv("STORAGE_MANAGER_URL", "https://manager.example/")
	t.Setenv("STORAGE_MANAGER_CALLBACK_URL", "")

	c := Load()
	want := "https://manager.example/transfer/callback"
	if c.ManagerCallbackURL != want {
		t.Errorf("ManagerCallbackURL = %q; want %q", c.ManagerCallbackURL, want)
	}
}

func TestStaticTokenHashesReadPerName(t *testing.T) {
	t.Setenv("STORAGE_TOKEN_STORAGE_MANAGE_TOKEN_HASH", "$2a$10$examplehash")

	c := Load()
	if c.StaticTokenHashes["storage_manage_token"] != "$2a$10$examplehash" {
		t.Errorf("StaticTokenHashes[storage_manage_token] = %q", c.StaticTokenHashes["storage_manage_token"])
	}
}

func TestApplyFileOverlaysEnvDefaults(t *testing.T) {
	t.Setenv("STORAGE_ADDR", "")
	t.Setenv("STORAGE_ROOT", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "storage.json")
	contents := `{"addr": ":9000", "root": "/data/storage", "devMode": true}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	c := Load()
	if err := c.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	if c.Addr != ":9000" {
		t.Errorf("Addr = %q; want :9000", c.Addr)
	}
	if c.Root != "/data/storage" {
		t.Errorf("Root = %q; want /data/storage", c.Root)
	}
	if !c.DevMode {
		t.Error("DevMode = false; want true")
	}
}

func TestApplyFileRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.json")
	if err := os.WriteFile(path, []byte(`{"bogusKey": 1}`), 0o644); err != nil {
		t.Fatal(err)
	}

	c := Load()
	if err := c.ApplyFile(path); err == nil {
		t.Error("expected error for unknown config key")
	}
}

func TestLoadCustomAllowedTypes(t *testing.T) {
	t.Setenv("STORAGE_ALLOWED_TYPES", "mod, texture ,avatar")

	c := Load()
	for _, want := range []string{"mod", "texture", "avatar"} {
		if !c.AllowedTypes[want] {
			t.Errorf("AllowedTypes missing %q: %v", want, c.AllowedTypes)
		}
	}
}
