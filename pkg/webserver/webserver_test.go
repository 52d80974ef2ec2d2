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

package webserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServeHTTPDispatches(t *testing.T) {
	s := New()
	var hit bool
	s.HandleFunc("/ping", func(rw http.ResponseWriter, r *http.Request) {
		hit = true
		rw.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rw := httptest.NewRecorder()
	s.ServeHTTP(rw, req)

	if !hit {
		t.Error("expected handler to be invoked")
	}
	if rw.Code != http.StatusOK {
		t.Errorf("code = %d; want 200", rw.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		t.Error("inner handler should not run for OPTIONS")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/transfer/start", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusOK {
		t.Errorf("code = %d; want 200", rw.Code)
	}
	if rw.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestListenURLBeforeListen(t *testing.T) {
	s := New()
	if got := s.ListenURL(); got != "" {
		t.Errorf("ListenURL before Listen = %q; want empty", got)
	}
}
