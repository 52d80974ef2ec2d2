package transfer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Open-Workshop/open-workshop-storage/pkg/auth"
)

func TestDispatchSignsAndPosts(t *testing.T) {
	var gotAuth string
	var gotPayload CallbackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	codec := auth.NewTokenCodec("test-secret", time.Minute)
	d := NewDispatcher(codec, srv.URL)

	d.Dispatch(CallbackPayload{JobID: "job-1", Status: "success", Bytes: 42, Total: 42})

	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Fatalf("got Authorization header %q, want Bearer-prefixed", gotAuth)
	}
	token := strings.TrimPrefix(gotAuth, "Bearer ")
	claims, err := codec.Decode(token, auth.AudienceManager)
	if err != nil {
		t.Fatalf("decoding our own callback token: %v", err)
	}
	if claims.JobID != "job-1" {
		t.Fatalf("got job_id %q, want job-1", claims.JobID)
	}
	if gotPayload.JobID != "job-1" || gotPayload.Status != "success" || gotPayload.Bytes != 42 {
		t.Fatalf("got payload %+v", gotPayload)
	}
}

func TestDispatchSkipsWhenCodecUnconfigured(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	codec := auth.NewTokenCodec("", time.Minute)
	d := NewDispatcher(codec, srv.URL)
	d.Dispatch(CallbackPayload{JobID: "job-2", Status: "success"})

	if called {
		t.Fatal("expected callback POST to be skipped when no secret is configured")
	}
}

func TestDispatchDoesNotRetryNon2xx(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	codec := auth.NewTokenCodec("test-secret", time.Minute)
	d := NewDispatcher(codec, srv.URL)
	d.Dispatch(CallbackPayload{JobID: "job-3", Status: "error", Reason: "exception"})

	if hits != 1 {
		t.Fatalf("got %d requests, want exactly 1 (no retry)", hits)
	}
}
