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

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenCodecRoundTrip(t *testing.T) {
	c := NewTokenCodec("test-secret", 10*time.Minute)

	tok, err := c.Encode(&TransferClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience: jwt.ClaimStrings{AudienceStorage},
		},
		JobID:       "job_abc123",
		DownloadURL: "https://example.invalid/file.zip",
		MaxBytes:    1 << 30,
	})
	if err != nil {
		t.Fatal(err)
	}

	claims, err := c.Decode(tok, AudienceStorage)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if claims.JobID != "job_abc123" {
		t.Errorf("JobID = %q; want job_abc123", claims.JobID)
	}
	if claims.MaxBytes != 1<<30 {
		t.Errorf("MaxBytes = %d; want %d", claims.MaxBytes, int64(1)<<30)
	}

	if _, err := c.Decode(tok, AudienceManager); err != ErrTokenInvalid {
		t.Errorf("Decode with wrong audience = %v; want ErrTokenInvalid", err)
	}
}

func TestTokenCodecUnconfigured(t *testing.T) {
	c := NewTokenCodec("", time.Minute)
	if c.Configured() {
		t.Fatal("expected unconfigured codec")
	}
	if _, err := c.Encode(&TransferClaims{JobID: "x"}); err != ErrTokenInvalid {
		t.Errorf("Encode on unconfigured codec = %v; want ErrTokenInvalid", err)
	}
	if _, err := c.Decode("anything", AudienceStorage); err != ErrTokenInvalid {
		t.Errorf("Decode on unconfigured codec = %v; want ErrTokenInvalid", err)
	}
}

func TestTokenCodecExpired(t *testing.T) {
	c := NewTokenCodec("test-secret", time.Minute)
	tok, err := c.Encode(&TransferClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{AudienceStorage},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Second)),
		},
		JobID: "job_expired",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decode(tok, AudienceStorage); err != ErrTokenInvalid {
		t.Errorf("Decode expired token = %v; want ErrTokenInvalid", err)
	}
}

func TestEncodeCallback(t *testing.T) {
	c := NewTokenCodec("test-secret", 10*time.Minute)
	tok, err := c.EncodeCallback("job_xyz", "transfer_complete", map[string]any{"mod_id": "42"})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := c.Decode(tok, AudienceManager)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if claims.CallbackAction != "transfer_complete" {
		t.Errorf("CallbackAction = %q; want transfer_complete", claims.CallbackAction)
	}
	if claims.Issuer != AudienceStorage {
		t.Errorf("Issuer = %q; want storage", claims.Issuer)
	}
}
