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

package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenInvalid is returned for any transfer-token decode failure: bad
// signature, wrong audience, or expiry. Callers must not distinguish the
// cause in responses (avoid giving an attacker a signing oracle).
var ErrTokenInvalid = errors.New("auth: token_invalid")

// Audience values used by decode/encode. "storage" is this service;
// "manager" is the upstream service the callback dispatcher posts to.
const (
	AudienceStorage = "storage"
	AudienceManager = "manager"
)

// TransferClaims is the payload carried by a signed transfer token. Only
// job_id and aud are mandatory; the mode-specific fields are populated
// according to which operation minted the token.
type TransferClaims struct {
	jwt.RegisteredClaims

	JobID string `json:"job_id,omitempty"`

	// Ingress (download-mode) claims.
	DownloadURL string `json:"download_url,omitempty"`
	Filename    string `json:"filename,omitempty"`
	MaxBytes    int64  `json:"max_bytes,omitempty"`

	// Repack claims.
	PackFormat string `json:"pack_format,omitempty"`
	PackLevel  int    `json:"pack_level,omitempty"`

	// Move / promotion claims.
	ModID        string `json:"mod_id,omitempty"`
	TransferKind string `json:"transfer_kind,omitempty"`
	StorageType  string `json:"storage_type,omitempty"`
	FileKind     string `json:"file_kind,omitempty"`
	TargetPath   string `json:"target_path,omitempty"`

	// Callback (egress) claims.
	CallbackAction  string `json:"callback_action,omitempty"`
	CallbackContext any    `json:"callback_context,omitempty"`
	UpdateOnly      bool   `json:"update_only,omitempty"`
}

// TokenCodec encodes and decodes HS256 transfer tokens against a single
// process-wide secret. A nil/empty secret puts the codec in a
// fail-closed state: Decode always errors, Encode always errors, and
// callers (the callback dispatcher) are expected to skip the call and
// log instead of crashing.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenCodec builds a codec. ttl is used as the default expiry window
// for tokens minted via EncodeCallback; it has no effect on Decode.
func NewTokenCodec(secret string, ttl time.Duration) *TokenCodec {
	return &TokenCodec{secret: []byte(secret), ttl: ttl}
}

// Configured reports whether a signing secret is set.
func (c *TokenCodec) Configured() bool {
	return len(c.secret) > 0
}

// Decode validates token's signature, expiry, and audience, returning
// its claims. It fails closed (ErrTokenInvalid) if no secret is
// configured, on any signature/parse error, on expiry, or when aud
// does not match wantAudience.
func (c *TokenCodec) Decode(token, wantAudience string) (*TransferClaims, error) {
	if !c.Configured() {
		return nil, ErrTokenInvalid
	}
	claims := &TransferClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return c.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithAudience(wantAudience))
	if err != nil || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Encode signs claims, filling in iat/exp if unset. exp defaults to
// now+ttl.
func (c *TokenCodec) Encode(claims *TransferClaims) (string, error) {
	if !c.Configured() {
		return "", ErrTokenInvalid
	}
	now := time.Now()
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(c.ttl))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(c.secret)
}

// EncodeCallback builds and signs a manager-audience callback token for
// jobID carrying action and context, ready to place in the callback
// request body or an Authorization header.
func (c *TokenCodec) EncodeCallback(jobID, action string, context any) (string, error) {
	return c.Encode(&TransferClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   AudienceStorage,
			Audience: jwt.ClaimStrings{AudienceManager},
		},
		JobID:          jobID,
		CallbackAction: action,
		CallbackContext: context,
	})
}
