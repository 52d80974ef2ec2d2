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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Open-Workshop/open-workshop-storage/pkg/auth"
	"github.com/Open-Workshop/open-workshop-storage/pkg/httputil"
)

// CallbackPayload is the JSON body POSTed to the manager on a job's
// terminal transition. Its shape mirrors spec.md §4.6.5.
type CallbackPayload struct {
	JobID           string `json:"job_id"`
	Status          string `json:"status"` // "success" or "error"
	Reason          string `json:"reason,omitempty"`
	Bytes           int64  `json:"bytes,omitempty"`
	Total           int64  `json:"total,omitempty"`
	PackedFormat    string `json:"packed_format,omitempty"`
	ModID           string `json:"mod_id,omitempty"`
	StorageType     string `json:"storage_type,omitempty"`
	FileKind        string `json:"file_kind,omitempty"`
	TransferKind    string `json:"transfer_kind,omitempty"`
	CallbackContext any    `json:"callback_context,omitempty"`
}

// Dispatcher signs and POSTs terminal-transition callbacks to Manager.
// Built once at startup and shared by every job's engine task.
type Dispatcher struct {
	Codec *auth.TokenCodec
	URL   string
	// Client defaults to a StatsTransport-wrapped client; tests may
	// override it.
	Client *http.Client
}

// NewDispatcher builds a Dispatcher posting to url, signing tokens
// with codec.
func NewDispatcher(codec *auth.TokenCodec, url string) *Dispatcher {
	return &Dispatcher{
		Codec: codec,
		URL:   url,
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &httputil.StatsTransport{VerboseLog: true},
		},
	}
}

// Dispatch signs payload with a manager-audience callback token and
// POSTs it. If the codec has no configured secret, the callback is
// skipped with a warning (spec.md §4.2/§7's "fatal-to-process" table:
// a missing secret is non-fatal but disables callbacks). Non-2xx
// responses are logged and never retried; Manager reconciles via
// meta.json inspection or its own timeout per spec.md §4.6.5.
func (d *Dispatcher) Dispatch(payload CallbackPayload) {
	if !d.Codec.Configured() {
		log.Warn().Str("job_id", payload.JobID).Msg("callback skipped: no transfer JWT secret configured")
		return
	}

	token, err := d.Codec.EncodeCallback(payload.JobID, "transfer_complete", payload.CallbackContext)
	if err != nil {
		log.Error().Err(err).Str("job_id", payload.JobID).Msg("failed to sign callback token")
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("job_id", payload.JobID).Msg("failed to marshal callback payload")
		return
	}

	req, err := http.NewRequest(http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Str("job_id", payload.JobID).Msg("failed to build callback request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))

	resp, err := d.Client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("job_id", payload.JobID).Str("url", d.URL).Msg("callback POST failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Error().Str("job_id", payload.JobID).Int("status", resp.StatusCode).Msg("callback rejected by manager")
	}
}
