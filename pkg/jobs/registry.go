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

package jobs

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Open-Workshop/open-workshop-storage/pkg/pathguard"
)

// ErrNotFound is returned for operations against a job_id the registry
// has never seen.
var ErrNotFound = errors.New("jobs: not_found")

type jobState struct {
	meta        Meta
	subscribers map[Subscriber]struct{}
}

// Registry is the process-wide job table: an in-memory map guarded by
// a single coarse mutex (job volume is O(tens) concurrent; per-job
// locking is a non-goal), mirrored to a meta.json file per job under
// root/temp/<job_id>/.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*jobState
	root string
}

// NewRegistry returns an empty Registry rooted at root (the storage
// service's configured root directory; meta.json lives under
// root/temp/<job_id>/).
func NewRegistry(root string) *Registry {
	return &Registry{jobs: make(map[string]*jobState), root: root}
}

// GetOrCreate returns the existing job state for jobID, or creates one
// seeded from init. created reports whether this call created it
// (used by the engine to implement idempotent job starts).
func (r *Registry) GetOrCreate(jobID string, init Meta) (Meta, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if js, ok := r.jobs[jobID]; ok {
		return js.meta, false
	}
	init.JobID = jobID
	if init.Stage == "" {
		init.setStage(StagePending)
	}
	js := &jobState{meta: init, subscribers: make(map[Subscriber]struct{})}
	r.jobs[jobID] = js
	r.persistLocked(js)
	return js.meta, true
}

// Snapshot returns a copy of jobID's current metadata.
func (r *Registry) Snapshot(jobID string) (Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	js, ok := r.jobs[jobID]
	if !ok {
		return Meta{}, ErrNotFound
	}
	return js.meta, nil
}

// Update applies patch to jobID's metadata under the registry lock and
// persists meta.json. It broadcasts no event; SetStage, ReportProgress,
// Complete and Fail are the calls that notify subscribers.
// If patch changes Stage to something earlier than the current stage
// (and not Error), the stage change is rejected but other field
// changes made by patch still apply — callers should only mutate
// Stage via SetStage.
func (r *Registry) Update(jobID string, patch func(*Meta)) (Meta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	js, ok := r.jobs[jobID]
	if !ok {
		return Meta{}, ErrNotFound
	}
	prev, prevStatus := js.meta.Stage, js.meta.Status
	patch(&js.meta)
	if next := js.meta.Stage; next != prev {
		js.meta.Stage, js.meta.Status = prev, prevStatus
		js.meta.setStage(next)
	}
	r.persistLocked(js)
	return js.meta, nil
}

// SetStage transitions jobID to s (rejecting regressions other than
// to Error), persists, and broadcasts a "stage" event.
func (r *Registry) SetStage(jobID string, s Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	js, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !js.meta.setStage(s) {
		return nil
	}
	r.persistLocked(js)
	r.broadcastLocked(js, Event{Type: "stage", Stage: s, Status: s})
	return nil
}

// ReportProgress updates byte counters and broadcasts a "progress"
// event without touching stage or persisting meta.json (callers throttle
// persistence separately; see the transfer engine's chunk-copy loop).
func (r *Registry) ReportProgress(jobID string, bytes, total int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	js, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	switch js.meta.Stage {
	case StageUploading:
		js.meta.UploadBytes = bytes
	default:
		js.meta.DownloadedBytes = bytes
	}
	js.meta.TotalBytes = total
	r.broadcastLocked(js, Event{Type: "progress", Bytes: bytes, Total: total, Stage: js.meta.Stage})
	return nil
}

// Complete persists a terminal success state and broadcasts "complete".
func (r *Registry) Complete(jobID string, bytes, total int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	js, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	r.persistLocked(js)
	r.broadcastLocked(js, Event{Type: "complete", Bytes: bytes, Total: total, Stage: js.meta.Stage})
	return nil
}

// Fail transitions jobID to the terminal error stage with reason,
// persists, and broadcasts "error".
func (r *Registry) Fail(jobID, reason, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	js, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	js.meta.setStage(StageError)
	js.meta.ErrorReason = reason
	js.meta.Error = message
	r.persistLocked(js)
	r.broadcastLocked(js, Event{Type: "error", Message: message})
	return nil
}

// AddSubscriber registers sub to receive future events for jobID.
func (r *Registry) AddSubscriber(jobID string, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	js, ok := r.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	js.subscribers[sub] = struct{}{}
	return nil
}

// RemoveSubscriber unregisters sub from jobID.
func (r *Registry) RemoveSubscriber(jobID string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if js, ok := r.jobs[jobID]; ok {
		delete(js.subscribers, sub)
	}
}

// DrainSubscribers returns jobID's current subscribers and clears the
// set, used when a job reaches a terminal stage.
func (r *Registry) DrainSubscribers(jobID string) []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	js, ok := r.jobs[jobID]
	if !ok {
		return nil
	}
	out := make([]Subscriber, 0, len(js.subscribers))
	for s := range js.subscribers {
		out = append(out, s)
	}
	js.subscribers = make(map[Subscriber]struct{})
	return out
}

func (r *Registry) broadcastLocked(js *jobState, ev Event) {
	for s := range js.subscribers {
		s.Send(ev)
	}
}

// persistLocked writes meta.json for js. Called with r.mu held. A
// write failure is logged only: the in-memory state remains
// authoritative for the running process per the durability contract.
func (r *Registry) persistLocked(js *jobState) {
	dir, err := pathguard.SafeJoin(r.root, "temp", js.meta.JobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", js.meta.JobID).Msg("refusing to persist meta.json outside root")
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Str("job_id", js.meta.JobID).Msg("meta.json mkdir failed")
		return
	}
	b, err := json.MarshalIndent(js.meta, "", "  ")
	if err != nil {
		log.Warn().Err(err).Str("job_id", js.meta.JobID).Msg("meta.json marshal failed")
		return
	}
	final := filepath.Join(dir, "meta.json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		log.Warn().Err(err).Str("job_id", js.meta.JobID).Msg("meta.json write failed")
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		log.Warn().Err(err).Str("job_id", js.meta.JobID).Msg("meta.json rename failed")
	}
}

// LoadMeta reads job_id's meta.json from disk, for recovery/inspection
// tooling that doesn't go through the live Registry.
func LoadMeta(root, jobID string) (Meta, error) {
	path, err := pathguard.SafeJoin(root, "temp", jobID, "meta.json")
	if err != nil {
		return Meta{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, err
	}
	return m, nil
}
