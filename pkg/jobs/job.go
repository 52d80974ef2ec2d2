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

// Package jobs holds the transfer engine's in-memory job state and its
// durable meta.json mirror.
package jobs

// Stage is the coarse phase of a job. It only ever moves forward
// through the sequence below, or jumps to the terminal Error.
type Stage string

const (
	StagePending     Stage = "pending"
	StageDownloading Stage = "downloading"
	StageUploading   Stage = "uploading"
	StageDownloaded  Stage = "downloaded"
	StageUploaded    Stage = "uploaded"
	StageProcessing  Stage = "processing"
	StageRepacking   Stage = "repacking"
	StagePacked      Stage = "packed"
	StageMoved       Stage = "moved"
	StageError       Stage = "error"
)

// stageOrder gives each non-terminal stage a rank so Registry.Update
// can assert monotonicity; Error is reachable from any rank.
var stageOrder = map[Stage]int{
	StagePending:     0,
	StageDownloading: 1,
	StageUploading:   1,
	StageDownloaded:  2,
	StageUploaded:    2,
	StageProcessing:  3,
	StageRepacking:   4,
	StagePacked:      5,
	StageMoved:       6,
}

// Meta is the full durable projection of a job: the in-memory state
// and the on-disk meta.json share this shape. "status" and "stage" are
// treated as synonyms (both fields are kept in sync on every write) per
// the source's overlapping vocabulary.
type Meta struct {
	JobID        string `json:"job_id"`
	ModID        string `json:"mod_id,omitempty"`
	TransferKind string `json:"transfer_kind,omitempty"`
	StorageType  string `json:"storage_type,omitempty"`
	FileKind     string `json:"file_kind,omitempty"`

	DownloadURL  string `json:"download_url,omitempty"`
	Filename     string `json:"filename,omitempty"`
	DownloadPath string `json:"download_path,omitempty"`

	PackFormat string `json:"pack_format,omitempty"`
	PackLevel  int    `json:"pack_level,omitempty"`

	Status      Stage  `json:"status,omitempty"`
	Stage       Stage  `json:"stage,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorReason string `json:"error_reason,omitempty"`

	PackedPath   string `json:"packed_path,omitempty"`
	PackedBytes  int64  `json:"packed_bytes,omitempty"`
	PackedFormat string `json:"packed_format,omitempty"`

	FinalPath  string `json:"final_path,omitempty"`
	FinalBytes int64  `json:"final_bytes,omitempty"`

	DownloadedBytes int64 `json:"downloaded_bytes,omitempty"`
	UploadBytes     int64 `json:"upload_bytes,omitempty"`
	TotalBytes      int64 `json:"total_bytes,omitempty"`

	CreatedAt           int64 `json:"created_at,omitempty"`
	DownloadStartedAt   int64 `json:"download_started_at,omitempty"`
	DownloadCompletedAt int64 `json:"download_completed_at,omitempty"`
	UploadCompletedAt   int64 `json:"upload_completed_at,omitempty"`
	MovedAt             int64 `json:"moved_at,omitempty"`

	// CallbackContext is opaque Manager-supplied data that must be
	// returned verbatim in the completion callback; it is the one
	// field whose unknown structure is preserved rather than typed.
	CallbackContext any `json:"callback_context,omitempty"`
}

// setStage assigns both Stage and Status (kept as synonyms) and
// reports whether the transition is monotonic. Error is always
// accepted, from any current stage, and no other stage replaces it.
func (m *Meta) setStage(s Stage) bool {
	if s == StageError {
		m.Stage, m.Status = s, s
		return true
	}
	if m.Stage == StageError {
		return false
	}
	if cur, ok := stageOrder[m.Stage]; ok {
		if next, ok2 := stageOrder[s]; ok2 && next < cur {
			return false
		}
	}
	m.Stage, m.Status = s, s
	return true
}

// Event is what a Subscriber receives when a job's observable state
// changes. Type is one of "stage", "progress", "complete", "error".
type Event struct {
	Type    string `json:"event"`
	Bytes   int64  `json:"bytes,omitempty"`
	Total   int64  `json:"total,omitempty"`
	Stage   Stage  `json:"stage,omitempty"`
	Status  Stage  `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Subscriber receives job events. Implementations (e.g. the progress
// WebSocket hub) must not block Send for long: the registry calls it
// while holding its single coarse lock.
type Subscriber interface {
	Send(Event)
}
