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
	"errors"
	"io"
	"time"
)

const (
	chunkSize          = 256 << 10
	progressMinPeriod  = 250 * time.Millisecond
	logPercentStep     = 10
	logBytesStepNoSize = 50 << 20
)

// ErrSizeLimit is returned by copyChunks when the stream exceeds the
// configured max_bytes cap.
var ErrSizeLimit = errors.New("transfer: size_limit")

// chunkProgress is invoked after each chunk is written, at most once
// per progressMinPeriod, plus unconditionally on the final chunk.
type chunkProgress func(written, total int64)

// chunkLogger is invoked at the 10%-or-50MiB cadence described in
// spec.md §4.6.1 step 4; it's a plain function so callers can route it
// through zerolog with whatever fields (job_id, stage) apply.
type chunkLogger func(written, total int64)

// copyChunks streams src into dst in chunkSize pieces, calling
// onProgress at most once every progressMinPeriod (and once more at
// EOF) and onLog at the 10%-of-total (or every logBytesStepNoSize when
// total is unknown) cadence. It enforces maxBytes if positive,
// returning ErrSizeLimit the instant the cap would be exceeded — the
// over-limit bytes are never written. total <= 0 means "unknown";
// progress/logging then uses the no-total cadence.
func copyChunks(dst io.Writer, src io.Reader, total, maxBytes int64, onProgress chunkProgress, onLog chunkLogger) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	var lastProgress time.Time
	var lastLogThreshold int64

	report := func(force bool) {
		if force || time.Since(lastProgress) >= progressMinPeriod {
			lastProgress = time.Now()
			if onProgress != nil {
				onProgress(written, total)
			}
		}
	}

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if maxBytes > 0 && written+int64(n) > maxBytes {
				return written, ErrSizeLimit
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			report(false)

			if onLog != nil {
				if total > 0 {
					step := total * logPercentStep / 100
					if step > 0 && written-lastLogThreshold >= step {
						lastLogThreshold = written
						onLog(written, total)
					}
				} else if written-lastLogThreshold >= logBytesStepNoSize {
					lastLogThreshold = written
					onLog(written, total)
				}
			}
		}
		if rerr == io.EOF {
			report(true)
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
