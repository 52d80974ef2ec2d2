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

// ErrTimeout is returned by idleTimeoutReader when no data arrives
// within the configured idle window. spec.md §5 mandates a read-idle
// timeout for the outbound download but leaves the value to
// configuration; this is the one place it's enforced.
var ErrTimeout = errors.New("transfer: timeout")

// idleTimeoutReader wraps r so that Read fails with ErrTimeout if no
// data (and no terminal error) arrives within timeout. The underlying
// Read keeps running in its own goroutine after a timeout fires; it is
// expected to unblock once the caller closes the real connection
// (e.g. resp.Body.Close()), since plain io.Reader has no cancellation
// signal of its own.
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
}

type readResult struct {
	n   int
	err error
}

func (ir *idleTimeoutReader) Read(p []byte) (int, error) {
	if ir.timeout <= 0 {
		return ir.r.Read(p)
	}
	ch := make(chan readResult, 1)
	go func() {
		n, err := ir.r.Read(p)
		ch <- readResult{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(ir.timeout):
		return 0, ErrTimeout
	}
}
