/*
Copyright 2014 The Camlistore Authors

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

import "net/http"

// CORS wraps h, allowing cross-origin requests from any origin. The
// transfer API is consumed directly by browser-hosted mod managers,
// so this is permissive by design rather than allowlisted. OPTIONS is
// answered 200 without reaching h.
func CORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-File-Name")
		rw.Header().Set("Access-Control-Expose-Headers", "Content-Type, Content-Disposition")
		if req.Method == http.MethodOptions {
			rw.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(rw, req)
	})
}
