// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracehttp dumps HTTP traffic to the log for debugging the
// Gmail API and OAuth 2.0 token exchanges.
package tracehttp

import (
	"log"
	"net/http"
	"net/http/httputil"
)

// Headers whose values are replaced in dumps.
var redacted = []string{"Authorization", "Cookie", "Set-Cookie"}

// traceTransport is an http.RoundTripper that logs the request and
// response while delegating the real work to another
// http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	body     bool
}

// RoundTrip logs a dump of the request and response while delegating
// the round trip to the delegate.  Credentials are redacted from the
// dump only; the delegate sees the original request.
func (t *traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	shown := req.Clone(req.Context())
	redact(shown.Header)
	withBody := false
	if t.body && req.Body != nil && req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			shown.Body = body
			withBody = true
		}
	}
	if dump, err := httputil.DumpRequestOut(shown, withBody); err == nil {
		log.Printf("http request:\n%s", dump)
	}

	resp, err := t.delegate.RoundTrip(req)
	if err != nil {
		log.Printf("http %s %s failed: %v", req.Method, req.URL, err)
		return nil, err
	}
	saved := resp.Header
	resp.Header = saved.Clone()
	redact(resp.Header)
	dump, dumpErr := httputil.DumpResponse(resp, t.body)
	resp.Header = saved
	if dumpErr == nil {
		log.Printf("http response:\n%s", dump)
	}
	return resp, nil
}

func redact(h http.Header) {
	for _, k := range redacted {
		if h.Get(k) != "" {
			h.Set(k, "REDACTED")
		}
	}
}

// Wrap returns a RoundTripper tracing d.  When body is true request
// and response bodies are included in the dump.
func Wrap(d http.RoundTripper, body bool) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, body: body}
}
