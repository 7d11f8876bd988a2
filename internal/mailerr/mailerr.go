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

// Package mailerr classifies failures of mail operations so that
// callers can decide between retrying, refreshing credentials, and
// recording a terminal error.
package mailerr

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
)

// Kind is the class of a failure.
type Kind int

const (
	// Unknown failures are treated like Protocol failures.
	Unknown Kind = iota

	// Connection failures are transient and retryable.
	Connection

	// Auth failures need a token refresh; retried once.
	Auth

	// Protocol failures are the provider rejecting an operation.
	// Terminal for the task.
	Protocol

	// LocalResource failures are missing cache files or rows.
	LocalResource

	// UserAction failures need a decision from the user.
	UserAction
)

func (k Kind) String() string {
	switch k {
	case Connection:
		return "connection"
	case Auth:
		return "auth"
	case Protocol:
		return "protocol"
	case LocalResource:
		return "local resource"
	case UserAction:
		return "user action required"
	}
	return "unknown"
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%v error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns err classified as kind.  A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns a new classified error with a formatted message.
func Errorf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or the
// kind inferred from the underlying cause when there is none.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return infer(err)
}

// IsConnection reports whether err is a transient connection failure.
func IsConnection(err error) bool {
	return KindOf(err) == Connection
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return KindOf(err) == Auth
}

// IsLocalResource reports whether err is a missing local resource.
func IsLocalResource(err error) bool {
	return KindOf(err) == LocalResource
}

// Classify wraps err with the kind inferred from its cause, unless err
// is already classified.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: infer(err), Op: op, Err: err}
}

func infer(err error) Kind {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return Auth
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return Connection
		}
		return Protocol
	}

	if errors.Is(err, os.ErrNotExist) {
		return LocalResource
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, client.ErrAlreadyLoggedOut) ||
		errors.Is(err, client.ErrNotLoggedIn) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return Connection
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return Connection
	}
	var rerr tls.RecordHeaderError
	if errors.As(err, &rerr) {
		return Connection
	}

	// go-imap reports server rejections as plain status text.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "authenticationfailed") ||
		strings.Contains(msg, "invalid credentials") {
		return Auth
	}
	return Unknown
}
