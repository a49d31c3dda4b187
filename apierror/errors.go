/*
Copyright 2025 Gravitational, Inc.

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

// Package apierror defines the error taxonomy shared by the Supabase service
// clients and the classifier that maps HTTP responses onto it.
//
// Errors returned by the service clients are wrapped with
// github.com/gravitational/trace for stack context; the concrete types below
// remain reachable through errors.As and errors.Is.
package apierror

import (
	"errors"
	"fmt"
	"time"
)

// Error codes returned by the auth service under the 2024-01-01 API version.
const (
	// CodeWeakPassword marks passwords rejected by strength policy.
	CodeWeakPassword = "weak_password"
	// CodeSessionNotFound marks requests referencing a session the server
	// no longer knows about.
	CodeSessionNotFound = "session_not_found"
	// CodeValidationFailed marks malformed requests.
	CodeValidationFailed = "validation_failed"
)

// APIError is an error response the platform produced deliberately: the
// request reached the service and was rejected with a structured JSON body.
type APIError struct {
	// Message is the human readable error description from the body.
	Message string
	// Status is the HTTP status code of the response.
	Status int
	// Code is the stable machine readable error code, when the service
	// provided one.
	Code string
	// Details carries additional context, populated by PostgREST errors.
	Details string
	// Hint suggests how to fix the request, populated by PostgREST errors.
	Hint string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d: %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// RetryableError is a transient failure: the request never produced a usable
// response (network failure, or a 502/503/504 from an intermediary) and may
// succeed if repeated.
type RetryableError struct {
	// Status is the HTTP status code when a response was received, zero
	// for pure transport failures.
	Status int
	// Err is the underlying transport error, if any.
	Err error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request failed, retry may succeed: %v", e.Err)
	}
	return fmt.Sprintf("request failed with status %d, retry may succeed", e.Status)
}

// Unwrap returns the underlying transport error.
func (e *RetryableError) Unwrap() error { return e.Err }

// UnknownError is a failure response whose body could not be interpreted,
// typically HTML or plain text from a proxy.
type UnknownError struct {
	// Message describes the failure.
	Message string
	// Status is the HTTP status code of the response.
	Status int
	// Err is the underlying decode error, if any.
	Err error
}

// Error implements the error interface.
func (e *UnknownError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// Unwrap returns the underlying decode error.
func (e *UnknownError) Unwrap() error { return e.Err }

// SessionMissingError is returned by operations that require a signed-in
// session when none is available.
type SessionMissingError struct{}

// Error implements the error interface.
func (e *SessionMissingError) Error() string { return "auth session missing" }

// IsSessionMissing reports whether err indicates an absent session.
func IsSessionMissing(err error) bool {
	var sm *SessionMissingError
	return errors.As(err, &sm)
}

// InvalidTokenResponseError is returned when a token endpoint replied with a
// success status but the body did not contain a usable session.
type InvalidTokenResponseError struct{}

// Error implements the error interface.
func (e *InvalidTokenResponseError) Error() string {
	return "token endpoint returned a malformed session"
}

// InvalidCredentialsError is returned when a sign-in call is missing the
// credential material it needs, before any request is made.
type InvalidCredentialsError struct {
	// Message names the missing or conflicting credentials.
	Message string
}

// Error implements the error interface.
func (e *InvalidCredentialsError) Error() string { return e.Message }

// WeakPasswordError is returned when the platform rejects a password that
// does not meet the project's strength policy.
type WeakPasswordError struct {
	// Message is the server's description of the rejection.
	Message string
	// Status is the HTTP status code of the response.
	Status int
	// Reasons lists the individual policy violations, such as "length"
	// or "characters".
	Reasons []string
}

// Error implements the error interface.
func (e *WeakPasswordError) Error() string { return e.Message }

// PKCEGrantCodeExchangeError is returned when an authorization code exchange
// cannot proceed, for example because no code verifier was stored for the
// flow.
type PKCEGrantCodeExchangeError struct {
	// Message describes why the exchange failed.
	Message string
}

// Error implements the error interface.
func (e *PKCEGrantCodeExchangeError) Error() string { return e.Message }

// LockTimeoutError is returned when an exclusive lock could not be acquired
// within the caller's deadline.
type LockTimeoutError struct {
	// Name identifies the lock.
	Name string
	// Timeout is the wait budget that elapsed. Zero means the acquisition
	// was attempted without waiting.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring lock %q after %v", e.Name, e.Timeout)
}

// RelayError is returned when the edge function relay failed before or after
// user code ran, signalled by the x-relay-error response header.
type RelayError struct {
	// Message is the relay's error description.
	Message string
	// Status is the HTTP status code of the response.
	Status int
}

// Error implements the error interface.
func (e *RelayError) Error() string { return e.Message }

// IsRetryable reports whether err is, or wraps, a transient failure worth
// retrying.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// AsAPIError extracts the structured platform error from err, unwrapping as
// needed.
func AsAPIError(err error) (*APIError, bool) {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
