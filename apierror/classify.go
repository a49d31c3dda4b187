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

package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIVersionHeader is the response header carrying the API compatibility
// date the server used to shape its response.
const APIVersionHeader = "X-Supabase-Api-Version"

// apiVersion20240101 is the date from which the auth service reports error
// codes in the top level "code" field instead of "error_code".
var apiVersion20240101 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// retryableStatus reports whether an HTTP status indicates a transient
// gateway failure rather than a definitive answer.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// FromResponse classifies an auth service response. It returns nil for
// success statuses, RetryableError for gateway failures, a structured error
// for JSON bodies and UnknownError for everything else. The response body
// must already be read into body; resp.Body is not touched.
func FromResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	if retryableStatus(resp.StatusCode) {
		return &RetryableError{Status: resp.StatusCode}
	}

	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return &UnknownError{
			Message: nonJSONMessage(resp.StatusCode, body),
			Status:  resp.StatusCode,
			Err:     err,
		}
	}

	message := firstString(data, "msg", "message", "error_description", "error")
	if message == "" {
		message = string(body)
	}

	code := errorCode(resp, data)
	switch code {
	case CodeWeakPassword:
		return &WeakPasswordError{
			Message: message,
			Status:  resp.StatusCode,
			Reasons: weakPasswordReasons(data),
		}
	case CodeSessionNotFound:
		return &SessionMissingError{}
	case "":
		// Older servers report weak passwords without a code. The
		// reasons list is the only reliable marker.
		if reasons := weakPasswordReasons(data); len(reasons) > 0 {
			return &WeakPasswordError{
				Message: message,
				Status:  resp.StatusCode,
				Reasons: reasons,
			}
		}
	}
	return &APIError{Message: message, Status: resp.StatusCode, Code: code}
}

// FromTransportError classifies an error returned by the HTTP transport
// itself. Context cancellation and deadlines pass through unchanged so
// callers can distinguish their own aborts from network trouble; everything
// else becomes retryable.
func FromTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &RetryableError{Err: err}
}

// IsRelayResponse reports whether the edge runtime relay flagged the
// response as its own failure.
func IsRelayResponse(resp *http.Response) bool {
	return strings.EqualFold(resp.Header.Get("x-relay-error"), "true")
}

// FromFunctionsResponse classifies an edge function invocation response:
// relay failures first, then plain non-2xx statuses.
func FromFunctionsResponse(resp *http.Response, body []byte) error {
	if IsRelayResponse(resp) {
		message := firstString(jsonBody(body), "message", "msg", "error")
		if message == "" {
			message = strings.TrimSpace(string(body))
		}
		if message == "" {
			message = "edge function relay error"
		}
		return &RelayError{Message: message, Status: resp.StatusCode}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if retryableStatus(resp.StatusCode) {
			return &RetryableError{Status: resp.StatusCode}
		}
		return &APIError{
			Message: "edge function returned a non-2xx status code",
			Status:  resp.StatusCode,
		}
	}
	return nil
}

// FromPostgrestResponse classifies a PostgREST response body of the shape
// {message, details, hint, code}.
func FromPostgrestResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	if retryableStatus(resp.StatusCode) {
		return &RetryableError{Status: resp.StatusCode}
	}
	var data struct {
		Message string `json:"message"`
		Details string `json:"details"`
		Hint    string `json:"hint"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return &UnknownError{
			Message: nonJSONMessage(resp.StatusCode, body),
			Status:  resp.StatusCode,
			Err:     err,
		}
	}
	return &APIError{
		Message: data.Message,
		Status:  resp.StatusCode,
		Code:    data.Code,
		Details: data.Details,
		Hint:    data.Hint,
	}
}

// FromStorageResponse classifies a storage service response body of the
// shape {statusCode, error, message}.
func FromStorageResponse(resp *http.Response, body []byte) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	if retryableStatus(resp.StatusCode) {
		return &RetryableError{Status: resp.StatusCode}
	}
	data := jsonBody(body)
	if data == nil {
		return &UnknownError{
			Message: nonJSONMessage(resp.StatusCode, body),
			Status:  resp.StatusCode,
		}
	}
	message := firstString(data, "message", "msg", "error")
	if message == "" {
		message = string(body)
	}
	code := firstString(data, "statusCode", "code", "error")
	if code == "" {
		code = strconv.Itoa(resp.StatusCode)
	}
	return &APIError{Message: message, Status: resp.StatusCode, Code: code}
}

// errorCode extracts the machine readable code honoring the response's API
// version: 2024-01-01 and later use "code", older servers "error_code".
func errorCode(resp *http.Response, data map[string]any) string {
	if !responseAPIVersion(resp).Before(apiVersion20240101) {
		if code, ok := data["code"].(string); ok {
			return code
		}
		return ""
	}
	if code, ok := data["error_code"].(string); ok {
		return code
	}
	return ""
}

// responseAPIVersion parses the API version date header, returning the zero
// time when absent or malformed.
func responseAPIVersion(resp *http.Response) time.Time {
	raw := resp.Header.Get(APIVersionHeader)
	if raw == "" {
		return time.Time{}
	}
	v, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}
	}
	return v
}

func weakPasswordReasons(data map[string]any) []string {
	wp, ok := data["weak_password"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := wp["reasons"].([]any)
	if !ok {
		return nil
	}
	reasons := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok && s != "" {
			reasons = append(reasons, s)
		}
	}
	return reasons
}

func jsonBody(body []byte) map[string]any {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return nil
	}
	return data
}

// firstString returns the first of the named keys holding a non-empty
// string value.
func firstString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := data[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func nonJSONMessage(status int, body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 120 {
		text = text[:120]
	}
	if text == "" {
		return fmt.Sprintf("request failed with status %d", status)
	}
	return fmt.Sprintf("request failed with status %d: %s", status, text)
}
