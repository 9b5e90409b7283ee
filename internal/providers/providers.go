// Package providers adapts model SDKs (OpenAI-compatible, Anthropic, and
// a scripted mock) to the engine's ModelAPI contract. Each adapter maps
// provider-agnostic messages, tools, and configs to its SDK's wire types
// and classifies SDK errors for the retry loop.
package providers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// apiError wraps an SDK error with the HTTP status and Retry-After hint
// the retry loop keys on.
type apiError struct {
	err        error
	status     int
	retryAfter time.Duration
}

func (e *apiError) Error() string { return e.err.Error() }

func (e *apiError) Unwrap() error { return e.err }

// RetryAfter surfaces the provider's backoff hint to the retry loop.
func (e *apiError) RetryAfter() time.Duration { return e.retryAfter }

func wrapAPIError(err error, status int) error {
	if err == nil {
		return nil
	}
	if status == 0 {
		status = statusFromMessage(err.Error())
	}
	return &apiError{
		err:        err,
		status:     status,
		retryAfter: retryAfterFromMessage(err.Error()),
	}
}

// retryableStatus classifies transient failures: rate limits and server
// errors retry, everything else surfaces immediately.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func authStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// statusFromMessage is a fallback for SDK errors that don't expose a
// typed status code.
func statusFromMessage(msg string) int {
	for _, code := range []int{429, 500, 502, 503, 504, 401, 403, 400} {
		if strings.Contains(msg, strconv.Itoa(code)) {
			return code
		}
	}
	return 0
}

// retryAfterFromMessage parses a Retry-After hint out of an error string,
// in seconds.
func retryAfterFromMessage(msg string) time.Duration {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"retry-after:", "retry after"} {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		fields := strings.Fields(lower[idx+len(marker):])
		if len(fields) == 0 {
			continue
		}
		if secs, err := strconv.Atoi(strings.Trim(fields[0], ".,;")); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func errStatus(err error) int {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.status
	}
	return 0
}

// parseDataURI splits a data: URI into media type and base64 payload.
func parseDataURI(uri string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(uri, "data:") {
		return "", "", false
	}
	rest := uri[len("data:"):]
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return "", "", false
	}
	return rest[:semi], rest[semi+len(";base64,"):], true
}
