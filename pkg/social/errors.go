// Copyright 2024-2026 Aiku AI

package social

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Error classes. Every error returned by a Client either wraps one of these
// or is unexpected.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
	ErrServer       = errors.New("server error")
	ErrNetwork      = errors.New("network error")
	ErrNotFound     = errors.New("not found")
)

// APIError is a non-2xx response from an instance.
type APIError struct {
	StatusCode int
	Message    string
	class      error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return e.class
}

// IsTransient reports whether err is worth retrying on the next sweep.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrServer) || errors.Is(err, ErrRateLimited)
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= 500:
		return ErrServer
	default:
		return nil
	}
}

const maxErrorBody = 64 << 10

func newAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, class: classifyStatus(resp.StatusCode)}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		if payload.Description != "" {
			apiErr.Message += ": " + payload.Description
		}
	} else {
		apiErr.Message = strings.TrimSpace(http.StatusText(resp.StatusCode))
	}
	return apiErr
}
