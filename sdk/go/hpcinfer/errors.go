// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpcinfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures reported by API operations.
type ErrorKind string

const (
	KindNotFound          = ErrorKind("not_found")
	KindTransportFailure  = ErrorKind("transport_failure")
	KindUpstreamError     = ErrorKind("upstream_error")
	KindNoHealthyBackends = ErrorKind("no_healthy_backends")
	KindValidationError   = ErrorKind("validation_error")
	KindTimeout           = ErrorKind("timeout")
	KindInternal          = ErrorKind("internal_error")
)

var kindStatus = map[ErrorKind]int{
	KindNotFound:          http.StatusNotFound,
	KindTransportFailure:  http.StatusBadGateway,
	KindUpstreamError:     http.StatusBadGateway,
	KindNoHealthyBackends: http.StatusServiceUnavailable,
	KindValidationError:   http.StatusBadRequest,
	KindTimeout:           http.StatusGatewayTimeout,
	KindInternal:          http.StatusInternalServerError,
}

// Error is the error type returned by API operations. Status and
// Body are populated for errors relayed from a remote peer.
type Error struct {
	Kind    ErrorKind
	Message string
	Status  int
	Body    []byte
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (remote status %d): %s", e.Kind, e.Status, e.Message)
	}
	return string(e.Kind) + ": " + e.Message
}

// HTTPStatus implements httpserver.HTTPStatusError.
func (e *Error) HTTPStatus() int {
	if code, ok := kindStatus[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Is reports whether target is an *Error of the same kind, so
// errors.Is(err, ErrNotFound) works on any not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrTransportFailure  = &Error{Kind: KindTransportFailure}
	ErrUpstream          = &Error{Kind: KindUpstreamError}
	ErrNoHealthyBackends = &Error{Kind: KindNoHealthyBackends, Message: "no healthy backends"}
	ErrValidation        = &Error{Kind: KindValidationError}
	ErrTimeout           = &Error{Kind: KindTimeout}
)

// Errorf returns an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, treating context deadline errors
// as timeouts and anything unrecognized as internal.
func KindOf(err error) ErrorKind {
	var e *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &e):
		return e.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}

// AsError converts err to an *Error, preserving its kind if it
// already has one.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindOf(err), Message: err.Error()}
}

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Status  string    `json:"status"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewErrorResponse returns the response body that represents err.
func NewErrorResponse(err error) ErrorResponse {
	e := AsError(err)
	return ErrorResponse{Status: "error", Kind: e.Kind, Message: e.Message}
}
