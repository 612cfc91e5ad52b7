// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
)

type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// Errorf returns an error whose HTTPStatus method returns status.
func Errorf(status int, tmpl string, args ...interface{}) error {
	return errorWithStatus{fmt.Errorf(tmpl, args...), status}
}

type errorWithStatus struct {
	error
	Status int
}

func (ews errorWithStatus) HTTPStatus() int {
	return ews.Status
}

// Error writes a JSON error response with the given message, kind,
// and status code.
func Error(w http.ResponseWriter, kind hpcinfer.ErrorKind, message string, code int) {
	writeJSONError(w, hpcinfer.ErrorResponse{Status: "error", Kind: kind, Message: message}, code)
}

// SendError writes err as a JSON error response. The status code
// comes from err's HTTPStatus method if it has one.
func SendError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if err, ok := err.(HTTPStatusError); ok {
		code = err.HTTPStatus()
	} else if e := hpcinfer.AsError(err); e.Kind != hpcinfer.KindInternal {
		code = e.HTTPStatus()
	}
	writeJSONError(w, hpcinfer.NewErrorResponse(err), code)
}

func writeJSONError(w http.ResponseWriter, resp hpcinfer.ErrorResponse, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
