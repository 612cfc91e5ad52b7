// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"git.arvados.org/hpcinfer.git/sdk/go/ctxlog"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/sirupsen/logrus"
)

type contextKey struct {
	name string
}

var requestTimeContextKey = contextKey{"requestTime"}

// Error response bodies are logged up to this size.
const sniffBytes = 1024

// LogRequests wraps an http.Handler, logging each request and
// response via logger. The per-request logger is attached to the
// request context, see ctxlog.FromContext.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseRecorder{ResponseWriter: wrapped}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get(RequestIDHeader),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path[1:],
			"reqQuery":        req.URL.RawQuery,
			"reqBytes":        req.ContentLength,
		})
		ctx := context.WithValue(req.Context(), &requestTimeContextKey, time.Now())
		req = req.WithContext(ctxlog.Context(ctx, lgr))

		lgr.Info("request")
		defer logResponse(w, req, lgr)
		h.ServeHTTP(w, req)
	})
}

func logResponse(w *responseRecorder, req *http.Request, lgr *logrus.Entry) {
	if tStart, ok := req.Context().Value(&requestTimeContextKey).(time.Time); ok {
		tDone := time.Now()
		writeTime := w.writeTime
		if w.status == 0 {
			// Empty response body. Header was sent when
			// handler exited.
			writeTime = tDone
		}
		lgr = lgr.WithFields(logrus.Fields{
			"timeTotal":     tDone.Sub(tStart).Seconds(),
			"timeToStatus":  writeTime.Sub(tStart).Seconds(),
			"timeWriteBody": tDone.Sub(writeTime).Seconds(),
		})
	}
	code := w.status
	if code == 0 {
		code = http.StatusOK
	}
	fields := logrus.Fields{
		"respStatusCode": code,
		"respStatus":     http.StatusText(code),
		"respBytes":      w.bytes,
	}
	if code >= 400 {
		fields["respBody"] = string(w.sniffed)
		var er hpcinfer.ErrorResponse
		if json.Unmarshal(w.sniffed, &er) == nil && er.Kind != "" {
			fields["respErrorKind"] = er.Kind
		}
	}
	lgr.WithFields(fields).Info("response")
}

// responseRecorder notes the status, size, and timing of a response,
// and keeps the start of an error response body for the log.
type responseRecorder struct {
	http.ResponseWriter
	status    int
	bytes     int
	writeTime time.Time
	sniffed   []byte
}

func (w *responseRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
		w.writeTime = time.Now()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	if w.status >= 400 && len(w.sniffed) < sniffBytes {
		n := sniffBytes - len(w.sniffed)
		if n > len(p) {
			n = len(p)
		}
		w.sniffed = append(w.sniffed, p[:n]...)
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *responseRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
