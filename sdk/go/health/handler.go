// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves the management health-check endpoints and
// probes data-plane inference endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func(context.Context) error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler responds to authenticated health-check requests at
// "{Prefix}{name}" with {"health":"OK"}, or a 503 response with
// {"health":"ERROR","error":"error text"}.
//
// Fields of a Handler must not be changed after it is first used.
type Handler struct {
	setupOnce sync.Once
	router    *httprouter.Router

	// Management token. If empty, all requests return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Health checks by name. "ping" is added automatically, and
	// always reports healthy, unless it is listed here.
	Routes Routes

	// If non-nil, Log is called after each request. The error
	// argument is nil if the request was authenticated and served,
	// even if the check itself failed.
	Log func(*http.Request, error)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.router.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.router = httprouter.New()
	h.router.RedirectTrailingSlash = false
	h.router.RedirectFixedPath = false
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	routes := Routes{"ping": func(context.Context) error { return nil }}
	for name, fn := range h.Routes {
		routes[name] = fn
	}
	for name, fn := range routes {
		h.router.Handler(http.MethodGet, prefix+name, h.healthJSON(fn))
	}
}

var (
	healthyBody     = []byte(`{"health":"OK"}` + "\n")
	errNotFound     = errors.New(http.StatusText(http.StatusNotFound))
	errUnauthorized = errors.New(http.StatusText(http.StatusUnauthorized))
	errForbidden    = errors.New(http.StatusText(http.StatusForbidden))
)

func (h *Handler) healthJSON(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer func() {
			if h.Log != nil {
				h.Log(r, err)
			}
		}()
		if h.Token == "" {
			http.Error(w, "disabled", http.StatusNotFound)
			err = errNotFound
			return
		}
		switch ah := r.Header.Get("Authorization"); {
		case ah == "":
			http.Error(w, "authorization required", http.StatusUnauthorized)
			err = errUnauthorized
		case ah != "Bearer "+h.Token:
			http.Error(w, "authorization error", http.StatusForbidden)
			err = errForbidden
		default:
			w.Header().Set("Content-Type", "application/json")
			if cerr := fn(r.Context()); cerr == nil {
				w.Write(healthyBody)
			} else {
				w.WriteHeader(http.StatusServiceUnavailable)
				err = json.NewEncoder(w).Encode(map[string]string{
					"health": "ERROR",
					"error":  cerr.Error(),
				})
			}
		}
	})
}
