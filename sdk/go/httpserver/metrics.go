// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"strings"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/gogo/protobuf/jsonpb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler

	// Returns an http.Handler that serves the Handler's metrics
	// data at /metrics and /metrics.json, and passes other
	// requests through to next.
	ServeAPI(token string, next http.Handler) http.Handler
}

type metrics struct {
	next         http.Handler
	logger       *logrus.Logger
	registry     *prometheus.Registry
	timeToStatus *prometheus.SummaryVec
	errors       *prometheus.CounterVec
	exportProm   http.Handler
}

func (*metrics) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel}
}

// Fire implements logrus.Hook in order to collect data points from
// the "response" entries written by LogRequests.
func (m *metrics) Fire(ent *logrus.Entry) error {
	code, ok := ent.Data["respStatusCode"].(int)
	if !ok {
		return nil
	}
	if kind, ok := ent.Data["respErrorKind"].(hpcinfer.ErrorKind); ok {
		m.errors.WithLabelValues(string(kind)).Inc()
	}
	if tts, ok := ent.Data["timeToStatus"].(float64); !ok {
	} else if method, ok := ent.Data["reqMethod"].(string); ok {
		m.timeToStatus.WithLabelValues(strconv.Itoa(code), strings.ToLower(method)).Observe(tts)
	}
	return nil
}

func (m *metrics) exportJSON(w http.ResponseWriter, req *http.Request) {
	jm := jsonpb.Marshaler{Indent: "  "}
	mfs, _ := m.registry.Gather()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte{'['})
	for i, mf := range mfs {
		if i > 0 {
			w.Write([]byte{','})
		}
		jm.Marshal(w, mf)
	}
	w.Write([]byte{']'})
}

// ServeHTTP implements http.Handler.
func (m *metrics) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	m.next.ServeHTTP(w, req)
}

// ServeAPI returns a new http.Handler that serves current data at
// "GET /metrics" and "GET /metrics.json", and passes other requests
// through to next.
//
// If token is not empty, clients must supply it as a bearer token to
// read metrics.
func (m *metrics) ServeAPI(token string, next http.Handler) http.Handler {
	jsonMetrics := requireToken(token, http.HandlerFunc(m.exportJSON))
	plainMetrics := requireToken(token, m.exportProm)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Method != "GET" && req.Method != "HEAD":
			next.ServeHTTP(w, req)
		case req.URL.Path == "/metrics.json":
			jsonMetrics.ServeHTTP(w, req)
		case req.URL.Path == "/metrics":
			plainMetrics.ServeHTTP(w, req)
		default:
			next.ServeHTTP(w, req)
		}
	})
}

func requireToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Instrument returns a new Handler that passes requests through to
// the next handler in the stack, and tracks request durations.
//
// The time_to_status and api_errors metrics are collected from the
// "response" entries written by LogRequests, so every request passed to the Handler
// should also pass through LogRequests(logger, ...).
//
// If registry is nil, a new registry is created. If logger is nil,
// logrus.StandardLogger() is used.
func Instrument(registry *prometheus.Registry, logger *logrus.Logger, next http.Handler) Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "hpcinfer",
		Name:      "request_duration_seconds",
		Help:      "Summary of API request duration.",
	}, []string{"code", "method"})
	timeToStatus := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "hpcinfer",
		Name:      "time_to_status_seconds",
		Help:      "Summary of API request TTFB.",
	}, []string{"code", "method"})
	apiErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hpcinfer",
		Name:      "api_errors_total",
		Help:      "Number of API error responses, by error kind.",
	}, []string{"kind"})
	registry.MustRegister(timeToStatus)
	registry.MustRegister(reqDuration)
	registry.MustRegister(apiErrors)
	m := &metrics{
		next:         promhttp.InstrumentHandlerDuration(reqDuration, next),
		logger:       logger,
		registry:     registry,
		timeToStatus: timeToStatus,
		errors:       apiErrors,
		exportProm: promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			ErrorLog: logger,
		}),
	}
	m.logger.AddHook(m)
	return m
}
