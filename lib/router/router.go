// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package router exposes an hpcinfer.API as a JSON-over-HTTP
// control-plane and data-plane API.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"git.arvados.org/hpcinfer.git/sdk/go/ctxlog"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"git.arvados.org/hpcinfer.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

type router struct {
	mux     *httprouter.Router
	backend hpcinfer.API
}

// New returns an http.Handler that routes requests to backend.
func New(backend hpcinfer.API) http.Handler {
	rtr := &router{
		mux:     httprouter.New(),
		backend: backend,
	}
	rtr.addRoutes()
	return rtr
}

func (rtr *router) addRoutes() {
	for _, route := range []struct {
		endpoint    hpcinfer.APIEndpoint
		defaultOpts func() interface{}
		exec        func(ctx context.Context, opts interface{}) (interface{}, error)
	}{
		{
			hpcinfer.EndpointServiceStart,
			func() interface{} { return &hpcinfer.StartOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.StartService(ctx, *opts.(*hpcinfer.StartOptions))
			},
		},
		{
			hpcinfer.EndpointServiceList,
			func() interface{} { return &hpcinfer.ListOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.ListServices(ctx, *opts.(*hpcinfer.ListOptions))
			},
		},
		{
			hpcinfer.EndpointServiceGet,
			func() interface{} { return &hpcinfer.GetOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.GetService(ctx, *opts.(*hpcinfer.GetOptions))
			},
		},
		{
			hpcinfer.EndpointServiceStatus,
			func() interface{} { return &hpcinfer.GetOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.GetServiceStatus(ctx, *opts.(*hpcinfer.GetOptions))
			},
		},
		{
			hpcinfer.EndpointServiceStop,
			func() interface{} { return &hpcinfer.GetOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.StopService(ctx, *opts.(*hpcinfer.GetOptions))
			},
		},
		{
			hpcinfer.EndpointServiceDelete,
			func() interface{} { return &hpcinfer.GetOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.DeleteService(ctx, *opts.(*hpcinfer.GetOptions))
			},
		},
		{
			hpcinfer.EndpointServiceRegister,
			func() interface{} { return &hpcinfer.RegisterOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.RegisterService(ctx, *opts.(*hpcinfer.RegisterOptions))
			},
		},
		{
			hpcinfer.EndpointGroupList,
			func() interface{} { return &hpcinfer.ListOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.ListServiceGroups(ctx, *opts.(*hpcinfer.ListOptions))
			},
		},
		{
			hpcinfer.EndpointGroupGet,
			func() interface{} { return &hpcinfer.GetOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.GetServiceGroup(ctx, *opts.(*hpcinfer.GetOptions))
			},
		},
		{
			hpcinfer.EndpointGroupStatus,
			func() interface{} { return &hpcinfer.GetOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.GetServiceGroupStatus(ctx, *opts.(*hpcinfer.GetOptions))
			},
		},
		{
			hpcinfer.EndpointGroupStop,
			func() interface{} { return &hpcinfer.GetOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.StopServiceGroup(ctx, *opts.(*hpcinfer.GetOptions))
			},
		},
		{
			hpcinfer.EndpointGroupDelete,
			func() interface{} { return &hpcinfer.GetOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.DeleteServiceGroup(ctx, *opts.(*hpcinfer.GetOptions))
			},
		},
		{
			hpcinfer.EndpointJobDetails,
			func() interface{} { return &hpcinfer.GetOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.GetJobDetails(ctx, *opts.(*hpcinfer.GetOptions))
			},
		},
		{
			hpcinfer.EndpointCompletion,
			func() interface{} { return &hpcinfer.CompletionRequest{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.ForwardCompletion(ctx, *opts.(*hpcinfer.CompletionRequest))
			},
		},
		{
			hpcinfer.EndpointMetrics,
			func() interface{} { return &hpcinfer.MetricsOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.GetMetrics(ctx, *opts.(*hpcinfer.MetricsOptions))
			},
		},
		{
			hpcinfer.EndpointLoadBalancerConfigure,
			func() interface{} { return &hpcinfer.LoadBalancerOptions{} },
			func(ctx context.Context, opts interface{}) (interface{}, error) {
				return rtr.backend.ConfigureLoadBalancer(ctx, *opts.(*hpcinfer.LoadBalancerOptions))
			},
		},
	} {
		route := route
		rtr.mux.HandlerFunc(route.endpoint.Method, "/"+route.endpoint.Path, func(w http.ResponseWriter, req *http.Request) {
			logger := ctxlog.FromContext(req.Context())
			params, err := rtr.loadRequestParams(req)
			if err != nil {
				logger.WithField("route", route.endpoint).WithError(err).Debug("error loading request params")
				httpserver.SendError(w, err)
				return
			}
			opts := route.defaultOpts()
			err = transcode(params, opts)
			if err != nil {
				logger.WithField("params", params).WithError(err).Debugf("error transcoding params to %T", opts)
				httpserver.SendError(w, hpcinfer.Errorf(hpcinfer.KindValidationError, "%s", err))
				return
			}
			logger.WithFields(logrus.Fields{
				"apiEndpoint": route.endpoint,
				"apiOptsType": fmt.Sprintf("%T", opts),
			}).Debug("exec")
			resp, err := route.exec(req.Context(), opts)
			if err != nil {
				logger.WithError(err).Debugf("returning error kind %s", hpcinfer.KindOf(err))
				httpserver.SendError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		})
	}
	rtr.mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		httpserver.Error(w, hpcinfer.KindNotFound, "API endpoint not found", http.StatusNotFound)
	})
	rtr.mux.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		httpserver.Error(w, hpcinfer.KindValidationError, "method not allowed", http.StatusMethodNotAllowed)
	})
}

func (rtr *router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rtr.mux.ServeHTTP(w, r)
}
