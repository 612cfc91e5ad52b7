// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
)

// A Doer sends one API request and returns the response body, or
// an error carrying the remote error kind. *Transport is a Doer.
type Doer interface {
	Do(ctx context.Context, method, path string, body []byte) ([]byte, error)
}

// Conn implements hpcinfer.API by relaying every call to a remote
// orchestrator or control plane through a Doer.
type Conn struct {
	doer Doer
}

var _ hpcinfer.API = (*Conn)(nil)

func NewConn(d Doer) *Conn {
	return &Conn{doer: d}
}

func (conn *Conn) requestAndDecode(ctx context.Context, dst interface{}, ep hpcinfer.APIEndpoint, opts interface{}) error {
	// Encode opts to JSON and decode from there to a
	// map[string]interface{}, so we can move the ID into the
	// path using the JSON key names specified by opts' struct
	// tags.
	j, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("%T: requestAndDecode: Marshal opts: %s", conn, err)
	}
	var params map[string]interface{}
	err = json.Unmarshal(j, &params)
	if err != nil {
		return fmt.Errorf("%T: requestAndDecode: Unmarshal opts: %s", conn, err)
	}
	path := ep.Path
	if strings.Contains(path, "/:id") {
		id, _ := params["id"].(string)
		if id == "" {
			return hpcinfer.Errorf(hpcinfer.KindValidationError, "%s %s: id must not be empty", ep.Method, ep.Path)
		}
		path = strings.Replace(path, "/:id", "/"+url.PathEscape(id), 1)
		delete(params, "id")
	}
	var body []byte
	if ep.Method == "GET" || ep.Method == "DELETE" {
		if q := query(params); q != "" {
			path += "?" + q
		}
	} else {
		if params == nil {
			params = map[string]interface{}{}
		}
		body, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%T: requestAndDecode: Marshal body: %s", conn, err)
		}
	}
	resp, err := conn.doer.Do(ctx, ep.Method, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp, dst); err != nil {
		return hpcinfer.Errorf(hpcinfer.KindUpstreamError, "%s %s: cannot decode response: %s", ep.Method, path, err)
	}
	return nil
}

func query(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := url.Values{}
	for _, k := range keys {
		switch v := params[k].(type) {
		case nil:
		case string:
			if v != "" {
				vals.Set(k, v)
			}
		default:
			vals.Set(k, fmt.Sprint(v))
		}
	}
	return vals.Encode()
}

func (conn *Conn) StartService(ctx context.Context, options hpcinfer.StartOptions) (hpcinfer.StartResponse, error) {
	ep := hpcinfer.EndpointServiceStart
	var resp hpcinfer.StartResponse
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) StopService(ctx context.Context, options hpcinfer.GetOptions) (hpcinfer.StopResponse, error) {
	ep := hpcinfer.EndpointServiceStop
	var resp hpcinfer.StopResponse
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) DeleteService(ctx context.Context, options hpcinfer.GetOptions) (hpcinfer.StopResponse, error) {
	ep := hpcinfer.EndpointServiceDelete
	var resp hpcinfer.StopResponse
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) RegisterService(ctx context.Context, options hpcinfer.RegisterOptions) (hpcinfer.RegisterResponse, error) {
	ep := hpcinfer.EndpointServiceRegister
	var resp hpcinfer.RegisterResponse
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) ListServices(ctx context.Context, options hpcinfer.ListOptions) (hpcinfer.ServiceList, error) {
	ep := hpcinfer.EndpointServiceList
	var resp hpcinfer.ServiceList
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) GetService(ctx context.Context, options hpcinfer.GetOptions) (hpcinfer.Service, error) {
	ep := hpcinfer.EndpointServiceGet
	var resp hpcinfer.Service
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) GetServiceStatus(ctx context.Context, options hpcinfer.GetOptions) (hpcinfer.ServiceStatusResponse, error) {
	ep := hpcinfer.EndpointServiceStatus
	var resp hpcinfer.ServiceStatusResponse
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) ListServiceGroups(ctx context.Context, options hpcinfer.ListOptions) (hpcinfer.ServiceGroupList, error) {
	ep := hpcinfer.EndpointGroupList
	var resp hpcinfer.ServiceGroupList
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) GetServiceGroup(ctx context.Context, options hpcinfer.GetOptions) (hpcinfer.ServiceGroup, error) {
	ep := hpcinfer.EndpointGroupGet
	var resp hpcinfer.ServiceGroup
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) GetServiceGroupStatus(ctx context.Context, options hpcinfer.GetOptions) (hpcinfer.GroupStatus, error) {
	ep := hpcinfer.EndpointGroupStatus
	var resp hpcinfer.GroupStatus
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) StopServiceGroup(ctx context.Context, options hpcinfer.GetOptions) (hpcinfer.GroupStopResponse, error) {
	ep := hpcinfer.EndpointGroupStop
	var resp hpcinfer.GroupStopResponse
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) DeleteServiceGroup(ctx context.Context, options hpcinfer.GetOptions) (hpcinfer.GroupStopResponse, error) {
	ep := hpcinfer.EndpointGroupDelete
	var resp hpcinfer.GroupStopResponse
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) GetJobDetails(ctx context.Context, options hpcinfer.GetOptions) (hpcinfer.JobDetails, error) {
	ep := hpcinfer.EndpointJobDetails
	var resp hpcinfer.JobDetails
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) ForwardCompletion(ctx context.Context, options hpcinfer.CompletionRequest) (hpcinfer.CompletionResponse, error) {
	ep := hpcinfer.EndpointCompletion
	var resp hpcinfer.CompletionResponse
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) GetMetrics(ctx context.Context, options hpcinfer.MetricsOptions) (hpcinfer.Metrics, error) {
	ep := hpcinfer.EndpointMetrics
	var resp hpcinfer.Metrics
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}

func (conn *Conn) ConfigureLoadBalancer(ctx context.Context, options hpcinfer.LoadBalancerOptions) (hpcinfer.LoadBalancerResponse, error) {
	ep := hpcinfer.EndpointLoadBalancerConfigure
	var resp hpcinfer.LoadBalancerResponse
	err := conn.requestAndDecode(ctx, &resp, ep, options)
	return resp, err
}
