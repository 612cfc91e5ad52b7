// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"github.com/sirupsen/logrus"
)

const maxResponseBytes = 64 << 20

// ForwardCompletion sends a data-plane request to one healthy
// endpoint chosen by the load balancer, and returns the backend's
// response along with which backend served it.
//
// If req.Target is set, candidates are limited to the endpoints of
// that service, replica, or group. If the payload has a "model" key,
// endpoints registered with a different model are excluded.
func (o *Orchestrator) ForwardCompletion(ctx context.Context, req hpcinfer.CompletionRequest) (hpcinfer.CompletionResponse, error) {
	candidates, err := o.candidates(req)
	if err != nil {
		return hpcinfer.CompletionResponse{}, err
	}
	ep, err := o.balancer.Select(candidates)
	if err != nil {
		o.mForwarded.WithLabelValues("", "no_backend").Inc()
		return hpcinfer.CompletionResponse{}, err
	}
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return hpcinfer.CompletionResponse{}, hpcinfer.Errorf(hpcinfer.KindValidationError, "cannot encode request: %s", err)
	}

	logger := o.logger.WithFields(logrus.Fields{
		"ServiceID": ep.ServiceID,
		"Backend":   ep.Address().String(),
	})
	ctx, cancel := context.WithTimeout(ctx, o.cluster.Forward.Timeout.Or(120*time.Second))
	defer cancel()
	path := o.cluster.Forward.Path
	if path == "" {
		path = "/v1/completions"
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+ep.Address().String()+path, bytes.NewReader(body))
	if err != nil {
		return hpcinfer.CompletionResponse{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	t0 := o.now()
	resp, err := o.client.Do(hreq)
	if err != nil {
		o.forwardFailed(ep, "error")
		logger.WithError(err).Warn("forwarded request failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return hpcinfer.CompletionResponse{}, hpcinfer.Errorf(hpcinfer.KindTimeout, "backend %s did not respond within %s", ep.Address(), o.cluster.Forward.Timeout.Or(120*time.Second))
		}
		return hpcinfer.CompletionResponse{}, hpcinfer.Errorf(hpcinfer.KindUpstreamError, "backend %s: %s", ep.Address(), err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		o.forwardFailed(ep, "error")
		return hpcinfer.CompletionResponse{}, hpcinfer.Errorf(hpcinfer.KindUpstreamError, "backend %s: reading response: %s", ep.Address(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		o.forwardFailed(ep, "http_error")
		logger.WithField("StatusCode", resp.StatusCode).Warn("backend returned error")
		return hpcinfer.CompletionResponse{}, &hpcinfer.Error{
			Kind:    hpcinfer.KindUpstreamError,
			Message: "backend " + ep.Address().String() + " returned " + resp.Status + ": " + strings.TrimSpace(string(truncate(respBody, 1024))),
			Status:  resp.StatusCode,
			Body:    respBody,
		}
	}
	o.countRequest(ep.ServiceID, false)
	o.registry.MarkServiceHealthy(ep.ServiceID)
	o.mForwarded.WithLabelValues(ep.Address().String(), "success").Inc()
	if !json.Valid(respBody) {
		respBody, _ = json.Marshal(string(respBody))
	}
	return hpcinfer.CompletionResponse{
		Response: json.RawMessage(respBody),
		Backend: hpcinfer.BackendInfo{
			ServiceID: ep.ServiceID,
			Host:      ep.Host,
			Port:      ep.Port,
			Model:     ep.Model,
		},
		Latency: hpcinfer.Duration(o.now().Sub(t0)),
	}, nil
}

func (o *Orchestrator) forwardFailed(ep hpcinfer.Endpoint, outcome string) {
	o.countRequest(ep.ServiceID, true)
	o.registry.InvalidateServiceHealth(ep.ServiceID)
	o.mForwarded.WithLabelValues(ep.Address().String(), outcome).Inc()
}

// candidates returns the healthy endpoints eligible to serve req.
func (o *Orchestrator) candidates(req hpcinfer.CompletionRequest) ([]hpcinfer.Endpoint, error) {
	var allow func(id string) bool
	switch target := req.Target; {
	case target == "":
	case hpcinfer.IsGroupID(target):
		sg, ok := o.registry.GetGroup(target)
		if !ok {
			return nil, o.groupNotFound(target)
		}
		members := map[string]bool{}
		for _, rep := range sg.Replicas() {
			members[rep.ID] = true
		}
		allow = func(id string) bool { return members[id] }
	default:
		if _, err := o.GetService(context.Background(), hpcinfer.GetOptions{ID: target}); err != nil {
			return nil, err
		}
		allow = func(id string) bool { return id == target }
	}
	model, _ := req.Payload["model"].(string)
	var list []hpcinfer.Endpoint
	for _, ep := range o.endpointList(true) {
		if allow != nil && !allow(ep.ServiceID) {
			continue
		}
		if model != "" && ep.Model != "" && ep.Model != model {
			continue
		}
		list = append(list, ep)
	}
	return list, nil
}

func truncate(buf []byte, n int) []byte {
	if len(buf) > n {
		return buf[:n]
	}
	return buf
}
