// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package hpcinfer

import (
	"context"
	"encoding/json"
	"errors"
)

type APIEndpoint struct {
	Method string
	Path   string
}

var (
	EndpointServiceStart          = APIEndpoint{"POST", "v1/services"}
	EndpointServiceList           = APIEndpoint{"GET", "v1/services"}
	EndpointServiceGet            = APIEndpoint{"GET", "v1/services/:id"}
	EndpointServiceStatus         = APIEndpoint{"GET", "v1/services/:id/status"}
	EndpointServiceStop           = APIEndpoint{"POST", "v1/services/:id/stop"}
	EndpointServiceDelete         = APIEndpoint{"DELETE", "v1/services/:id"}
	EndpointServiceRegister       = APIEndpoint{"POST", "v1/services/:id/register"}
	EndpointGroupList             = APIEndpoint{"GET", "v1/groups"}
	EndpointGroupGet              = APIEndpoint{"GET", "v1/groups/:id"}
	EndpointGroupStatus           = APIEndpoint{"GET", "v1/groups/:id/status"}
	EndpointGroupStop             = APIEndpoint{"POST", "v1/groups/:id/stop"}
	EndpointGroupDelete           = APIEndpoint{"DELETE", "v1/groups/:id"}
	EndpointJobDetails            = APIEndpoint{"GET", "v1/jobs/:id"}
	EndpointCompletion            = APIEndpoint{"POST", "v1/completions"}
	EndpointMetrics               = APIEndpoint{"GET", "v1/metrics"}
	EndpointLoadBalancerConfigure = APIEndpoint{"PUT", "v1/loadbalancer"}
)

type StartOptions struct {
	RecipeName string                 `json:"recipeName"`
	Config     map[string]interface{} `json:"config"`
}

type StartResponse struct {
	Status  string   `json:"status"`
	JobID   string   `json:"jobId,omitempty"`
	GroupID string   `json:"groupId,omitempty"`
	JobIDs  []string `json:"jobIds,omitempty"`
	Message string   `json:"message,omitempty"`
}

type GetOptions struct {
	ID string `json:"id"`
}

type ListOptions struct {
	Status ServiceStatus `json:"status,omitempty"`
	Recipe string        `json:"recipe,omitempty"`
}

type StopResponse struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

type GroupStopResponse struct {
	Status      string   `json:"status"`
	GroupID     string   `json:"groupId"`
	Stopped     int      `json:"stopped"`
	StoppedJobs []string `json:"stoppedJobs"`
}

type RegisterOptions struct {
	ID    string `json:"id"`
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Model string `json:"model"`
}

type RegisterResponse struct {
	Status   string   `json:"status"`
	Endpoint Endpoint `json:"endpoint"`
}

type ServiceList struct {
	Services []Service `json:"services"`
}

type ServiceGroupList struct {
	Groups []ServiceGroup `json:"groups"`
}

type ServiceStatusResponse struct {
	ID     string        `json:"id"`
	Status ServiceStatus `json:"status"`
}

type JobDetails struct {
	JobID  string            `json:"jobId"`
	Fields map[string]string `json:"fields"`
}

// CompletionRequest is a data-plane request. On the wire it is a
// single JSON object: the optional "target" key names a service,
// replica, or group; every other key is forwarded to the backend
// untouched.
type CompletionRequest struct {
	Target  string
	Payload map[string]interface{}
}

func (cr CompletionRequest) MarshalJSON() ([]byte, error) {
	obj := make(map[string]interface{}, len(cr.Payload)+1)
	for k, v := range cr.Payload {
		obj[k] = v
	}
	if cr.Target != "" {
		obj["target"] = cr.Target
	}
	return json.Marshal(obj)
}

func (cr *CompletionRequest) UnmarshalJSON(data []byte) error {
	var obj map[string]interface{}
	err := json.Unmarshal(data, &obj)
	if err != nil {
		return err
	}
	if obj == nil {
		return errors.New("completion request must be a JSON object")
	}
	if t, ok := obj["target"]; ok {
		s, ok := t.(string)
		if !ok {
			return errors.New("completion request target must be a string")
		}
		cr.Target = s
		delete(obj, "target")
	}
	cr.Payload = obj
	return nil
}

// BackendInfo identifies the data-plane backend that served a
// forwarded request.
type BackendInfo struct {
	ServiceID string `json:"serviceId"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Model     string `json:"model,omitempty"`
}

type CompletionResponse struct {
	Response json.RawMessage `json:"response"`
	Backend  BackendInfo     `json:"backend"`
	Latency  Duration        `json:"latency"`
}

type MetricsOptions struct{}

type CacheStats struct {
	TrackedJobs   int    `json:"trackedJobs"`
	StatusEntries int    `json:"statusEntries"`
	DetailEntries int    `json:"detailEntries"`
	Running       bool   `json:"running"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Refreshes     uint64 `json:"refreshes"`
	RefreshErrors uint64 `json:"refreshErrors"`
}

type Metrics struct {
	Services         map[ServiceStatus]int `json:"services"`
	Groups           int                   `json:"groups"`
	Endpoints        int                   `json:"endpoints"`
	HealthyEndpoints int                   `json:"healthyEndpoints"`
	TotalRequests    int64                 `json:"totalRequests"`
	FailedRequests   int64                 `json:"failedRequests"`
	LoadBalancer     string                `json:"loadBalancer"`
	Backends         []Endpoint            `json:"backends"`
	Cache            CacheStats            `json:"cache"`
}

type LoadBalancerOptions struct {
	Strategy string `json:"strategy"`
}

type LoadBalancerResponse struct {
	Status   string `json:"status"`
	Strategy string `json:"strategy"`
}

// API is the control-plane and data-plane surface of an
// orchestrator. It is implemented in-process by
// orchestrator.Orchestrator and remotely by transport.Conn.
type API interface {
	StartService(ctx context.Context, options StartOptions) (StartResponse, error)
	StopService(ctx context.Context, options GetOptions) (StopResponse, error)
	DeleteService(ctx context.Context, options GetOptions) (StopResponse, error)
	RegisterService(ctx context.Context, options RegisterOptions) (RegisterResponse, error)
	ListServices(ctx context.Context, options ListOptions) (ServiceList, error)
	GetService(ctx context.Context, options GetOptions) (Service, error)
	GetServiceStatus(ctx context.Context, options GetOptions) (ServiceStatusResponse, error)
	ListServiceGroups(ctx context.Context, options ListOptions) (ServiceGroupList, error)
	GetServiceGroup(ctx context.Context, options GetOptions) (ServiceGroup, error)
	GetServiceGroupStatus(ctx context.Context, options GetOptions) (GroupStatus, error)
	StopServiceGroup(ctx context.Context, options GetOptions) (GroupStopResponse, error)
	DeleteServiceGroup(ctx context.Context, options GetOptions) (GroupStopResponse, error)
	GetJobDetails(ctx context.Context, options GetOptions) (JobDetails, error)
	ForwardCompletion(ctx context.Context, options CompletionRequest) (CompletionResponse, error)
	GetMetrics(ctx context.Context, options MetricsOptions) (Metrics, error)
	ConfigureLoadBalancer(ctx context.Context, options LoadBalancerOptions) (LoadBalancerResponse, error)
}
