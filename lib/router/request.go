// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package router

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"

	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"git.arvados.org/hpcinfer.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
)

const maxRequestBytes = 16 << 20

// Integer-valued query parameters.
var intParams = map[string]bool{
	"port": true,
}

// loadRequestParams returns the request parameters from the query
// string, the JSON request body, and the route's path parameters,
// in increasing order of precedence.
func (rtr *router) loadRequestParams(req *http.Request) (map[string]interface{}, error) {
	params := map[string]interface{}{}
	for k, values := range req.URL.Query() {
		for _, v := range values {
			if v == "" {
				continue
			}
			if intParams[k] {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, hpcinfer.Errorf(hpcinfer.KindValidationError, "%s: %q is not an integer", k, v)
				}
				params[k] = n
			} else {
				params[k] = v
			}
		}
	}

	mt := req.Header.Get("Content-Type")
	if ct, _, err := mime.ParseMediaType(mt); err != nil && mt != "" {
		return nil, hpcinfer.Errorf(hpcinfer.KindValidationError, "error parsing media type %q: %s", mt, err)
	} else if (ct == "application/json" || mt == "") && req.Body != nil && req.ContentLength != 0 {
		var jsonParams map[string]interface{}
		err := json.NewDecoder(io.LimitReader(req.Body, maxRequestBytes)).Decode(&jsonParams)
		if err == io.EOF {
			// empty body with unknown length
		} else if err != nil {
			return nil, hpcinfer.Errorf(hpcinfer.KindValidationError, "error decoding request body: %s", err)
		}
		for k, v := range jsonParams {
			params[k] = v
		}
	} else if ct != "application/json" && req.ContentLength > 0 {
		return nil, httpserver.Errorf(http.StatusUnsupportedMediaType, "unsupported content type %q", mt)
	}

	for _, p := range httprouter.ParamsFromContext(req.Context()) {
		params[p.Key] = p.Value
	}
	return params, nil
}

// Copy src to dst, using json as an intermediate format in order to
// invoke src's json-marshaling and dst's json-unmarshaling behaviors.
func transcode(src interface{}, dst interface{}) error {
	buf, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, dst)
}
