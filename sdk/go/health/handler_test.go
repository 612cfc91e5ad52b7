// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
var _ = check.Suite(&Suite{})

func Test(t *testing.T) {
	check.TestingT(t)
}

type Suite struct{}

const goodToken = "supersecret"

func (s *Suite) TestRoutes(c *check.C) {
	var logged []error
	h := &Handler{
		Token:  goodToken,
		Prefix: "/_health",
		Routes: Routes{
			"backend": func(context.Context) error { return nil },
			"cache":   func(context.Context) error { return errors.New("refresh loop stopped") },
		},
		Log: func(_ *http.Request, err error) { logged = append(logged, err) },
	}
	for _, trial := range []struct {
		path   string
		token  string
		status int
		health string
	}{
		{"/_health/ping", goodToken, http.StatusOK, "OK"},
		{"/_health/backend", goodToken, http.StatusOK, "OK"},
		{"/_health/cache", goodToken, http.StatusServiceUnavailable, "ERROR"},
		{"/_health/cache", "wrong", http.StatusForbidden, ""},
		{"/_health/cache", "", http.StatusUnauthorized, ""},
		{"/_health/nonexistent", goodToken, http.StatusNotFound, ""},
		{"/cache", goodToken, http.StatusNotFound, ""},
	} {
		comment := check.Commentf("%s token=%q", trial.path, trial.token)
		req := httptest.NewRequest("GET", trial.path, nil)
		if trial.token != "" {
			req.Header.Set("Authorization", "Bearer "+trial.token)
		}
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, trial.status, comment)
		if trial.health == "" {
			continue
		}
		var body map[string]string
		c.Check(json.Unmarshal(resp.Body.Bytes(), &body), check.IsNil, comment)
		c.Check(body["health"], check.Equals, trial.health, comment)
		if trial.health == "ERROR" {
			c.Check(body["error"], check.Equals, "refresh loop stopped")
		}
	}
	// routes that don't exist never reach the logging wrapper
	c.Check(logged, check.HasLen, 5)
	c.Check(logged[2], check.IsNil)
	c.Check(logged[3], check.Equals, errForbidden)
	c.Check(logged[4], check.Equals, errUnauthorized)
}

func (s *Suite) TestPingOverride(c *check.C) {
	var ok bool
	h := &Handler{
		Token:  goodToken,
		Prefix: "/_health/",
		Routes: Routes{
			"ping": func(context.Context) error {
				ok = !ok
				if !ok {
					return errors.New("flapping")
				}
				return nil
			},
		},
	}
	for _, want := range []int{http.StatusOK, http.StatusServiceUnavailable, http.StatusOK} {
		req := httptest.NewRequest("GET", "/_health/ping", nil)
		req.Header.Set("Authorization", "Bearer "+goodToken)
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, want)
	}
}

func (s *Suite) TestZeroValueIsDisabled(c *check.C) {
	for _, token := range []string{goodToken, ""} {
		req := httptest.NewRequest("GET", "/ping", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp := httptest.NewRecorder()
		(&Handler{}).ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, http.StatusNotFound)
	}
}

func (s *Suite) TestEmptyTokenDisables(c *check.C) {
	h := &Handler{Prefix: "/_health/"}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("GET", "/_health/ping", nil))
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
	c.Check(resp.Body.String(), check.Equals, "disabled\n")
}
