// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up an HTTP
// service: the control plane, or an orchestrator running inside a
// scheduler allocation.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"git.arvados.org/hpcinfer.git/lib/cmd"
	"git.arvados.org/hpcinfer.git/lib/config"
	"git.arvados.org/hpcinfer.git/lib/discovery"
	"git.arvados.org/hpcinfer.git/sdk/go/ctxlog"
	"git.arvados.org/hpcinfer.git/sdk/go/health"
	"git.arvados.org/hpcinfer.git/sdk/go/hpcinfer"
	"git.arvados.org/hpcinfer.git/sdk/go/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *hpcinfer.Config, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the config file, calls
// newHandler, and brings up an http server with the returned
// handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, serving /metrics and
// /_health/ping).
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)

	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	listen := flags.String("listen", "", "Listen on `host:port` instead of the configured Listen address")
	discoveryFile := flags.String("discovery-file", "", "Once listening, write a discovery record to `path`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cluster, err := loader.Load()
	if err != nil {
		return 1
	}
	if *listen != "" {
		cluster.Listen = *listen
	}
	if cluster.Listen == "" {
		err = fmt.Errorf("no listen address configured for %s service", c.svcName)
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Service": c.svcName,
	})
	ctx, cancel := signal.NotifyContext(c.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = ctxlog.Context(ctx, logger)

	advertised, err := advertisedURL(cluster.Listen)
	if err != nil {
		return 1
	}
	ctx = context.WithValue(ctx, contextKeyURL{}, advertised)

	reg := prometheus.NewRegistry()

	// hpcinfer_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hpcinfer",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cluster, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	instrumented := httpserver.Instrument(reg, log,
		httpserver.AddRequestIDs(
			httpserver.LogRequests(logger,
				interceptHealthReqs(cluster.ManagementToken, handler.CheckHealth, handler))))
	srv := &httpserver.Server{
		Server: http.Server{
			Handler:     instrumented.ServeAPI(cluster.ManagementToken, instrumented),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: cluster.Listen,
	}
	err = srv.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"URL":     advertised,
		"Listen":  srv.Addr,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if *discoveryFile != "" {
		err = writeDiscoveryRecord(*discoveryFile, advertised, srv.Addr)
		if err != nil {
			srv.Close()
			return 1
		}
		logger.WithField("Path", *discoveryFile).Info("wrote discovery record")
	}
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		// Shut down server if handler dies
		<-handler.Done()
		srv.Close()
	}()
	err = srv.Wait()
	cancel()
	if done := handler.Done(); done != nil {
		<-done
	}
	if err != nil {
		return 1
	}
	logger.Info("shut down")
	return 0
}

func interceptHealthReqs(mgtToken string, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/ping", &health.Handler{
		Token:  mgtToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": func(context.Context) error { return checkHealth() }},
	})
	mux.NotFound = next
	mux.HandleMethodNotAllowed = false
	return mux
}

// advertisedURL returns the base URL other hosts should use to reach
// a server listening on listen. A wildcard or empty host is replaced
// by this host's name.
func advertisedURL(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("Listen %q: %w", listen, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host, err = os.Hostname()
		if err != nil {
			return "", err
		}
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func writeDiscoveryRecord(path, advertised, bound string) error {
	_, port, err := net.SplitHostPort(bound)
	if err != nil {
		return err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return err
	}
	host, _, err := net.SplitHostPort(advertised[len("http://"):])
	if err != nil {
		return err
	}
	return discovery.Write(path, discovery.NewRecord(host, p))
}

type contextKeyURL struct{}

// URLFromContext returns the base URL at which the running service
// can be reached by workloads and peers.
func URLFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(contextKeyURL{}).(string)
	return u, ok
}
