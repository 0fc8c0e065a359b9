/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsShutdownTimeout = 5 * time.Second

// setupMetricsServer creates an HTTP server exposing the metrics gathered by g.
func setupMetricsServer(config *Config, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()

	// Use default path if not specified
	path := config.MetricsServer.Path
	if path == "" {
		path = "/metrics"
	}

	mux.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	return &http.Server{ //nolint:exhaustruct
		Addr:              fmt.Sprintf(":%d", config.MetricsServer.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serveMetrics runs srv in the background. The returned function shuts it down.
func serveMetrics(srv *http.Server, log logr.Logger) func() {
	go func() {
		log.Info("serving metrics", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error(err, "shutting down metrics server")
		}
	}
}
