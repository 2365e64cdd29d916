// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the server's Prometheus metrics over HTTP.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Init exposes the registered metrics via HTTP on addr.  An empty addr
// leaves the endpoint disabled.
func Init(addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, mux)
}
