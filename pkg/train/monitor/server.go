// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// NewRouter returns the HTTP routes serving the given monitors, usually the ranks running in this process:
//
//   - GET /metrics: Prometheus metrics of all monitors.
//   - GET /healthz: 200 unless a run failed, 503 otherwise.
//   - GET /state: JSON list with the Status of each monitor.
//   - GET /state/{rank}: JSON Status of one rank.
func NewRouter(monitors ...*Monitor) *mux.Router {
	gatherers := make(prometheus.Gatherers, 0, len(monitors))
	byRank := make(map[int]*Monitor, len(monitors))
	for _, m := range monitors {
		gatherers = append(gatherers, m.metrics.Registry)
		byRank[m.Status().Rank] = m
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		for _, m := range monitors {
			if status := m.Status(); status.Phase == PhaseFailed {
				http.Error(w, "rank "+strconv.Itoa(status.Rank)+" failed: "+status.Error, http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")
	r.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		statuses := make([]Status, 0, len(monitors))
		for _, m := range monitors {
			statuses = append(statuses, m.Status())
		}
		writeJSON(w, statuses)
	}).Methods("GET")
	r.HandleFunc("/state/{rank:[0-9]+}", func(w http.ResponseWriter, req *http.Request) {
		rank, _ := strconv.Atoi(mux.Vars(req)["rank"])
		m, found := byRank[rank]
		if !found {
			http.Error(w, "rank "+strconv.Itoa(rank)+" is not served here", http.StatusNotFound)
			return
		}
		writeJSON(w, m.Status())
	}).Methods("GET")
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Warningf("monitor: failed to write response: %v", err)
	}
}

// Server serves NewRouter over HTTP.
type Server struct {
	server   *http.Server
	listener net.Listener
	done     chan error
}

// Serve starts serving the monitors on addr (e.g. ":9090", or "localhost:0" for any free port) in the
// background. Stop it with Shutdown.
func Serve(addr string, monitors ...*Monitor) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "monitor failed to listen on %q", addr)
	}
	s := &Server{
		server: &http.Server{
			Handler:           NewRouter(monitors...),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: lis,
		done:     make(chan error, 1),
	}
	go func() {
		err := s.server.Serve(lis)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	klog.Infof("Monitor serving on http://%s/metrics", lis.Addr())
	return s, nil
}

// Addr the server is listening on.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Shutdown stops the server, waiting for the in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "monitor shutdown")
	}
	return errors.WithMessage(<-s.done, "monitor server")
}
