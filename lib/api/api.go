// Copyright (C) 2024 The Speicher Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package api serves the S3 REST surface over HTTP: request classification,
// signature verification, dispatch to the storage layer and XML response
// rendering.
package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speicher-dev/speicher/lib/auth"
	"github.com/speicher-dev/speicher/lib/config"
	"github.com/speicher-dev/speicher/lib/rand"
	"github.com/speicher-dev/speicher/lib/storage"
)

const shutdownTimeout = 5 * time.Second

// Service is the HTTP API service. It runs under the main supervisor and
// restarts itself when the listener configuration changes.
type Service struct {
	cfg      *config.Wrapper
	store    *storage.Store
	verifier *auth.Verifier
	now      func() time.Time

	restart chan struct{}
}

func New(cfg *config.Wrapper, store *storage.Store) *Service {
	s := &Service{
		cfg:      cfg,
		store:    store,
		verifier: auth.NewVerifier(),
		now:      time.Now,
		restart:  make(chan struct{}, 1),
	}
	cfg.Subscribe(s)
	return s
}

func (s *Service) Serve(ctx context.Context) error {
	httpCfg := s.cfg.Snapshot().Server.HTTP
	if !httpCfg.Enabled {
		l.Infoln("HTTP API is disabled")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.restart:
			return nil
		}
	}

	addr := net.JoinHostPort(httpCfg.Address, strconv.Itoa(httpCfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		l.Warnln("API listen:", err)
		return err
	}

	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: httpCfg.ReadHeaderTimeout(),
		IdleTimeout:       httpCfg.IdleTimeout(),
	}

	l.Infoln("API listening on", listener.Addr())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(listener) }()

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(sctx)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.restart:
		l.Infoln("Restarting API on configuration change")
		return nil
	}
}

// handler builds the complete request handling chain.
func (s *Service) handler() http.Handler {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	s.registerRoutes(router)
	return s.middleware(router)
}

// middleware stamps every request with an ID and routes the operational
// endpoints ahead of the S3 surface. Bucket names colliding with those
// endpoints are not reachable over path-style requests.
func (s *Service) middleware(next http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "OK\n")
	})
	mux.Handle("/", next)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-amz-request-id", rand.HexString(16))
		mux.ServeHTTP(w, r)
	})
}

func (s *Service) VerifyConfiguration(_, _ config.Configuration) error {
	return nil
}

func (s *Service) CommitConfiguration(from, to config.Configuration) bool {
	if from.Server.HTTP != to.Server.HTTP {
		select {
		case s.restart <- struct{}{}:
		default:
		}
	}
	return true
}

func (s *Service) String() string {
	return fmt.Sprintf("api.Service@%p", s)
}
