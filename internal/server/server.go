/*
Copyright 2026.

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

// Package server exposes the REST API, the GitHub webhook endpoint, the
// build event stream and the web UI over one chi router.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"

	"github.com/runboat/runboat/internal/config"
	"github.com/runboat/runboat/internal/controller"
	"github.com/runboat/runboat/internal/events"
)

// Server is the HTTP front of the controller.
type Server struct {
	settings   *config.Settings
	controller *controller.Controller
	bus        *events.Bus
	log        logr.Logger

	addr            string
	shutdownTimeout time.Duration
}

// New returns a server ready to Start.
func New(settings *config.Settings, ctrl *controller.Controller, bus *events.Bus, log logr.Logger, addr string, shutdownTimeout time.Duration) *Server {
	return &Server{
		settings:        settings,
		controller:      ctrl,
		bus:             bus,
		log:             log,
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireReady)
		r.Get("/status", s.getStatus)
		r.Get("/repos", s.getRepos)
		r.Get("/build-events", s.buildEvents)

		r.Get("/builds", s.listBuilds)
		r.With(s.requireAdmin).Post("/builds", s.deployBuild)
		r.With(s.requireAdmin).Delete("/builds", s.undeployBuilds)
		r.With(s.requireAdmin).Post("/builds/trigger/branch", s.triggerBranch)
		r.With(s.requireAdmin).Post("/builds/trigger/pr", s.triggerPull)

		r.Route("/builds/{name}", func(r chi.Router) {
			r.Get("/", s.getBuild)
			r.Get("/init-log", s.initLog)
			r.Get("/log", s.buildLog)
			r.With(s.requireAdmin).Post("/start", s.startBuild)
			r.With(s.requireAdmin).Post("/stop", s.stopBuild)
			r.With(s.requireAdmin).Post("/reset", s.resetBuild)
			r.With(s.requireAdmin).Post("/undeploy", s.undeployBuild)
			r.With(s.requireAdmin).Delete("/", s.undeployBuild)
		})
	})

	r.Post("/webhooks/github", s.githubWebhook)

	r.With(s.requireReady).Get("/", s.webuiBuilds)
	r.With(s.requireReady).Get("/builds/{name}", s.webuiBuild)

	return r
}

// Start serves until the context is cancelled, then drains connections
// within the shutdown timeout. It implements the manager's Runnable
// contract.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Starting HTTP server", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
