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

package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/index"
)

// requireAdmin guards mutating routes with the shared admin credential.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.settings.APIAdminUser)) == 1
		passwordOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.settings.APIAdminPassword)) == 1
		if !ok || !userOK || !passwordOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="runboat"`)
			writeJSON(w, http.StatusUnauthorized, errorBody{Detail: "incorrect user name or password"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireReady answers 503 until the warmup sweep has populated the
// index. Serving before that would present an empty fleet as truth.
func (s *Server) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.controller.Index.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: "starting, build index is not ready yet"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) getRepos(w http.ResponseWriter, _ *http.Request) {
	repos := []RepoView{}
	for _, name := range s.controller.Index.Repos() {
		repos = append(repos, RepoView{Name: name, Link: "https://github.com/" + name})
	}
	writeJSON(w, http.StatusOK, repos)
}

// searchFilter reads the common build filters from the query string.
func searchFilter(r *http.Request) index.Filter {
	f := index.Filter{
		Repo:         r.URL.Query().Get("repo"),
		TargetBranch: r.URL.Query().Get("target_branch"),
		Branch:       r.URL.Query().Get("branch"),
		Name:         r.URL.Query().Get("build_name"),
		Status:       build.Status(r.URL.Query().Get("status")),
	}
	if pr, err := strconv.Atoi(r.URL.Query().Get("pr")); err == nil {
		f.PR = pr
	}
	return f
}

func (s *Server) listBuilds(w http.ResponseWriter, r *http.Request) {
	views := []BuildView{}
	for _, b := range s.controller.Index.Search(searchFilter(r)) {
		views = append(views, viewOf(b, s.settings))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getBuild(w http.ResponseWriter, r *http.Request) {
	b, ok := s.controller.Index.Get(chi.URLParam(r, "name"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "no such build"})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(b, s.settings))
}

func (s *Server) deployBuild(w http.ResponseWriter, r *http.Request) {
	var ci build.CommitInfo
	if err := json.NewDecoder(r.Body).Decode(&ci); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "invalid request body: " + err.Error()})
		return
	}
	name, err := s.controller.Deploy(r.Context(), ci)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"name": name})
}

func (s *Server) command(w http.ResponseWriter, r *http.Request, cmd func(name string) error) {
	if err := cmd(chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) startBuild(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(name string) error { return s.controller.Start(r.Context(), name) })
}

func (s *Server) stopBuild(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(name string) error { return s.controller.Stop(r.Context(), name) })
}

func (s *Server) resetBuild(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(name string) error { return s.controller.Reset(r.Context(), name) })
}

func (s *Server) undeployBuild(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, func(name string) error { return s.controller.Undeploy(r.Context(), name) })
}

func (s *Server) undeployBuilds(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.UndeployAll(r.Context(), searchFilter(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) triggerBranch(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	branch := r.URL.Query().Get("branch")
	if repo == "" || branch == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "repo and branch are required"})
		return
	}
	if err := s.controller.TriggerBranch(r.Context(), repo, branch); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) triggerPull(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	pr, err := strconv.Atoi(r.URL.Query().Get("pr"))
	if repo == "" || err != nil || pr <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "repo and a positive pr are required"})
		return
	}
	if err := s.controller.TriggerPull(r.Context(), repo, pr); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) streamLog(w http.ResponseWriter, rc io.ReadCloser, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.Copy(w, rc); err != nil {
		// The client went away or the pod died mid-stream; nothing
		// useful to send anymore.
		s.log.V(1).Info("Log stream interrupted", "err", err)
	}
}

func (s *Server) initLog(w http.ResponseWriter, r *http.Request) {
	rc, err := s.controller.InitLog(r.Context(), chi.URLParam(r, "name"))
	s.streamLog(w, rc, err)
}

func (s *Server) buildLog(w http.ResponseWriter, r *http.Request) {
	rc, err := s.controller.BuildLog(r.Context(), chi.URLParam(r, "name"))
	s.streamLog(w, rc, err)
}
