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
	"embed"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/runboat/runboat/internal/build"
)

//go:embed webui
var webuiFS embed.FS

var webuiTemplates = template.Must(template.ParseFS(webuiFS, "webui/*.html.tmpl"))

type buildsPage struct {
	Builds []BuildView
	Repos  []string
	Footer template.HTML
}

type buildPage struct {
	Build  BuildView
	Footer template.HTML
}

func (s *Server) footer() template.HTML {
	// The footer fragment is operator-supplied configuration, not user
	// input.
	return template.HTML(s.settings.AdditionalFooterHTML)
}

// webuiBuilds renders the builds table. The page subscribes to the
// event stream to refresh itself.
func (s *Server) webuiBuilds(w http.ResponseWriter, r *http.Request) {
	views := []BuildView{}
	for _, b := range s.controller.Index.Search(searchFilter(r)) {
		views = append(views, viewOf(b, s.settings))
	}
	page := buildsPage{
		Builds: views,
		Repos:  s.controller.Index.Repos(),
		Footer: s.footer(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := webuiTemplates.ExecuteTemplate(w, "builds.html.tmpl", page); err != nil {
		s.log.Error(err, "Rendering builds page failed")
	}
}

// webuiBuild renders one build's page. With ?live, a started build
// redirects straight to the deployed instance.
func (s *Server) webuiBuild(w http.ResponseWriter, r *http.Request) {
	b, ok := s.controller.Index.Get(chi.URLParam(r, "name"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	view := viewOf(b, s.settings)
	if r.URL.Query().Has("live") && b.Status() == build.StatusStarted {
		http.Redirect(w, r, view.DeployLink, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := webuiTemplates.ExecuteTemplate(w, "build.html.tmpl", buildPage{Build: view, Footer: s.footer()}); err != nil {
		s.log.Error(err, "Rendering build page failed", "build", b.Name)
	}
}
