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
	"errors"
	"net/http"

	"github.com/runboat/runboat/internal/controller"
	"github.com/runboat/runboat/internal/github"
)

// githubWebhook ingests push and pull_request deliveries. Events for
// unsupported repositories or branches and duplicate deliveries are
// acknowledged without action so GitHub does not retry them.
func (s *Server) githubWebhook(w http.ResponseWriter, r *http.Request) {
	ci, relevant, err := github.ParseWebhook(r, s.settings.GithubWebhookSecret)
	if err != nil {
		if errors.Is(err, github.ErrSignature) {
			writeJSON(w, http.StatusForbidden, errorBody{Detail: "invalid signature"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: err.Error()})
		return
	}
	if !relevant {
		w.WriteHeader(http.StatusOK)
		return
	}
	err = s.controller.DeployIfMissing(r.Context(), ci)
	switch controller.KindOf(err) {
	case "":
		if err != nil {
			s.log.Error(err, "Webhook deploy failed", "repo", ci.Repo, "targetBranch", ci.TargetBranch)
			writeJSON(w, http.StatusInternalServerError, errorBody{Detail: err.Error()})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case controller.KindRejected:
		// No rule matches; filtered silently.
		w.WriteHeader(http.StatusOK)
	default:
		writeError(w, err)
	}
}
