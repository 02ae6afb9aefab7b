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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/config"
	"github.com/runboat/runboat/internal/controller"
)

// BuildView is the API and SSE representation of a build.
type BuildView struct {
	Name                 string           `json:"name"`
	CommitInfo           build.CommitInfo `json:"commit_info"`
	DeployLink           string           `json:"deploy_link"`
	RepoTargetBranchLink string           `json:"repo_target_branch_link"`
	RepoPRLink           string           `json:"repo_pr_link,omitempty"`
	RepoCommitLink       string           `json:"repo_commit_link"`
	WebUILink            string           `json:"webui_link"`
	Status               build.Status     `json:"status"`
	Created              time.Time        `json:"created"`
	LastScaled           time.Time        `json:"last_scaled"`
}

// BuildEventView is one SSE payload.
type BuildEventView struct {
	Event build.EventType `json:"event"`
	Build BuildView       `json:"build"`
}

// RepoView is one entry of the repos listing.
type RepoView struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

func viewOf(b build.Build, settings *config.Settings) BuildView {
	v := BuildView{
		Name:                 b.Name,
		CommitInfo:           b.CommitInfo,
		DeployLink:           fmt.Sprintf("http://%s.%s", b.Name, settings.BuildDomain),
		RepoTargetBranchLink: fmt.Sprintf("https://github.com/%s/tree/%s", b.CommitInfo.Repo, b.CommitInfo.TargetBranch),
		RepoCommitLink:       fmt.Sprintf("https://github.com/%s/commit/%s", b.CommitInfo.Repo, b.CommitInfo.GitCommit),
		WebUILink:            fmt.Sprintf("%s/builds/%s", settings.BaseURL, b.Name),
		Status:               b.Status(),
		Created:              b.Created,
		LastScaled:           b.LastScaled,
	}
	if b.CommitInfo.PR != 0 {
		v.RepoPRLink = fmt.Sprintf("https://github.com/%s/pull/%d", b.CommitInfo.Repo, b.CommitInfo.PR)
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Detail string `json:"detail"`
}

// writeError translates classified controller errors into HTTP status
// codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch controller.KindOf(err) {
	case controller.KindNotFound:
		code = http.StatusNotFound
	case controller.KindConflict:
		code = http.StatusConflict
	case controller.KindRejected:
		code = http.StatusBadRequest
	case controller.KindUnauthorized:
		code = http.StatusUnauthorized
	case controller.KindUpstream:
		code = http.StatusBadGateway
	case controller.KindUnavailable:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, errorBody{Detail: err.Error()})
}
