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

// Package github talks to the GitHub API: it resolves branch and pull
// request heads when builds are triggered by hand, validates and parses
// webhook deliveries, and posts commit statuses as builds progress.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/github"
	"golang.org/x/oauth2"

	"github.com/runboat/runboat/internal/build"
)

// StatusState is a GitHub commit status state.
type StatusState string

const (
	StatusError   StatusState = "error"
	StatusFailure StatusState = "failure"
	StatusPending StatusState = "pending"
	StatusSuccess StatusState = "success"
)

// statusContext names runboat in the commit status list of a PR.
const statusContext = "runboat/build"

// Client wraps the GitHub REST API. The zero token yields an
// unauthenticated client, good enough for public repositories but
// subject to strict rate limits.
type Client struct {
	gh *gogithub.Client
}

// NewClient returns a client authenticated with the given token, or an
// anonymous one when the token is empty.
func NewClient(ctx context.Context, token string) *Client {
	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	return &Client{gh: gogithub.NewClient(hc)}
}

// newClientForTest points the client at a fake API server.
func newClientForTest(gh *gogithub.Client) *Client {
	return &Client{gh: gh}
}

func splitRepo(repo string) (owner, name string, err error) {
	owner, name, found := strings.Cut(repo, "/")
	if !found || owner == "" || name == "" {
		return "", "", fmt.Errorf("invalid repository %q, want owner/name", repo)
	}
	return owner, name, nil
}

// BranchInfo resolves the head commit of a branch.
func (c *Client) BranchInfo(ctx context.Context, repo, branch string) (build.CommitInfo, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return build.CommitInfo{}, err
	}
	b, _, err := c.gh.Repositories.GetBranch(ctx, owner, name, branch)
	if err != nil {
		return build.CommitInfo{}, fmt.Errorf("getting branch %s of %s: %w", branch, repo, err)
	}
	return build.CommitInfo{
		Repo:         strings.ToLower(repo),
		TargetBranch: branch,
		GitCommit:    b.GetCommit().GetSHA(),
	}, nil
}

// PullInfo resolves the head commit and base branch of a pull request.
func (c *Client) PullInfo(ctx context.Context, repo string, pr int) (build.CommitInfo, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return build.CommitInfo{}, err
	}
	pull, _, err := c.gh.PullRequests.Get(ctx, owner, name, pr)
	if err != nil {
		return build.CommitInfo{}, fmt.Errorf("getting pull request %s#%d: %w", repo, pr, err)
	}
	return build.CommitInfo{
		Repo:         strings.ToLower(repo),
		TargetBranch: pull.GetBase().GetRef(),
		PR:           pr,
		GitCommit:    pull.GetHead().GetSHA(),
	}, nil
}

// NotifyStatus posts a commit status for a build's commit.
func (c *Client) NotifyStatus(ctx context.Context, repo, sha string, state StatusState, targetURL string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	status := &gogithub.RepoStatus{
		State:   gogithub.String(string(state)),
		Context: gogithub.String(statusContext),
	}
	if targetURL != "" {
		status.TargetURL = gogithub.String(targetURL)
	}
	_, _, err = c.gh.Repositories.CreateStatus(ctx, owner, name, sha, status)
	if err != nil {
		return fmt.Errorf("posting status for %s@%s: %w", repo, sha, err)
	}
	return nil
}
