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

package github

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/github"

	"github.com/runboat/runboat/internal/build"
)

// zeroSHA is the commit GitHub sends on branch deletion pushes.
const zeroSHA = "0000000000000000000000000000000000000000"

// maxWebhookBody bounds the webhook request body read when no secret is
// configured.
const maxWebhookBody = 1 << 20

// ErrSignature is returned when a webhook delivery fails HMAC
// validation.
var ErrSignature = fmt.Errorf("invalid webhook signature")

// ParseWebhook extracts the commit a webhook delivery is about. When
// secret is non-empty the payload signature is validated first. ok is
// false for deliveries that do not call for a deployment: ping events,
// branch deletions, pull request actions other than opened or
// synchronize.
func ParseWebhook(r *http.Request, secret string) (ci build.CommitInfo, ok bool, err error) {
	var payload []byte
	if secret != "" {
		payload, err = gogithub.ValidatePayload(r, []byte(secret))
		if err != nil {
			return build.CommitInfo{}, false, fmt.Errorf("%w: %v", ErrSignature, err)
		}
	} else {
		payload, err = io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			return build.CommitInfo{}, false, fmt.Errorf("reading webhook payload: %w", err)
		}
	}
	event, err := gogithub.ParseWebHook(gogithub.WebHookType(r), payload)
	if err != nil {
		return build.CommitInfo{}, false, fmt.Errorf("parsing webhook payload: %w", err)
	}
	switch event := event.(type) {
	case *gogithub.PushEvent:
		return commitFromPush(event)
	case *gogithub.PullRequestEvent:
		return commitFromPullRequest(event)
	}
	return build.CommitInfo{}, false, nil
}

func commitFromPush(event *gogithub.PushEvent) (build.CommitInfo, bool, error) {
	if event.GetDeleted() || event.GetAfter() == zeroSHA {
		return build.CommitInfo{}, false, nil
	}
	branch, found := strings.CutPrefix(event.GetRef(), "refs/heads/")
	if !found {
		// Tag pushes and the like.
		return build.CommitInfo{}, false, nil
	}
	repo := event.GetRepo().GetFullName()
	if repo == "" || event.GetAfter() == "" {
		return build.CommitInfo{}, false, nil
	}
	return build.CommitInfo{
		Repo:         strings.ToLower(repo),
		TargetBranch: branch,
		GitCommit:    event.GetAfter(),
	}, true, nil
}

func commitFromPullRequest(event *gogithub.PullRequestEvent) (build.CommitInfo, bool, error) {
	switch event.GetAction() {
	case "opened", "synchronize":
	default:
		return build.CommitInfo{}, false, nil
	}
	repo := event.GetRepo().GetFullName()
	pr := event.GetPullRequest()
	if repo == "" || pr.GetNumber() == 0 || pr.GetHead().GetSHA() == "" {
		return build.CommitInfo{}, false, nil
	}
	return build.CommitInfo{
		Repo:         strings.ToLower(repo),
		TargetBranch: pr.GetBase().GetRef(),
		PR:           pr.GetNumber(),
		GitCommit:    pr.GetHead().GetSHA(),
	}, true, nil
}
