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
	"context"
	"sync"

	"github.com/go-logr/logr"

	"github.com/runboat/runboat/internal/build"
)

// notifierQueue bounds the backlog of statuses to post. Overflow drops
// the oldest pending notification; GitHub only shows the latest status
// per context anyway.
const notifierQueue = 128

// StatusNotifier posts GitHub commit statuses as builds progress. It
// consumes build events from a bounded queue so slow GitHub calls never
// stall the index.
type StatusNotifier struct {
	client  *Client
	baseURL string
	log     logr.Logger

	queue chan build.Build

	mu   sync.Mutex
	sent map[string]StatusState
}

// NewStatusNotifier returns a notifier posting through client. BaseURL
// is used to build the status target links.
func NewStatusNotifier(client *Client, baseURL string, log logr.Logger) *StatusNotifier {
	return &StatusNotifier{
		client:  client,
		baseURL: baseURL,
		log:     log,
		queue:   make(chan build.Build, notifierQueue),
		sent:    map[string]StatusState{},
	}
}

// StateForStatus maps a derived build status to the commit status to
// publish. ok is false for statuses that are not worth reporting.
func StateForStatus(status build.Status) (StatusState, bool) {
	switch status {
	case build.StatusTodo, build.StatusInitializing, build.StatusStarting:
		return StatusPending, true
	case build.StatusStarted:
		return StatusSuccess, true
	case build.StatusFailed:
		return StatusError, true
	}
	return "", false
}

// OnBuildEvent enqueues a status for an index change. Never blocks.
// Deletions evict the dedup entry, keeping the map bounded by the
// number of live builds.
func (n *StatusNotifier) OnBuildEvent(ev build.Event) {
	switch ev.Type {
	case build.EventDeleted:
		n.mu.Lock()
		delete(n.sent, statusKey(ev.Build))
		n.mu.Unlock()
		return
	case build.EventUpdated:
	default:
		return
	}
	select {
	case n.queue <- ev.Build:
	default:
		n.log.Info("Dropping commit status notification, queue full", "build", ev.Build.Name)
	}
}

func statusKey(b build.Build) string {
	return b.CommitInfo.Repo + "@" + b.CommitInfo.GitCommit
}

// Start drains the queue until the context is cancelled. It implements
// the manager's Runnable contract.
func (n *StatusNotifier) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-n.queue:
			n.notify(ctx, b)
		}
	}
}

func (n *StatusNotifier) notify(ctx context.Context, b build.Build) {
	state, ok := StateForStatus(b.Status())
	if !ok {
		return
	}
	key := statusKey(b)
	n.mu.Lock()
	already := n.sent[key] == state
	if !already {
		n.sent[key] = state
	}
	n.mu.Unlock()
	if already {
		return
	}
	targetURL := n.baseURL + "/builds/" + b.Name
	if err := n.client.NotifyStatus(ctx, b.CommitInfo.Repo, b.CommitInfo.GitCommit, state, targetURL); err != nil {
		n.log.Error(err, "Failed to post commit status", "build", b.Name, "state", state)
	}
}
