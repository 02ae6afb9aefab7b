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

// Package index maintains the in-memory picture of all managed builds.
// It is fed by the deployment and job reconcilers and queried by the
// capacity loops, the command surface and the event stream. The cluster
// remains the source of truth; the index is an eventually consistent
// cache of it.
package index

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"

	"github.com/runboat/runboat/internal/build"
)

// SortOrder selects the ordering of Search results. The sort key is
// (repo, pr, target_branch, created), with branch builds ordering after
// pull request builds. The zero value lists newest first.
type SortOrder int

const (
	SortDesc SortOrder = iota
	SortAsc
)

// branchPROrder stands in for the pr number of branch builds so that
// they sort after all pull request builds.
const branchPROrder = 999999

// Filter narrows Search results. Zero-valued fields are ignored. Branch
// matches the target branch of branch builds only, excluding pull
// requests.
type Filter struct {
	Repo         string
	TargetBranch string
	Branch       string
	PR           int
	Name         string
	Status       build.Status
	Sort         SortOrder
}

// Listener receives one notification per effective index change.
// Listeners are invoked synchronously in update order and must not call
// back into the index.
type Listener func(build.Event)

type jobRecord struct {
	build     string
	kind      build.JobKind
	succeeded bool
	failed    bool
}

// Index is the concurrent map of builds keyed by build name. Deployment
// snapshots and job states are merged here: the stored Build carries the
// job-derived flags of every job observed for it.
type Index struct {
	log logr.Logger

	mu           sync.RWMutex
	ready        bool
	builds       map[string]build.Build
	byDeployment map[string]string
	jobs         map[string]jobRecord
	jobsByBuild  map[string]map[string]struct{}
	listeners    []Listener
}

// New returns an empty, not yet ready index.
func New(log logr.Logger) *Index {
	return &Index{
		log:          log,
		builds:       map[string]build.Build{},
		byDeployment: map[string]string{},
		jobs:         map[string]jobRecord{},
		jobsByBuild:  map[string]map[string]struct{}{},
	}
}

// AddListener registers a change listener. Registration order is
// delivery order.
func (x *Index) AddListener(l Listener) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.listeners = append(x.listeners, l)
}

// MarkReady declares the initial cluster list applied. Until then the
// command surface must treat the index as warming up.
func (x *Index) MarkReady() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ready = true
}

// Ready reports whether the initial cluster list has been applied.
func (x *Index) Ready() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.ready
}

// UpsertDeployment stores the deployment-derived snapshot of a build,
// merging in the job state observed so far. Listeners are notified only
// when the stored build actually changes.
func (x *Index) UpsertDeployment(b build.Build) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byDeployment[b.DeploymentName] = b.Name
	x.mergeJobFlags(&b)
	prev, existed := x.builds[b.Name]
	if existed && prev.Equal(b) {
		return
	}
	x.builds[b.Name] = b
	action := "addition"
	if existed {
		action = "update"
	}
	x.log.Info("Noticed "+action+" of build",
		"build", b.Name,
		"status", b.Status(),
		"initStatus", b.InitStatus,
		"desiredReplicas", b.DesiredReplicas,
		"lastScaled", b.LastScaled,
	)
	x.notify(build.Event{Type: build.EventUpdated, Build: b})
}

// RemoveDeployment drops the build whose deployment was deleted from the
// cluster.
func (x *Index) RemoveDeployment(deploymentName string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	name, ok := x.byDeployment[deploymentName]
	if !ok {
		return
	}
	delete(x.byDeployment, deploymentName)
	b, ok := x.builds[name]
	if !ok {
		return
	}
	delete(x.builds, name)
	x.log.Info("Noticed removal of build", "build", name)
	x.notify(build.Event{Type: build.EventDeleted, Build: b})
}

// UpsertJob records the observed state of an initialize or cleanup job
// and refreshes the owning build. Job events may arrive before the
// deployment event; the record is kept until the deployment shows up.
func (x *Index) UpsertJob(jobName, buildName string, kind build.JobKind, succeeded, failed bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	rec := jobRecord{build: buildName, kind: kind, succeeded: succeeded, failed: failed}
	old, existed := x.jobs[jobName]
	if existed && old == rec {
		return
	}
	if existed && old.build != rec.build {
		x.unlinkJob(jobName, old.build)
	}
	x.jobs[jobName] = rec
	bucket := x.jobsByBuild[buildName]
	if bucket == nil {
		bucket = map[string]struct{}{}
		x.jobsByBuild[buildName] = bucket
	}
	bucket[jobName] = struct{}{}
	x.refreshBuild(buildName)
}

// RemoveJob forgets a deleted job and refreshes the owning build.
func (x *Index) RemoveJob(jobName string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	rec, ok := x.jobs[jobName]
	if !ok {
		return
	}
	x.unlinkJob(jobName, rec.build)
	x.refreshBuild(rec.build)
}

func (x *Index) unlinkJob(jobName, buildName string) {
	delete(x.jobs, jobName)
	if bucket := x.jobsByBuild[buildName]; bucket != nil {
		delete(bucket, jobName)
		if len(bucket) == 0 {
			delete(x.jobsByBuild, buildName)
		}
	}
}

// refreshBuild recomputes the job flags of a stored build and notifies
// on change. Callers hold the write lock.
func (x *Index) refreshBuild(name string) {
	b, ok := x.builds[name]
	if !ok {
		return
	}
	updated := b
	x.mergeJobFlags(&updated)
	if updated.Equal(b) {
		return
	}
	x.builds[name] = updated
	x.log.Info("Noticed update of build",
		"build", name,
		"status", updated.Status(),
		"initStatus", updated.InitStatus,
		"desiredReplicas", updated.DesiredReplicas,
		"lastScaled", updated.LastScaled,
	)
	x.notify(build.Event{Type: build.EventUpdated, Build: updated})
}

func (x *Index) mergeJobFlags(b *build.Build) {
	b.InitJobInFlight = false
	b.CleanupJobExists = false
	b.CleanupJobSucceeded = false
	b.CleanupJobFailed = false
	for jobName := range x.jobsByBuild[b.Name] {
		rec := x.jobs[jobName]
		switch rec.kind {
		case build.JobKindInitialize:
			if !rec.succeeded && !rec.failed {
				b.InitJobInFlight = true
			}
		case build.JobKindCleanup:
			b.CleanupJobExists = true
			if rec.succeeded {
				b.CleanupJobSucceeded = true
			}
			if rec.failed {
				b.CleanupJobFailed = true
			}
		}
	}
}

func (x *Index) notify(ev build.Event) {
	for _, l := range x.listeners {
		l(ev)
	}
}

// Get returns the build with the given name.
func (x *Index) Get(name string) (build.Build, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	b, ok := x.builds[name]
	return b, ok
}

// GetForCommit returns the build deployed for a commit, if any.
func (x *Index) GetForCommit(ci build.CommitInfo) (build.Build, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for _, b := range x.builds {
		if b.CommitInfo == ci {
			return b, true
		}
	}
	return build.Build{}, false
}

// Search returns the builds matching the filter, ordered per the filter's
// sort order.
func (x *Index) Search(f Filter) []build.Build {
	x.mu.RLock()
	out := make([]build.Build, 0, len(x.builds))
	for _, b := range x.builds {
		if f.Repo != "" && b.CommitInfo.Repo != f.Repo {
			continue
		}
		if f.TargetBranch != "" && b.CommitInfo.TargetBranch != f.TargetBranch {
			continue
		}
		if f.Branch != "" && (b.CommitInfo.TargetBranch != f.Branch || b.CommitInfo.PR != 0) {
			continue
		}
		if f.PR != 0 && b.CommitInfo.PR != f.PR {
			continue
		}
		if f.Name != "" && b.Name != f.Name {
			continue
		}
		if f.Status != "" && b.Status() != f.Status {
			continue
		}
		out = append(out, b)
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if f.Sort == SortAsc {
			return searchLess(out[i], out[j])
		}
		return searchLess(out[j], out[i])
	})
	return out
}

func searchLess(a, b build.Build) bool {
	if a.CommitInfo.Repo != b.CommitInfo.Repo {
		return a.CommitInfo.Repo < b.CommitInfo.Repo
	}
	apr, bpr := a.CommitInfo.PR, b.CommitInfo.PR
	if apr == 0 {
		apr = branchPROrder
	}
	if bpr == 0 {
		bpr = branchPROrder
	}
	if apr != bpr {
		return apr < bpr
	}
	if a.CommitInfo.TargetBranch != b.CommitInfo.TargetBranch {
		return a.CommitInfo.TargetBranch < b.CommitInfo.TargetBranch
	}
	if !a.Created.Equal(b.Created) {
		return a.Created.Before(b.Created)
	}
	return a.Name < b.Name
}

// Repos returns the distinct repositories with at least one build, sorted.
func (x *Index) Repos() []string {
	x.mu.RLock()
	seen := map[string]struct{}{}
	for _, b := range x.builds {
		seen[b.CommitInfo.Repo] = struct{}{}
	}
	x.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for repo := range seen {
		out = append(out, repo)
	}
	sort.Strings(out)
	return out
}

// Counts is the capacity picture served by the status endpoint and used
// by the metrics gauges.
type Counts struct {
	All          int
	Deployed     int
	Failed       int
	Stopped      int
	Started      int
	ToInitialize int
	Initializing int
	Cleaning     int
}

// Counts computes all capacity counters in one pass.
func (x *Index) Counts() Counts {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var c Counts
	for _, b := range x.builds {
		c.All++
		status := b.Status()
		if status != build.StatusCleaning {
			c.Deployed++
		}
		switch status {
		case build.StatusFailed:
			c.Failed++
		case build.StatusStopped:
			c.Stopped++
		case build.StatusStarted:
			c.Started++
		case build.StatusCleaning:
			c.Cleaning++
		}
		switch b.InitStatus {
		case build.InitStatusTodo:
			c.ToInitialize++
		case build.InitStatusStarted:
			c.Initializing++
		}
	}
	return c
}

// CountByStatus returns the number of builds with the given derived
// status.
func (x *Index) CountByStatus(status build.Status) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, b := range x.builds {
		if b.Status() == status {
			n++
		}
	}
	return n
}

// CountByInitStatus returns the number of builds with the given
// initialization status annotation.
func (x *Index) CountByInitStatus(is build.InitStatus) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, b := range x.builds {
		if b.InitStatus == is {
			n++
		}
	}
	return n
}

// CountDeployed returns the number of builds not being cleaned up.
func (x *Index) CountDeployed() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, b := range x.builds {
		if b.Status() != build.StatusCleaning {
			n++
		}
	}
	return n
}

// CountAll returns the total number of indexed builds.
func (x *Index) CountAll() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.builds)
}

// ToInitialize returns up to limit builds awaiting initialization,
// longest waiting first. Builds whose initialization job is already in
// flight are excluded.
func (x *Index) ToInitialize(limit int) []build.Build {
	return x.pick(limit, func(b build.Build) bool {
		return b.Status() == build.StatusTodo
	}, func(a, b build.Build) bool {
		if !a.InitStatusTimestamp.Equal(b.InitStatusTimestamp) {
			return a.InitStatusTimestamp.Before(b.InitStatusTimestamp)
		}
		return a.Name < b.Name
	})
}

// OldestStarted returns up to limit started builds, least recently
// scaled first. This is the stopper's eviction order.
func (x *Index) OldestStarted(limit int) []build.Build {
	return x.pick(limit, func(b build.Build) bool {
		return b.Status() == build.StatusStarted
	}, func(a, b build.Build) bool {
		if !a.LastScaled.Equal(b.LastScaled) {
			return a.LastScaled.Before(b.LastScaled)
		}
		return a.Name < b.Name
	})
}

// OldestUndeployable returns up to limit stopped or failed builds,
// oldest first. This is the undeployer's eviction order; initializing
// and started builds are never candidates.
func (x *Index) OldestUndeployable(limit int) []build.Build {
	return x.pick(limit, func(b build.Build) bool {
		status := b.Status()
		return status == build.StatusStopped || status == build.StatusFailed
	}, func(a, b build.Build) bool {
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.Name < b.Name
	})
}

func (x *Index) pick(limit int, match func(build.Build) bool, less func(a, b build.Build) bool) []build.Build {
	if limit <= 0 {
		return nil
	}
	x.mu.RLock()
	candidates := make([]build.Build, 0, len(x.builds))
	for _, b := range x.builds {
		if match(b) {
			candidates = append(candidates, b)
		}
	}
	x.mu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}
