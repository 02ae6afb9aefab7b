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

// Package build defines the build model. A build is a group of cluster
// resources for one commit of one branch or pull request of one repository.
// All durable state lives in labels and annotations on the build's
// deployment; everything in this package is derived from cluster objects.
package build

import (
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
)

// Labels and annotations forming the cluster contract. Every managed
// resource carries LabelBuild; jobs additionally carry LabelJobKind.
const (
	LabelBuild   = "runboat/build"
	LabelJobKind = "runboat/job-kind"

	AnnotationRepo                = "runboat/repo"
	AnnotationTargetBranch        = "runboat/target-branch"
	AnnotationPR                  = "runboat/pr"
	AnnotationGitCommit           = "runboat/git-commit"
	AnnotationInitStatus          = "runboat/init-status"
	AnnotationInitStatusTimestamp = "runboat/init-status-timestamp"
	AnnotationLastScaled          = "runboat/last-scaled"

	// FinalizerCleanup blocks deployment deletion until the cleanup job
	// has run and the build's resources are gone.
	FinalizerCleanup = "runboat/cleanup"
)

// JobKind is the value of the runboat/job-kind label on one-shot jobs.
type JobKind string

const (
	JobKindInitialize JobKind = "initialize"
	JobKindCleanup    JobKind = "cleanup"
)

// InitStatus is the value of the runboat/init-status annotation.
type InitStatus string

const (
	// InitStatusTodo marks a build waiting for initialization.
	InitStatusTodo InitStatus = "todo"
	// InitStatusStarted marks a build whose initialization job has been
	// admitted by the initializer.
	InitStatusStarted InitStatus = "started"
	// InitStatusSucceeded marks a build whose data volume is initialized.
	InitStatusSucceeded InitStatus = "succeeded"
	// InitStatusFailed marks a build whose initialization failed.
	InitStatusFailed InitStatus = "failed"
)

// Status is the derived build status.
type Status string

const (
	StatusCleaning     Status = "cleaning"
	StatusTodo         Status = "todo"
	StatusInitializing Status = "initializing"
	StatusFailed       Status = "failed"
	StatusStopped      Status = "stopped"
	StatusStarting     Status = "starting"
	StatusStarted      Status = "started"
)

// EventType tags index change notifications.
type EventType string

const (
	EventUpdated EventType = "upd"
	EventDeleted EventType = "del"
)

// Event is one index change notification.
type Event struct {
	Type  EventType
	Build Build
}

// CommitInfo identifies the commit a build was made from. PR is zero for
// branch builds.
type CommitInfo struct {
	Repo         string `json:"repo"`
	TargetBranch string `json:"target_branch"`
	PR           int    `json:"pr,omitempty"`
	GitCommit    string `json:"git_commit"`
}

// Build is an in-memory snapshot of one managed build, derived from its
// deployment and jobs. Builds are value types; the index hands out copies.
type Build struct {
	Name           string
	DeploymentName string
	CommitInfo     CommitInfo

	InitStatus          InitStatus
	InitStatusTimestamp time.Time
	DesiredReplicas     int32
	ReadyReplicas       int32
	Deleted             bool
	Created             time.Time
	LastScaled          time.Time

	// Job-derived state, maintained from the job watch stream.
	InitJobInFlight     bool
	CleanupJobExists    bool
	CleanupJobSucceeded bool
	CleanupJobFailed    bool
}

// FromDeployment derives the deployment-owned part of a Build. Job-derived
// fields are zero and must be merged from previously observed job state.
func FromDeployment(d *appsv1.Deployment) Build {
	ann := d.GetAnnotations()
	b := Build{
		Name:           d.GetLabels()[LabelBuild],
		DeploymentName: d.GetName(),
		CommitInfo: CommitInfo{
			Repo:         strings.ToLower(ann[AnnotationRepo]),
			TargetBranch: ann[AnnotationTargetBranch],
			GitCommit:    ann[AnnotationGitCommit],
		},
		Deleted: d.GetDeletionTimestamp() != nil,
		Created: d.GetCreationTimestamp().Time.UTC(),
	}
	if pr, err := strconv.Atoi(ann[AnnotationPR]); err == nil && pr > 0 {
		b.CommitInfo.PR = pr
	}
	switch InitStatus(ann[AnnotationInitStatus]) {
	case InitStatusStarted:
		b.InitStatus = InitStatusStarted
	case InitStatusSucceeded:
		b.InitStatus = InitStatusSucceeded
	case InitStatusFailed:
		b.InitStatus = InitStatusFailed
	default:
		// Unknown or missing means not initialized yet.
		b.InitStatus = InitStatusTodo
	}
	if d.Spec.Replicas != nil {
		b.DesiredReplicas = *d.Spec.Replicas
	}
	b.ReadyReplicas = d.Status.ReadyReplicas
	if t, ok := ParseTimestamp(ann[AnnotationInitStatusTimestamp]); ok {
		b.InitStatusTimestamp = t
	} else {
		b.InitStatusTimestamp = b.Created
	}
	if t, ok := ParseTimestamp(ann[AnnotationLastScaled]); ok {
		b.LastScaled = t
	} else {
		b.LastScaled = b.Created
	}
	return b
}

// Status derives the build status. It is a total function of the snapshot.
func (b Build) Status() Status {
	switch {
	case b.Deleted && !b.CleanupJobSucceeded:
		return StatusCleaning
	case b.InitStatus == InitStatusTodo && !b.InitJobInFlight:
		return StatusTodo
	case b.InitStatus == InitStatusStarted || b.InitJobInFlight:
		return StatusInitializing
	case b.InitStatus == InitStatusFailed:
		return StatusFailed
	case b.DesiredReplicas == 0:
		return StatusStopped
	case b.ReadyReplicas >= 1:
		return StatusStarted
	default:
		return StatusStarting
	}
}

// Equal reports whether two snapshots are identical. Timestamps compare by
// instant so that cluster-parsed and locally-built values match.
func (b Build) Equal(other Build) bool {
	return b.Name == other.Name &&
		b.DeploymentName == other.DeploymentName &&
		b.CommitInfo == other.CommitInfo &&
		b.InitStatus == other.InitStatus &&
		b.InitStatusTimestamp.Equal(other.InitStatusTimestamp) &&
		b.DesiredReplicas == other.DesiredReplicas &&
		b.ReadyReplicas == other.ReadyReplicas &&
		b.Deleted == other.Deleted &&
		b.Created.Equal(other.Created) &&
		b.LastScaled.Equal(other.LastScaled) &&
		b.InitJobInFlight == other.InitJobInFlight &&
		b.CleanupJobExists == other.CleanupJobExists &&
		b.CleanupJobSucceeded == other.CleanupJobSucceeded &&
		b.CleanupJobFailed == other.CleanupJobFailed
}

// FormatTimestamp renders a timestamp for the runboat annotations.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp reads a timestamp from a runboat annotation. Naive
// ISO 8601 values (no zone) are accepted as UTC for compatibility with
// annotations written by earlier deployments.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
