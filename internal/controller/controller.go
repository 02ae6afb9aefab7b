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

// Package controller drives managed builds through their lifecycle. It
// holds the command surface invoked by the HTTP layer, the reconcilers
// that feed the build index from the cluster watch, and the capacity
// loops that initialize, stop and undeploy builds against the
// configured limits. All durable state lives in the cluster; the
// controller only ever enacts transitions and observes them back
// through the watch.
package controller

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/config"
	"github.com/runboat/runboat/internal/index"
	"github.com/runboat/runboat/internal/kube"
)

// Gateway is the cluster surface the controller mutates builds through.
// Implemented by kube.Gateway.
type Gateway interface {
	ApplyBundle(ctx context.Context, kubefilesPath string, vars kube.BundleVars) error
	ScaleDeployment(ctx context.Context, deploymentName string, replicas int32, now time.Time) error
	SetInitStatus(ctx context.Context, deploymentName string, status build.InitStatus, now time.Time) error
	ClaimInitialization(ctx context.Context, deploymentName string, now time.Time) (bool, error)
	DeleteDeployment(ctx context.Context, deploymentName string) error
	RemoveFinalizer(ctx context.Context, deploymentName string, finalizer string) error
	DeleteBuildResources(ctx context.Context, buildName string) error
	KillJob(ctx context.Context, buildName string, kind build.JobKind) error
	ReadLog(ctx context.Context, buildName string, jobKind *build.JobKind) (io.ReadCloser, error)
}

// CommitResolver resolves branch and pull request heads for the trigger
// commands. Implemented by the GitHub client.
type CommitResolver interface {
	BranchInfo(ctx context.Context, repo, branch string) (build.CommitInfo, error)
	PullInfo(ctx context.Context, repo string, pr int) (build.CommitInfo, error)
}

var commitRe = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Controller is the single shared object wiring settings, index and
// gateway together. It is instantiated once at process start and passed
// to the reconcilers, loops and HTTP handlers.
type Controller struct {
	Settings *config.Settings
	Index    *index.Index
	Gateway  Gateway
	// GitHub is nil when no trigger commands are wanted.
	GitHub CommitResolver
	Log    logr.Logger

	now func() time.Time
}

// New returns a controller over the given collaborators.
func New(settings *config.Settings, idx *index.Index, gw Gateway, gh CommitResolver, log logr.Logger) *Controller {
	return &Controller{
		Settings: settings,
		Index:    idx,
		Gateway:  gw,
		GitHub:   gh,
		Log:      log,
		now:      time.Now,
	}
}

// classify maps gateway errors to command error kinds.
func classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	if apierrors.IsNotFound(err) {
		return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...), Err: err}
	}
	return upstream(err, format, args...)
}

func (c *Controller) requireReady() error {
	if !c.Index.Ready() {
		return unavailablef("controller is still syncing with the cluster")
	}
	return nil
}

func (c *Controller) getBuild(name string) (build.Build, error) {
	if err := c.requireReady(); err != nil {
		return build.Build{}, err
	}
	b, ok := c.Index.Get(name)
	if !ok {
		return build.Build{}, notFoundf("no build named %s", name)
	}
	return b, nil
}

func validateCommitInfo(ci build.CommitInfo) error {
	if ci.Repo == "" || ci.TargetBranch == "" {
		return rejectedf("repo and target branch are required")
	}
	if !commitRe.MatchString(ci.GitCommit) {
		return rejectedf("git commit must be a 40 character lowercase sha")
	}
	if ci.PR < 0 {
		return rejectedf("pr must be positive")
	}
	return nil
}

// Deploy creates the build for a commit and returns its name. The
// repository and branch must match a configured rule and the commit must
// not be deployed yet.
func (c *Controller) Deploy(ctx context.Context, ci build.CommitInfo) (string, error) {
	if err := c.requireReady(); err != nil {
		return "", err
	}
	ci.Repo = strings.ToLower(ci.Repo)
	if err := validateCommitInfo(ci); err != nil {
		return "", err
	}
	recipe, ok := c.Settings.Match(ci.Repo, ci.TargetBranch)
	if !ok {
		return "", rejectedf("%s branch %s matches no configured rule", ci.Repo, ci.TargetBranch)
	}
	name := build.Name(ci)
	if _, exists := c.Index.Get(name); exists {
		return "", conflictf("build %s already exists", name)
	}
	if _, exists := c.Index.GetForCommit(ci); exists {
		return "", conflictf("commit %s of %s is already deployed", ci.GitCommit, ci.Repo)
	}
	vars := kube.MakeBundleVars(c.Settings, kube.ModeDeployment, name, ci, recipe)
	if err := c.Gateway.ApplyBundle(ctx, c.Settings.KubefilesPathFor(recipe), vars); err != nil {
		return "", classify(err, "deploying %s", name)
	}
	c.Log.Info("Deployed build", "build", name, "repo", ci.Repo, "targetBranch", ci.TargetBranch, "pr", ci.PR)
	return name, nil
}

// DeployIfMissing deploys a commit unless a build for it already exists.
// This is the webhook path: duplicate deliveries are silently kept.
func (c *Controller) DeployIfMissing(ctx context.Context, ci build.CommitInfo) error {
	_, err := c.Deploy(ctx, ci)
	if KindOf(err) == KindConflict {
		return nil
	}
	return err
}

// Start scales a stopped build up, or re-queues initialization of a
// failed one. Builds already on their way up are left alone.
func (c *Controller) Start(ctx context.Context, name string) error {
	b, err := c.getBuild(name)
	if err != nil {
		return err
	}
	switch b.Status() {
	case build.StatusStopped:
		return classify(c.Gateway.ScaleDeployment(ctx, b.DeploymentName, 1, c.now()), "starting %s", name)
	case build.StatusFailed:
		return classify(c.Gateway.SetInitStatus(ctx, b.DeploymentName, build.InitStatusTodo, c.now()), "requeueing %s", name)
	case build.StatusTodo, build.StatusInitializing, build.StatusStarting, build.StatusStarted:
		return nil
	default:
		return conflictf("cannot start build %s in status %s", name, b.Status())
	}
}

// Stop scales a build down to zero replicas.
func (c *Controller) Stop(ctx context.Context, name string) error {
	b, err := c.getBuild(name)
	if err != nil {
		return err
	}
	if b.Status() == build.StatusCleaning {
		return conflictf("cannot stop build %s in status %s", name, b.Status())
	}
	return classify(c.Gateway.ScaleDeployment(ctx, b.DeploymentName, 0, c.now()), "stopping %s", name)
}

// Reset stops a build and marks it for re-initialization from scratch.
// Any in-flight initialization job is killed.
func (c *Controller) Reset(ctx context.Context, name string) error {
	b, err := c.getBuild(name)
	if err != nil {
		return err
	}
	if b.Status() == build.StatusCleaning {
		return conflictf("cannot reset build %s in status %s", name, b.Status())
	}
	if err := c.Gateway.KillJob(ctx, name, build.JobKindInitialize); err != nil {
		return classify(err, "killing initialization job of %s", name)
	}
	if err := c.Gateway.ScaleDeployment(ctx, b.DeploymentName, 0, c.now()); err != nil {
		return classify(err, "stopping %s", name)
	}
	return classify(c.Gateway.SetInitStatus(ctx, b.DeploymentName, build.InitStatusTodo, c.now()), "resetting %s", name)
}

// Undeploy marks a build for deletion. The cleanup finalizer keeps the
// deployment around until the cleanup job has run; actual resource
// removal is the job reaper's duty. Undeploying a build already being
// cleaned is a no-op.
func (c *Controller) Undeploy(ctx context.Context, name string) error {
	b, err := c.getBuild(name)
	if err != nil {
		return err
	}
	if b.Deleted {
		return nil
	}
	c.Log.Info("Undeploying build", "build", name)
	return classify(c.Gateway.DeleteDeployment(ctx, b.DeploymentName), "undeploying %s", name)
}

// UndeployAll undeploys every build matching the filter.
func (c *Controller) UndeployAll(ctx context.Context, f index.Filter) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	for _, b := range c.Index.Search(f) {
		if err := c.Undeploy(ctx, b.Name); err != nil && KindOf(err) != KindNotFound {
			return err
		}
	}
	return nil
}

// TriggerBranch resolves the head of a branch and deploys it.
func (c *Controller) TriggerBranch(ctx context.Context, repo, branch string) error {
	if c.GitHub == nil {
		return rejectedf("no github client configured")
	}
	if err := c.requireReady(); err != nil {
		return err
	}
	if !c.Settings.Supported(strings.ToLower(repo), branch) {
		return rejectedf("%s branch %s matches no configured rule", repo, branch)
	}
	ci, err := c.GitHub.BranchInfo(ctx, repo, branch)
	if err != nil {
		return upstream(err, "resolving head of %s branch %s", repo, branch)
	}
	return c.DeployIfMissing(ctx, ci)
}

// TriggerPull resolves the head of a pull request and deploys it.
func (c *Controller) TriggerPull(ctx context.Context, repo string, pr int) error {
	if c.GitHub == nil {
		return rejectedf("no github client configured")
	}
	if err := c.requireReady(); err != nil {
		return err
	}
	ci, err := c.GitHub.PullInfo(ctx, repo, pr)
	if err != nil {
		return upstream(err, "resolving head of %s#%d", repo, pr)
	}
	if !c.Settings.Supported(ci.Repo, ci.TargetBranch) {
		return rejectedf("%s branch %s matches no configured rule", ci.Repo, ci.TargetBranch)
	}
	return c.DeployIfMissing(ctx, ci)
}

// InitLog streams the log of a build's most recent initialization pod.
func (c *Controller) InitLog(ctx context.Context, name string) (io.ReadCloser, error) {
	if _, err := c.getBuild(name); err != nil {
		return nil, err
	}
	kind := build.JobKindInitialize
	rc, err := c.Gateway.ReadLog(ctx, name, &kind)
	return rc, classify(err, "reading initialization log of %s", name)
}

// BuildLog streams the log of a build's running pod.
func (c *Controller) BuildLog(ctx context.Context, name string) (io.ReadCloser, error) {
	if _, err := c.getBuild(name); err != nil {
		return nil, err
	}
	rc, err := c.Gateway.ReadLog(ctx, name, nil)
	return rc, classify(err, "reading log of %s", name)
}

// StatusReport is the capacity picture served on the status endpoint.
type StatusReport struct {
	Deployed        int `json:"deployed"`
	MaxDeployed     int `json:"max_deployed"`
	Failed          int `json:"failed"`
	Stopped         int `json:"stopped"`
	Started         int `json:"started"`
	MaxStarted      int `json:"max_started"`
	ToInitialize    int `json:"to_initialize"`
	Initializing    int `json:"initializing"`
	MaxInitializing int `json:"max_initializing"`
	Cleaning        int `json:"cleaning"`
}

// Status returns the current capacity counters.
func (c *Controller) Status() StatusReport {
	counts := c.Index.Counts()
	return StatusReport{
		Deployed:        counts.Deployed,
		MaxDeployed:     c.Settings.MaxDeployed,
		Failed:          counts.Failed,
		Stopped:         counts.Stopped,
		Started:         counts.Started,
		MaxStarted:      c.Settings.MaxStarted,
		ToInitialize:    counts.ToInitialize,
		Initializing:    counts.Initializing,
		MaxInitializing: c.Settings.MaxInitializing,
		Cleaning:        counts.Cleaning,
	}
}

// recipeFor finds the kubefiles and recipe to use for an existing
// build's repository and branch.
func (c *Controller) recipeFor(b build.Build) (config.BuildRecipe, string, bool) {
	recipe, ok := c.Settings.Match(b.CommitInfo.Repo, b.CommitInfo.TargetBranch)
	if !ok {
		return config.BuildRecipe{}, "", false
	}
	return recipe, c.Settings.KubefilesPathFor(recipe), true
}
