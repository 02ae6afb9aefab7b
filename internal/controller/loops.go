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

package controller

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/kube"
)

const (
	// loopTick bounds how long a capacity loop sleeps without events.
	loopTick = 10 * time.Second
	// eventBufferingDelay batches bursts of index events (e.g. the
	// initial discovery of existing deployments) into one loop pass.
	eventBufferingDelay = 1 * time.Second
	// loopRestartDelay is the pause after a panic in a loop body.
	loopRestartDelay = 5 * time.Second
)

// Loop is one long-lived capacity reconciler: it runs its body on a
// periodic tick and whenever the index wakes it. Bodies work on index
// snapshots and mutate only the cluster; they observe their own writes
// back through the watch.
type Loop struct {
	name string
	log  logr.Logger
	body func(ctx context.Context)
	wake chan struct{}
}

func newLoop(name string, log logr.Logger, body func(ctx context.Context)) *Loop {
	return &Loop{
		name: name,
		log:  log.WithName(name),
		body: body,
		wake: make(chan struct{}, 1),
	}
}

// Wake schedules a loop pass. Never blocks; pending wakeups coalesce.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Start runs the loop until the context is cancelled. It implements the
// manager's Runnable contract.
func (l *Loop) Start(ctx context.Context) error {
	l.log.Info("Starting loop")
	ticker := time.NewTicker(loopTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.log.Info("Stopping loop")
			return nil
		case <-l.wake:
			// Let a burst of events accumulate before acting.
			select {
			case <-time.After(eventBufferingDelay):
			case <-ctx.Done():
				return nil
			}
		case <-ticker.C:
		}
		l.runBody(ctx)
	}
}

// runBody isolates panics so a broken pass never tears down the
// process.
func (l *Loop) runBody(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error(nil, "Loop body panicked, restarting", "panic", r)
			select {
			case <-time.After(loopRestartDelay):
			case <-ctx.Done():
			}
		}
	}()
	l.body(ctx)
}

// NewInitializer returns the loop admitting initialization jobs up to
// the configured concurrency.
func (c *Controller) NewInitializer() *Loop {
	return newLoop("initializer", c.Log, c.initializePass)
}

// NewStopper returns the loop stopping the oldest started builds over
// the started cap.
func (c *Controller) NewStopper() *Loop {
	return newLoop("stopper", c.Log, c.stopPass)
}

// NewUndeployer returns the loop undeploying the oldest stopped or
// failed builds over the total cap.
func (c *Controller) NewUndeployer() *Loop {
	return newLoop("undeployer", c.Log, c.undeployPass)
}

// initializePass admits builds from the todo queue while capacity
// remains. The init-status patch is the admission lease: a build that
// is no longer claimable is skipped, and the bundle is only applied
// after a successful claim.
func (c *Controller) initializePass(ctx context.Context) {
	if !c.Index.Ready() {
		return
	}
	capacity := c.Settings.MaxInitializing - c.Index.CountByInitStatus(build.InitStatusStarted)
	if capacity <= 0 {
		return
	}
	todo := c.Index.ToInitialize(capacity)
	if len(todo) == 0 {
		return
	}
	c.Log.Info("Admitting builds for initialization",
		"initializing", c.Settings.MaxInitializing-capacity,
		"maxInitializing", c.Settings.MaxInitializing,
		"admitting", len(todo),
	)
	for _, b := range todo {
		if ctx.Err() != nil {
			return
		}
		claimed, err := c.Gateway.ClaimInitialization(ctx, b.DeploymentName, c.now())
		if err != nil {
			c.Log.Error(err, "Failed to claim build for initialization", "build", b.Name)
			continue
		}
		if !claimed {
			continue
		}
		recipe, kubefilesPath, found := c.recipeFor(b)
		if !found {
			c.Log.Info("No rule matches build awaiting initialization", "build", b.Name)
			continue
		}
		vars := kube.MakeBundleVars(c.Settings, kube.ModeInitialize, b.Name, b.CommitInfo, recipe)
		if err := c.Gateway.ApplyBundle(ctx, kubefilesPath, vars); err != nil {
			c.Log.Error(err, "Failed to launch initialization job", "build", b.Name)
		}
	}
}

// stopPass stops the least recently scaled started builds until the
// started count fits the cap.
func (c *Controller) stopPass(ctx context.Context) {
	if !c.Index.Ready() {
		return
	}
	started := c.Index.CountByStatus(build.StatusStarted)
	excess := started - c.Settings.MaxStarted
	if excess <= 0 {
		return
	}
	toStop := c.Index.OldestStarted(excess)
	if len(toStop) == 0 {
		return
	}
	c.Log.Info("Stopping oldest started builds",
		"started", started, "maxStarted", c.Settings.MaxStarted, "stopping", len(toStop))
	for _, b := range toStop {
		if ctx.Err() != nil {
			return
		}
		if err := c.Gateway.ScaleDeployment(ctx, b.DeploymentName, 0, c.now()); err != nil {
			c.Log.Error(err, "Failed to stop build", "build", b.Name)
		}
	}
}

// undeployPass undeploys the oldest stopped or failed builds until the
// total count fits the cap. Initializing and started builds are never
// evicted.
func (c *Controller) undeployPass(ctx context.Context) {
	if !c.Index.Ready() {
		return
	}
	deployed := c.Index.CountDeployed()
	excess := deployed - c.Settings.MaxDeployed
	if excess <= 0 {
		return
	}
	toUndeploy := c.Index.OldestUndeployable(excess)
	if len(toUndeploy) == 0 {
		return
	}
	c.Log.Info("Undeploying oldest builds",
		"deployed", deployed, "maxDeployed", c.Settings.MaxDeployed, "undeploying", len(toUndeploy))
	for _, b := range toUndeploy {
		if ctx.Err() != nil {
			return
		}
		if err := c.Gateway.DeleteDeployment(ctx, b.DeploymentName); err != nil {
			c.Log.Error(err, "Failed to undeploy build", "build", b.Name)
		}
	}
}
