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
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/runboat/runboat/internal/build"
)

// CacheSyncWaiter is the part of the manager cache the warmup needs.
type CacheSyncWaiter interface {
	WaitForCacheSync(ctx context.Context) bool
}

// Warmup populates the index from the synced cache and then marks it
// ready. Until it has run, commands are refused and the capacity loops
// stay idle, so a fresh controller never acts on a partial view of the
// cluster.
type Warmup struct {
	Cache      CacheSyncWaiter
	Client     client.Reader
	Controller *Controller
	// Wake is called once the index is ready, typically to kick the
	// capacity loops.
	Wake func()
}

// Start implements the manager's Runnable contract. It returns once the
// sweep is done; errors abort manager startup.
func (w *Warmup) Start(ctx context.Context) error {
	log := w.Controller.Log.WithName("warmup")
	if !w.Cache.WaitForCacheSync(ctx) {
		return fmt.Errorf("cache never synced")
	}

	ns := w.Controller.Settings.BuildNamespace
	idx := w.Controller.Index

	// Jobs first so the in-flight and outcome flags are in place when
	// the deployments land.
	jobs := &batchv1.JobList{}
	if err := w.Client.List(ctx, jobs, client.InNamespace(ns), client.HasLabels{build.LabelBuild}); err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	for i := range jobs.Items {
		job := &jobs.Items[i]
		name := job.GetLabels()[build.LabelBuild]
		kind := build.JobKind(job.GetLabels()[build.LabelJobKind])
		if name == "" || (kind != build.JobKindInitialize && kind != build.JobKindCleanup) {
			continue
		}
		succeeded, failed := jobOutcome(job)
		idx.UpsertJob(job.Name, name, kind, succeeded, failed)
	}

	deployments := &appsv1.DeploymentList{}
	if err := w.Client.List(ctx, deployments, client.InNamespace(ns), client.HasLabels{build.LabelBuild}); err != nil {
		return fmt.Errorf("listing deployments: %w", err)
	}
	for i := range deployments.Items {
		d := &deployments.Items[i]
		if d.GetLabels()[build.LabelBuild] == "" {
			continue
		}
		idx.UpsertDeployment(build.FromDeployment(d))
	}

	idx.MarkReady()
	log.Info("Index ready", "deployments", len(deployments.Items), "jobs", len(jobs.Items))
	if w.Wake != nil {
		w.Wake()
	}
	return nil
}
