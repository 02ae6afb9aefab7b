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

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/runboat/runboat/internal/build"
)

// JobReconciler is the job reaper. It mirrors initialize and cleanup
// jobs into the index and reacts to their completion: a finished
// initialization moves the build's init-status and auto-starts it once,
// a finished cleanup removes the build's resources and releases the
// finalizer.
type JobReconciler struct {
	client.Client
	Controller *Controller
}

// Reconcile handles one job event.
func (r *JobReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	job := &batchv1.Job{}
	if err := r.Get(ctx, req.NamespacedName, job); err != nil {
		if errors.IsNotFound(err) {
			r.Controller.Index.RemoveJob(req.Name)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	name := job.GetLabels()[build.LabelBuild]
	kind := build.JobKind(job.GetLabels()[build.LabelJobKind])
	if name == "" || (kind != build.JobKindInitialize && kind != build.JobKindCleanup) {
		return ctrl.Result{}, nil
	}
	succeeded, failed := jobOutcome(job)
	r.Controller.Index.UpsertJob(job.Name, name, kind, succeeded, failed)
	if !succeeded && !failed {
		return ctrl.Result{}, nil
	}

	b, known := r.Controller.Index.Get(name)
	if !known {
		// Job events can arrive before the deployment event; only treat
		// the build as gone when the cluster agrees.
		orphan, err := r.deploymentGone(ctx, name)
		if err != nil {
			return ctrl.Result{}, err
		}
		if !orphan {
			return ctrl.Result{}, nil
		}
		logger.Info("Terminal job for a vanished deployment, deleting leftover resources",
			"job", job.Name, "build", name)
		return ctrl.Result{}, r.Controller.Gateway.DeleteBuildResources(ctx, name)
	}

	switch kind {
	case build.JobKindInitialize:
		return ctrl.Result{}, r.reapInitialize(ctx, b, succeeded)
	case build.JobKindCleanup:
		return ctrl.Result{}, r.reapCleanup(ctx, b, succeeded)
	}
	return ctrl.Result{}, nil
}

// reapInitialize records the outcome of an initialization job. The
// init-status transition happens once; later resyncs of the same
// terminal job must not re-scale a build the user stopped since. A
// build counts as auto-started only once a scale landed at or after the
// init-status write, so a failed scale is retried on the next
// reconcile instead of being skipped behind the recorded init-status.
func (r *JobReconciler) reapInitialize(ctx context.Context, b build.Build, succeeded bool) error {
	logger := log.FromContext(ctx)
	now := r.Controller.now()
	if succeeded {
		if b.InitStatus == build.InitStatusSucceeded {
			if !b.LastScaled.Before(b.InitStatusTimestamp) {
				return nil
			}
			logger.Info("Retrying start after initialization", "build", b.Name)
			return r.Controller.Gateway.ScaleDeployment(ctx, b.DeploymentName, 1, now)
		}
		logger.Info("Initialization succeeded, starting build", "build", b.Name)
		if err := r.Controller.Gateway.SetInitStatus(ctx, b.DeploymentName, build.InitStatusSucceeded, now); err != nil {
			return err
		}
		return r.Controller.Gateway.ScaleDeployment(ctx, b.DeploymentName, 1, now)
	}
	if b.InitStatus == build.InitStatusFailed {
		return nil
	}
	logger.Info("Initialization failed", "build", b.Name)
	if err := r.Controller.Gateway.SetInitStatus(ctx, b.DeploymentName, build.InitStatusFailed, now); err != nil {
		return err
	}
	return r.Controller.Gateway.ScaleDeployment(ctx, b.DeploymentName, 0, now)
}

// reapCleanup finishes undeployment after a cleanup job. On success all
// labeled resources go, then the finalizer. A failed cleanup is an
// operational error: the job is kept for inspection and is not
// recreated, deleting it by hand makes the deletion driver try again.
func (r *JobReconciler) reapCleanup(ctx context.Context, b build.Build, succeeded bool) error {
	logger := log.FromContext(ctx)
	if !succeeded {
		logger.Error(nil, "Cleanup job failed, operator attention needed", "build", b.Name)
		return nil
	}
	if !b.Deleted {
		// A cleanup job exists but the deployment is not being deleted.
		// Leave it alone; the deletion driver owns cleanup creation.
		return nil
	}
	logger.Info("Cleanup succeeded, deleting build resources", "build", b.Name)
	if err := r.Controller.Gateway.DeleteBuildResources(ctx, b.Name); err != nil {
		return err
	}
	return r.Controller.Gateway.RemoveFinalizer(ctx, b.DeploymentName, build.FinalizerCleanup)
}

// deploymentGone reports whether no deployment carries the build label.
func (r *JobReconciler) deploymentGone(ctx context.Context, name string) (bool, error) {
	list := &appsv1.DeploymentList{}
	if err := r.List(ctx, list,
		client.InNamespace(r.Controller.Settings.BuildNamespace),
		client.MatchingLabels{build.LabelBuild: name},
	); err != nil {
		return false, err
	}
	return len(list.Items) == 0, nil
}

// jobOutcome reads the terminal state of a job from its conditions,
// falling back to the pod counters.
func jobOutcome(job *batchv1.Job) (succeeded, failed bool) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			succeeded = true
		case batchv1.JobFailed:
			failed = true
		}
	}
	if job.Status.Succeeded > 0 {
		succeeded = true
	}
	if !succeeded && job.Status.Failed > 0 {
		failed = true
	}
	return succeeded, failed
}

// SetupWithManager registers the reconciler for jobs carrying the build
// label.
func (r *JobReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		Named("job").
		For(&batchv1.Job{}, builder.WithPredicates(hasBuildLabel())).
		Complete(r)
}
