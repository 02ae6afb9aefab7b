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
	"k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/kube"
)

// DeploymentReconciler feeds the build index from the deployment watch
// and drives cleanup for deployments marked for deletion. It is the only
// writer of deployment-derived index state.
type DeploymentReconciler struct {
	client.Client
	Controller *Controller
}

//+kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch;create;delete
//+kubebuilder:rbac:groups="",resources=configmaps;secrets;services;persistentvolumeclaims;pods,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups="",resources=pods/log,verbs=get
//+kubebuilder:rbac:groups=networking.k8s.io,resources=ingresses,verbs=get;list;watch;create;update;patch;delete

// Reconcile mirrors one deployment into the index and, when the
// deployment is being deleted, makes sure its cleanup job exists.
func (r *DeploymentReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	d := &appsv1.Deployment{}
	if err := r.Get(ctx, req.NamespacedName, d); err != nil {
		if errors.IsNotFound(err) {
			r.Controller.Index.RemoveDeployment(req.Name)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	name := d.GetLabels()[build.LabelBuild]
	if name == "" {
		return ctrl.Result{}, nil
	}
	r.Controller.Index.UpsertDeployment(build.FromDeployment(d))

	// Deletion driver: a deployment with a deletion timestamp and no
	// cleanup job yet gets one. The job name is fixed per build, so a
	// concurrent reconcile cannot create a second one.
	b, ok := r.Controller.Index.Get(name)
	if !ok || !b.Deleted || b.CleanupJobExists {
		return ctrl.Result{}, nil
	}
	recipe, kubefilesPath, found := r.Controller.recipeFor(b)
	if !found {
		// The rule was removed from the configuration after the build
		// was deployed. Cleanup cannot be rendered; leave the finalizer
		// in place for the operator to sort out.
		logger.Info("No rule matches build awaiting cleanup, leaving finalizer",
			"build", name, "repo", b.CommitInfo.Repo, "targetBranch", b.CommitInfo.TargetBranch)
		return ctrl.Result{}, nil
	}
	logger.Info("Launching cleanup job", "build", name)
	vars := kube.MakeBundleVars(r.Controller.Settings, kube.ModeCleanup, name, b.CommitInfo, recipe)
	if err := r.Controller.Gateway.ApplyBundle(ctx, kubefilesPath, vars); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

// SetupWithManager registers the reconciler for deployments carrying the
// build label.
func (r *DeploymentReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		Named("deployment").
		For(&appsv1.Deployment{}, builder.WithPredicates(hasBuildLabel())).
		Complete(r)
}

// hasBuildLabel keeps unmanaged objects out of the reconcilers. The
// cache is already label-filtered; this guards non-production setups
// where it is not.
func hasBuildLabel() predicate.Predicate {
	return predicate.NewPredicateFuncs(func(obj client.Object) bool {
		return obj.GetLabels()[build.LabelBuild] != ""
	})
}
