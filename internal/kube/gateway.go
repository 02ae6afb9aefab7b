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

// Package kube is the gateway to the build namespace. It renders and
// applies kubefiles bundles, mutates deployment annotations and replica
// counts, deletes build resources by label and reads pod logs. All
// mutations are idempotent; transient API errors are retried with
// capped exponential backoff.
package kube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/runboat/runboat/internal/build"
)

// fieldOwner identifies runboat in server-side apply field management.
const fieldOwner = client.FieldOwner("runboat")

// defaultContainerAnnotation selects the container whose log is served.
const defaultContainerAnnotation = "kubectl.kubernetes.io/default-container"

// transientBackoff caps retries of flaky API calls at roughly 30 seconds.
var transientBackoff = wait.Backoff{
	Steps:    7,
	Duration: 500 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

// managedKinds are the resource kinds a build may be made of. Deleting a
// build removes every object of these kinds carrying its label.
var managedKinds = []schema.GroupVersionKind{
	{Version: "v1", Kind: "ConfigMap"},
	{Group: "apps", Version: "v1", Kind: "Deployment"},
	{Group: "networking.k8s.io", Version: "v1", Kind: "Ingress"},
	{Group: "batch", Version: "v1", Kind: "Job"},
	{Version: "v1", Kind: "Secret"},
	{Version: "v1", Kind: "Service"},
	{Version: "v1", Kind: "PersistentVolumeClaim"},
}

// Gateway performs all cluster mutations for the controller. Reads of
// deployments go through the manager's cache-backed client; pod logs use
// the clientset directly.
type Gateway struct {
	client    client.Client
	clientset kubernetes.Interface
	namespace string
	log       logr.Logger
}

// NewGateway returns a gateway scoped to the build namespace.
func NewGateway(c client.Client, cs kubernetes.Interface, namespace string, log logr.Logger) *Gateway {
	return &Gateway{
		client:    c,
		clientset: cs,
		namespace: namespace,
		log:       log,
	}
}

// Namespace returns the build namespace the gateway operates on.
func (g *Gateway) Namespace() string {
	return g.namespace
}

func isTransient(err error) bool {
	if apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err) ||
		apierrors.IsInternalError(err) ||
		apierrors.IsServiceUnavailable(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// withRetry runs op, retrying transient API errors until the backoff is
// exhausted. Non-retryable errors return immediately.
func (g *Gateway) withRetry(op func() error) error {
	return retry.OnError(transientBackoff, isTransient, op)
}

// GetDeployment reads a deployment by name.
func (g *Gateway) GetDeployment(ctx context.Context, deploymentName string) (*appsv1.Deployment, error) {
	d := &appsv1.Deployment{}
	key := types.NamespacedName{Namespace: g.namespace, Name: deploymentName}
	if err := g.client.Get(ctx, key, d); err != nil {
		return nil, err
	}
	return d, nil
}

// PatchDeploymentAnnotations merge-patches annotations onto a deployment.
func (g *Gateway) PatchDeploymentAnnotations(ctx context.Context, deploymentName string, annotations map[string]string) error {
	body, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"annotations": annotations},
	})
	if err != nil {
		return err
	}
	d := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: g.namespace, Name: deploymentName},
	}
	return g.withRetry(func() error {
		return g.client.Patch(ctx, d, client.RawPatch(types.MergePatchType, body))
	})
}

// ScaleDeployment sets spec.replicas and records the scaling time in the
// runboat/last-scaled annotation. Nothing is written when the deployment
// is already at the requested scale, so last-scaled only moves on real
// changes.
func (g *Gateway) ScaleDeployment(ctx context.Context, deploymentName string, replicas int32, now time.Time) error {
	d, err := g.GetDeployment(ctx, deploymentName)
	if err != nil {
		return err
	}
	if d.Spec.Replicas != nil && *d.Spec.Replicas == replicas {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"annotations": map[string]string{
				build.AnnotationLastScaled: build.FormatTimestamp(now),
			},
		},
		"spec": map[string]any{"replicas": replicas},
	})
	if err != nil {
		return err
	}
	g.log.Info("Scaling deployment", "deployment", deploymentName, "replicas", replicas)
	return g.withRetry(func() error {
		return g.client.Patch(ctx, d, client.RawPatch(types.MergePatchType, body))
	})
}

// SetInitStatus writes the runboat/init-status annotation with a fresh
// timestamp. No-op when the deployment already has the target status.
func (g *Gateway) SetInitStatus(ctx context.Context, deploymentName string, status build.InitStatus, now time.Time) error {
	d, err := g.GetDeployment(ctx, deploymentName)
	if err != nil {
		return err
	}
	if build.InitStatus(d.GetAnnotations()[build.AnnotationInitStatus]) == status {
		return nil
	}
	g.log.Info("Setting init status", "deployment", deploymentName, "initStatus", status)
	return g.PatchDeploymentAnnotations(ctx, deploymentName, map[string]string{
		build.AnnotationInitStatus:          string(status),
		build.AnnotationInitStatusTimestamp: build.FormatTimestamp(now),
	})
}

// ClaimInitialization moves a deployment from init-status todo to started
// using an optimistic update, acting as the initializer's admission
// lease. It returns false without error when the build is no longer
// claimable, including when another writer got there first.
func (g *Gateway) ClaimInitialization(ctx context.Context, deploymentName string, now time.Time) (bool, error) {
	d, err := g.GetDeployment(ctx, deploymentName)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	ann := d.GetAnnotations()
	if build.InitStatus(ann[build.AnnotationInitStatus]) != build.InitStatusTodo {
		return false, nil
	}
	if ann == nil {
		ann = map[string]string{}
	}
	ann[build.AnnotationInitStatus] = string(build.InitStatusStarted)
	ann[build.AnnotationInitStatusTimestamp] = build.FormatTimestamp(now)
	d.SetAnnotations(ann)
	if err := g.client.Update(ctx, d); err != nil {
		if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DeleteDeployment deletes the build's deployment. The cleanup finalizer
// keeps it around until the cleanup job has run.
func (g *Gateway) DeleteDeployment(ctx context.Context, deploymentName string) error {
	d := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: g.namespace, Name: deploymentName},
	}
	err := g.withRetry(func() error {
		return g.client.Delete(ctx, d)
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

// RemoveFinalizer removes a finalizer from a deployment, retrying on
// optimistic concurrency conflicts.
func (g *Gateway) RemoveFinalizer(ctx context.Context, deploymentName string, finalizer string) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		d, err := g.GetDeployment(ctx, deploymentName)
		if err != nil {
			if apierrors.IsNotFound(err) {
				return nil
			}
			return err
		}
		finalizers := d.GetFinalizers()
		kept := finalizers[:0]
		for _, f := range finalizers {
			if f != finalizer {
				kept = append(kept, f)
			}
		}
		if len(kept) == len(finalizers) {
			return nil
		}
		d.SetFinalizers(kept)
		return g.client.Update(ctx, d)
	})
}

// DeleteBuildResources deletes every managed resource carrying the
// build's label. Kinds without collection deletion are handled by
// listing and deleting individually.
func (g *Gateway) DeleteBuildResources(ctx context.Context, buildName string) error {
	g.log.Info("Deleting build resources", "build", buildName)
	for _, gvk := range managedKinds {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))
		err := g.withRetry(func() error {
			return g.client.List(ctx, list,
				client.InNamespace(g.namespace),
				client.MatchingLabels{build.LabelBuild: buildName},
			)
		})
		if err != nil {
			return fmt.Errorf("listing %s for build %s: %w", gvk.Kind, buildName, err)
		}
		for i := range list.Items {
			obj := &list.Items[i]
			err := g.withRetry(func() error {
				return g.client.Delete(ctx, obj, client.PropagationPolicy(metav1.DeletePropagationBackground))
			})
			if err != nil && !apierrors.IsNotFound(err) {
				return fmt.Errorf("deleting %s %s: %w", gvk.Kind, obj.GetName(), err)
			}
		}
	}
	return nil
}

// KillJob force-deletes a build's initialize or cleanup job and its pods.
func (g *Gateway) KillJob(ctx context.Context, buildName string, kind build.JobKind) error {
	selector := client.MatchingLabels{
		build.LabelBuild:   buildName,
		build.LabelJobKind: string(kind),
	}
	zero := int64(0)
	opts := []client.DeleteAllOfOption{
		client.InNamespace(g.namespace),
		selector,
		client.GracePeriodSeconds(zero),
		client.PropagationPolicy(metav1.DeletePropagationBackground),
	}
	if err := g.withRetry(func() error {
		return g.client.DeleteAllOf(ctx, &batchv1.Job{}, opts...)
	}); err != nil {
		return err
	}
	return g.withRetry(func() error {
		return g.client.DeleteAllOf(ctx, &corev1.Pod{}, opts...)
	})
}

// ReadLog streams the log of the most recent pod of a build. A nil
// jobKind selects the build's running pod; otherwise the pod of the
// given one-shot job. The caller closes the stream.
func (g *Gateway) ReadLog(ctx context.Context, buildName string, jobKind *build.JobKind) (io.ReadCloser, error) {
	pods, err := g.clientset.CoreV1().Pods(g.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: build.LabelBuild + "=" + buildName,
	})
	if err != nil {
		return nil, err
	}
	var matched []corev1.Pod
	for _, pod := range pods.Items {
		kind, hasKind := pod.Labels[build.LabelJobKind]
		if jobKind == nil {
			if !hasKind {
				matched = append(matched, pod)
			}
		} else if kind == string(*jobKind) {
			matched = append(matched, pod)
		}
	}
	if len(matched) == 0 {
		return nil, apierrors.NewNotFound(corev1.Resource("pods"), buildName)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[j].CreationTimestamp.Before(&matched[i].CreationTimestamp)
	})
	pod := matched[0]
	opts := &corev1.PodLogOptions{
		Container: pod.Annotations[defaultContainerAnnotation],
	}
	return g.clientset.CoreV1().Pods(g.namespace).GetLogs(pod.Name, opts).Stream(ctx)
}
