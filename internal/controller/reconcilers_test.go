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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/kube"
)

func testDeployment(name string, deleted bool) *appsv1.Deployment {
	replicas := int32(0)
	d := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: testNamespace,
			Labels:    map[string]string{build.LabelBuild: name},
			Annotations: map[string]string{
				build.AnnotationRepo:         "acme/web",
				build.AnnotationTargetBranch: "16.0",
				build.AnnotationGitCommit:    testCommit(1),
				build.AnnotationInitStatus:   string(build.InitStatusTodo),
			},
			Finalizers: []string{build.FinalizerCleanup},
		},
		Spec: appsv1.DeploymentSpec{Replicas: &replicas},
	}
	if deleted {
		now := metav1.Now()
		d.DeletionTimestamp = &now
	}
	return d
}

func testJob(jobName, buildName string, kind build.JobKind, succeeded, failed bool) *batchv1.Job {
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: testNamespace,
			Labels: map[string]string{
				build.LabelBuild:   buildName,
				build.LabelJobKind: string(kind),
			},
		},
	}
	if succeeded {
		job.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}}
		job.Status.Succeeded = 1
	}
	if failed {
		job.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobFailed, Status: corev1.ConditionTrue}}
		job.Status.Failed = 1
	}
	return job
}

// syncedCache is a CacheSyncWaiter that is always synced.
type syncedCache struct{}

func (syncedCache) WaitForCacheSync(context.Context) bool { return true }

func reconcileRequest(name string) ctrl.Request {
	return ctrl.Request{NamespacedName: types.NamespacedName{Namespace: testNamespace, Name: name}}
}

func newFakeClient(objs ...client.Object) client.Client {
	return fake.NewClientBuilder().
		WithScheme(clientgoscheme.Scheme).
		WithObjects(objs...).
		Build()
}

var _ = Describe("DeploymentReconciler", func() {
	var (
		gw  *fakeGateway
		c   *Controller
		ctx context.Context
	)

	BeforeEach(func() {
		gw = &fakeGateway{}
		c = newTestController(gw, nil)
		c.Index.MarkReady()
		ctx = context.Background()
	})

	It("mirrors a deployment into the index", func() {
		d := testDeployment("b1", false)
		r := &DeploymentReconciler{Client: newFakeClient(d), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1"))
		Expect(err).NotTo(HaveOccurred())
		b, ok := c.Index.Get("b1")
		Expect(ok).To(BeTrue())
		Expect(b.CommitInfo.Repo).To(Equal("acme/web"))
		Expect(b.Status()).To(Equal(build.StatusTodo))
	})

	It("drops vanished deployments from the index", func() {
		seedBuild(c, "b1", build.StatusStopped, 1)
		r := &DeploymentReconciler{Client: newFakeClient(), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1"))
		Expect(err).NotTo(HaveOccurred())
		_, ok := c.Index.Get("b1")
		Expect(ok).To(BeFalse())
	})

	It("launches the cleanup job for a deployment being deleted", func() {
		d := testDeployment("b1", true)
		r := &DeploymentReconciler{Client: newFakeClient(d), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.applied).To(HaveLen(1))
		Expect(gw.applied[0].vars.Mode).To(Equal(kube.ModeCleanup))
		Expect(gw.applied[0].vars.BuildName).To(Equal("b1"))
	})

	It("does not launch a second cleanup job", func() {
		d := testDeployment("b1", true)
		c.Index.UpsertJob("b1-cleanup", "b1", build.JobKindCleanup, false, false)
		r := &DeploymentReconciler{Client: newFakeClient(d), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.applied).To(BeEmpty())
	})

	It("ignores deployments without the build label", func() {
		d := testDeployment("b1", false)
		d.Labels = nil
		r := &DeploymentReconciler{Client: newFakeClient(d), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Index.CountAll()).To(BeZero())
	})
})

var _ = Describe("JobReconciler", func() {
	var (
		gw  *fakeGateway
		c   *Controller
		ctx context.Context
	)

	BeforeEach(func() {
		gw = &fakeGateway{}
		c = newTestController(gw, nil)
		c.Index.MarkReady()
		ctx = context.Background()
	})

	It("marks a running initialization in flight", func() {
		seedBuild(c, "b1", build.StatusTodo, 1)
		job := testJob("b1-initialize", "b1", build.JobKindInitialize, false, false)
		r := &JobReconciler{Client: newFakeClient(job), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1-initialize"))
		Expect(err).NotTo(HaveOccurred())
		b, _ := c.Index.Get("b1")
		Expect(b.Status()).To(Equal(build.StatusInitializing))
		Expect(gw.initStatuses).To(BeEmpty())
	})

	It("records success and starts the build once", func() {
		seedBuild(c, "b1", build.StatusInitializing, 1)
		job := testJob("b1-initialize", "b1", build.JobKindInitialize, true, false)
		r := &JobReconciler{Client: newFakeClient(job), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1-initialize"))
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.initStatuses).To(Equal([]initStatusCall{{deployment: "b1", status: build.InitStatusSucceeded}}))
		Expect(gw.scaled).To(Equal([]scaleCall{{deployment: "b1", replicas: 1}}))
	})

	It("does not re-start a build whose success was already recorded", func() {
		b := seedBuild(c, "b1", build.StatusStopped, 1)
		Expect(b.InitStatus).To(Equal(build.InitStatusSucceeded))
		job := testJob("b1-initialize", "b1", build.JobKindInitialize, true, false)
		r := &JobReconciler{Client: newFakeClient(job), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1-initialize"))
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.initStatuses).To(BeEmpty())
		Expect(gw.scaled).To(BeEmpty())
	})

	It("retries the start when the success was recorded but the scale never landed", func() {
		b := seedBuild(c, "b1", build.StatusStopped, 1)
		// Success landed, then the scale write failed: last-scaled still
		// predates the init-status write.
		b.LastScaled = b.InitStatusTimestamp.Add(-time.Minute)
		c.Index.UpsertDeployment(b)
		job := testJob("b1-initialize", "b1", build.JobKindInitialize, true, false)
		r := &JobReconciler{Client: newFakeClient(job), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1-initialize"))
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.initStatuses).To(BeEmpty())
		Expect(gw.scaled).To(Equal([]scaleCall{{deployment: "b1", replicas: 1}}))
	})

	It("records failure and keeps the build down", func() {
		seedBuild(c, "b1", build.StatusInitializing, 1)
		job := testJob("b1-initialize", "b1", build.JobKindInitialize, false, true)
		r := &JobReconciler{Client: newFakeClient(job), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1-initialize"))
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.initStatuses).To(Equal([]initStatusCall{{deployment: "b1", status: build.InitStatusFailed}}))
		Expect(gw.scaled).To(Equal([]scaleCall{{deployment: "b1", replicas: 0}}))
	})

	It("finishes undeployment after a successful cleanup", func() {
		seedBuild(c, "b1", build.StatusCleaning, 1)
		job := testJob("b1-cleanup", "b1", build.JobKindCleanup, true, false)
		r := &JobReconciler{Client: newFakeClient(job), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1-cleanup"))
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.resourcesDeleted).To(Equal([]string{"b1"}))
		Expect(gw.finalizersRemoved).To(Equal([]string{"b1"}))
	})

	It("leaves a failed cleanup for inspection", func() {
		seedBuild(c, "b1", build.StatusCleaning, 1)
		job := testJob("b1-cleanup", "b1", build.JobKindCleanup, false, true)
		r := &JobReconciler{Client: newFakeClient(job), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1-cleanup"))
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.resourcesDeleted).To(BeEmpty())
		Expect(gw.finalizersRemoved).To(BeEmpty())
	})

	It("deletes leftovers of a terminal job whose deployment is gone", func() {
		job := testJob("ghost-initialize", "ghost", build.JobKindInitialize, true, false)
		r := &JobReconciler{Client: newFakeClient(job), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("ghost-initialize"))
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.resourcesDeleted).To(Equal([]string{"ghost"}))
	})

	It("waits when the job's deployment has not been observed yet", func() {
		d := testDeployment("b1", false)
		job := testJob("b1-initialize", "b1", build.JobKindInitialize, true, false)
		r := &JobReconciler{Client: newFakeClient(d, job), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1-initialize"))
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.resourcesDeleted).To(BeEmpty())
	})

	It("forgets deleted jobs", func() {
		seedBuild(c, "b1", build.StatusTodo, 1)
		c.Index.UpsertJob("b1-initialize", "b1", build.JobKindInitialize, false, false)
		r := &JobReconciler{Client: newFakeClient(), Controller: c}
		_, err := r.Reconcile(ctx, reconcileRequest("b1-initialize"))
		Expect(err).NotTo(HaveOccurred())
		b, _ := c.Index.Get("b1")
		Expect(b.InitJobInFlight).To(BeFalse())
	})
})

var _ = Describe("Warmup", func() {
	It("sweeps jobs and deployments into the index and marks it ready", func() {
		gw := &fakeGateway{}
		c := newTestController(gw, nil)
		d := testDeployment("b1", false)
		job := testJob("b1-initialize", "b1", build.JobKindInitialize, false, false)
		cl := newFakeClient(d, job)
		woken := false
		w := &Warmup{
			Cache:      syncedCache{},
			Client:     cl,
			Controller: c,
			Wake:       func() { woken = true },
		}
		Expect(w.Start(context.Background())).To(Succeed())
		Expect(c.Index.Ready()).To(BeTrue())
		Expect(woken).To(BeTrue())
		b, ok := c.Index.Get("b1")
		Expect(ok).To(BeTrue())
		Expect(b.InitJobInFlight).To(BeTrue())
		Expect(b.Status()).To(Equal(build.StatusInitializing))
	})
})
