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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/index"
	"github.com/runboat/runboat/internal/kube"
)

var _ = Describe("Deploy", func() {
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

	It("applies the deployment bundle for a matching commit", func() {
		ci := build.CommitInfo{Repo: "acme/web", TargetBranch: "16.0", GitCommit: testCommit(1)}
		name, err := c.Deploy(ctx, ci)
		Expect(err).NotTo(HaveOccurred())
		Expect(name).NotTo(BeEmpty())
		Expect(gw.applied).To(HaveLen(1))
		Expect(gw.applied[0].vars.Mode).To(Equal(kube.ModeDeployment))
		Expect(gw.applied[0].vars.BuildName).To(Equal(name))
		Expect(gw.applied[0].vars.GitCommit).To(Equal(ci.GitCommit))
	})

	It("lowercases the repository before matching", func() {
		ci := build.CommitInfo{Repo: "Acme/Web", TargetBranch: "16.0", GitCommit: testCommit(1)}
		_, err := c.Deploy(ctx, ci)
		Expect(err).NotTo(HaveOccurred())
		Expect(gw.applied[0].vars.Repo).To(Equal("acme/web"))
	})

	It("refuses while the index is warming up", func() {
		c2 := newTestController(gw, nil)
		_, err := c2.Deploy(ctx, build.CommitInfo{Repo: "acme/web", TargetBranch: "16.0", GitCommit: testCommit(1)})
		Expect(KindOf(err)).To(Equal(KindUnavailable))
	})

	It("rejects repositories matching no rule", func() {
		_, err := c.Deploy(ctx, build.CommitInfo{Repo: "other/repo", TargetBranch: "16.0", GitCommit: testCommit(1)})
		Expect(KindOf(err)).To(Equal(KindRejected))
		Expect(gw.applied).To(BeEmpty())
	})

	It("rejects malformed commit shas", func() {
		_, err := c.Deploy(ctx, build.CommitInfo{Repo: "acme/web", TargetBranch: "16.0", GitCommit: "HEAD"})
		Expect(KindOf(err)).To(Equal(KindRejected))
	})

	It("conflicts on a commit that is already deployed", func() {
		ci := build.CommitInfo{Repo: "acme/web", TargetBranch: "16.0", GitCommit: testCommit(7)}
		b := seedBuild(c, "web-16-0-aabbccdd", build.StatusStarted, 7)
		Expect(b.CommitInfo.GitCommit).To(Equal(ci.GitCommit))
		_, err := c.Deploy(ctx, ci)
		Expect(KindOf(err)).To(Equal(KindConflict))
	})

	It("conflicts on a build name that is already taken", func() {
		ci := build.CommitInfo{Repo: "acme/web", TargetBranch: "16.0", GitCommit: testCommit(1)}
		seeded := seedBuild(c, build.Name(ci), build.StatusStopped, 99)
		Expect(seeded.Name).To(Equal(build.Name(ci)))
		_, err := c.Deploy(ctx, ci)
		Expect(KindOf(err)).To(Equal(KindConflict))
	})
})

var _ = Describe("DeployIfMissing", func() {
	It("keeps the existing build on duplicate deliveries", func() {
		gw := &fakeGateway{}
		c := newTestController(gw, nil)
		c.Index.MarkReady()
		ci := build.CommitInfo{Repo: "acme/web", TargetBranch: "16.0", GitCommit: testCommit(3)}
		seedBuild(c, build.Name(ci), build.StatusStarted, 3)
		Expect(c.DeployIfMissing(context.Background(), ci)).To(Succeed())
		Expect(gw.applied).To(BeEmpty())
	})

	It("still propagates rejections", func() {
		c := newTestController(&fakeGateway{}, nil)
		c.Index.MarkReady()
		err := c.DeployIfMissing(context.Background(), build.CommitInfo{Repo: "other/repo", TargetBranch: "1.0", GitCommit: testCommit(1)})
		Expect(KindOf(err)).To(Equal(KindRejected))
	})
})

var _ = Describe("Start", func() {
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

	It("scales a stopped build to one replica", func() {
		seedBuild(c, "b1", build.StatusStopped, 1)
		Expect(c.Start(ctx, "b1")).To(Succeed())
		Expect(gw.scaled).To(Equal([]scaleCall{{deployment: "b1", replicas: 1}}))
	})

	It("requeues initialization of a failed build", func() {
		seedBuild(c, "b1", build.StatusFailed, 1)
		Expect(c.Start(ctx, "b1")).To(Succeed())
		Expect(gw.initStatuses).To(Equal([]initStatusCall{{deployment: "b1", status: build.InitStatusTodo}}))
		Expect(gw.scaled).To(BeEmpty())
	})

	It("leaves builds already on their way up alone", func() {
		for i, status := range []build.Status{build.StatusTodo, build.StatusInitializing, build.StatusStarting, build.StatusStarted} {
			name := string(status)
			seedBuild(c, name, status, i+1)
			Expect(c.Start(ctx, name)).To(Succeed())
		}
		Expect(gw.scaled).To(BeEmpty())
		Expect(gw.initStatuses).To(BeEmpty())
	})

	It("conflicts on a build being cleaned up", func() {
		seedBuild(c, "b1", build.StatusCleaning, 1)
		Expect(KindOf(c.Start(ctx, "b1"))).To(Equal(KindConflict))
	})

	It("returns not found for unknown builds", func() {
		Expect(KindOf(c.Start(ctx, "nope"))).To(Equal(KindNotFound))
	})
})

var _ = Describe("Stop", func() {
	It("scales the build to zero", func() {
		gw := &fakeGateway{}
		c := newTestController(gw, nil)
		c.Index.MarkReady()
		seedBuild(c, "b1", build.StatusStarted, 1)
		Expect(c.Stop(context.Background(), "b1")).To(Succeed())
		Expect(gw.scaled).To(Equal([]scaleCall{{deployment: "b1", replicas: 0}}))
	})

	It("conflicts on a build being cleaned up", func() {
		c := newTestController(&fakeGateway{}, nil)
		c.Index.MarkReady()
		seedBuild(c, "b1", build.StatusCleaning, 1)
		Expect(KindOf(c.Stop(context.Background(), "b1"))).To(Equal(KindConflict))
	})
})

var _ = Describe("Reset", func() {
	It("kills the initialization job, stops the build and requeues it", func() {
		gw := &fakeGateway{}
		c := newTestController(gw, nil)
		c.Index.MarkReady()
		seedBuild(c, "b1", build.StatusStarted, 1)
		Expect(c.Reset(context.Background(), "b1")).To(Succeed())
		Expect(gw.jobsKilled).To(Equal([]string{"b1"}))
		Expect(gw.scaled).To(Equal([]scaleCall{{deployment: "b1", replicas: 0}}))
		Expect(gw.initStatuses).To(Equal([]initStatusCall{{deployment: "b1", status: build.InitStatusTodo}}))
	})

	It("conflicts on a build being cleaned up", func() {
		c := newTestController(&fakeGateway{}, nil)
		c.Index.MarkReady()
		seedBuild(c, "b1", build.StatusCleaning, 1)
		Expect(KindOf(c.Reset(context.Background(), "b1"))).To(Equal(KindConflict))
	})
})

var _ = Describe("Undeploy", func() {
	var (
		gw *fakeGateway
		c  *Controller
	)

	BeforeEach(func() {
		gw = &fakeGateway{}
		c = newTestController(gw, nil)
		c.Index.MarkReady()
	})

	It("deletes the build's deployment", func() {
		seedBuild(c, "b1", build.StatusStopped, 1)
		Expect(c.Undeploy(context.Background(), "b1")).To(Succeed())
		Expect(gw.deleted).To(Equal([]string{"b1"}))
	})

	It("is a no-op for a build already being deleted", func() {
		seedBuild(c, "b1", build.StatusCleaning, 1)
		Expect(c.Undeploy(context.Background(), "b1")).To(Succeed())
		Expect(gw.deleted).To(BeEmpty())
	})

	It("undeploys all builds matching a filter", func() {
		seedBuild(c, "b1", build.StatusStopped, 1)
		seedBuild(c, "b2", build.StatusStarted, 2)
		Expect(c.UndeployAll(context.Background(), index.Filter{Repo: "acme/web"})).To(Succeed())
		Expect(gw.deleted).To(ConsistOf("b1", "b2"))
	})
})

var _ = Describe("Triggers", func() {
	var (
		gw  *fakeGateway
		gh  *fakeResolver
		c   *Controller
		ctx context.Context
	)

	BeforeEach(func() {
		gw = &fakeGateway{}
		gh = &fakeResolver{
			branches: map[string]build.CommitInfo{
				"acme/web/16.0": {Repo: "acme/web", TargetBranch: "16.0", GitCommit: testCommit(1)},
			},
			pulls: map[string]build.CommitInfo{
				"acme/web#42": {Repo: "acme/web", TargetBranch: "16.0", PR: 42, GitCommit: testCommit(2)},
			},
		}
		c = newTestController(gw, gh)
		c.Index.MarkReady()
		ctx = context.Background()
	})

	It("deploys the head of a supported branch", func() {
		Expect(c.TriggerBranch(ctx, "acme/web", "16.0")).To(Succeed())
		Expect(gw.applied).To(HaveLen(1))
		Expect(gw.applied[0].vars.GitCommit).To(Equal(testCommit(1)))
	})

	It("rejects unsupported branches without calling github", func() {
		Expect(KindOf(c.TriggerBranch(ctx, "acme/web", "main"))).To(Equal(KindRejected))
		Expect(gw.applied).To(BeEmpty())
	})

	It("deploys the head of a pull request", func() {
		Expect(c.TriggerPull(ctx, "acme/web", 42)).To(Succeed())
		Expect(gw.applied).To(HaveLen(1))
		Expect(gw.applied[0].vars.PR).To(Equal(42))
	})

	It("reports github failures as upstream errors", func() {
		gh.err = context.DeadlineExceeded
		Expect(KindOf(c.TriggerBranch(ctx, "acme/web", "16.0"))).To(Equal(KindUpstream))
	})

	It("rejects when no github client is configured", func() {
		c2 := newTestController(gw, nil)
		c2.Index.MarkReady()
		Expect(KindOf(c2.TriggerBranch(ctx, "acme/web", "16.0"))).To(Equal(KindRejected))
	})
})

var _ = Describe("Status", func() {
	It("reports the capacity counters", func() {
		c := newTestController(&fakeGateway{}, nil)
		c.Index.MarkReady()
		seedBuild(c, "b1", build.StatusTodo, 1)
		seedBuild(c, "b2", build.StatusStarted, 2)
		seedBuild(c, "b3", build.StatusStopped, 3)
		report := c.Status()
		Expect(report.Deployed).To(Equal(3))
		Expect(report.Started).To(Equal(1))
		Expect(report.Stopped).To(Equal(1))
		Expect(report.ToInitialize).To(Equal(1))
		Expect(report.MaxDeployed).To(Equal(5))
		Expect(report.MaxStarted).To(Equal(3))
		Expect(report.MaxInitializing).To(Equal(2))
	})
})

var _ = Describe("Logs", func() {
	It("streams the initialization log of a known build", func() {
		c := newTestController(&fakeGateway{}, nil)
		c.Index.MarkReady()
		seedBuild(c, "b1", build.StatusStarted, 1)
		rc, err := c.InitLog(context.Background(), "b1")
		Expect(err).NotTo(HaveOccurred())
		defer rc.Close()
	})

	It("returns not found for unknown builds", func() {
		c := newTestController(&fakeGateway{}, nil)
		c.Index.MarkReady()
		_, err := c.BuildLog(context.Background(), "nope")
		Expect(KindOf(err)).To(Equal(KindNotFound))
	})
})
