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

	"github.com/go-logr/logr"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/kube"
)

var _ = Describe("initializer pass", func() {
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

	It("admits waiting builds up to the initialization cap", func() {
		seedBuild(c, "b1", build.StatusTodo, 1)
		seedBuild(c, "b2", build.StatusTodo, 2)
		seedBuild(c, "b3", build.StatusTodo, 3)
		c.initializePass(ctx)
		// MaxInitializing is 2; the longest waiting builds go first.
		Expect(gw.claimed).To(Equal([]string{"b1", "b2"}))
		Expect(gw.applied).To(HaveLen(2))
		for _, a := range gw.applied {
			Expect(a.vars.Mode).To(Equal(kube.ModeInitialize))
		}
	})

	It("counts running initializations against the cap", func() {
		seedBuild(c, "running", build.StatusInitializing, 1)
		seedBuild(c, "b1", build.StatusTodo, 2)
		seedBuild(c, "b2", build.StatusTodo, 3)
		c.initializePass(ctx)
		Expect(gw.claimed).To(Equal([]string{"b1"}))
	})

	It("skips builds it cannot claim without applying a bundle", func() {
		seedBuild(c, "b1", build.StatusTodo, 1)
		gw.denyClaims = map[string]bool{"b1": true}
		c.initializePass(ctx)
		Expect(gw.claimed).To(BeEmpty())
		Expect(gw.applied).To(BeEmpty())
	})

	It("does nothing while the index is warming up", func() {
		c2 := newTestController(gw, nil)
		seedBuild(c2, "b1", build.StatusTodo, 1)
		c2.initializePass(ctx)
		Expect(gw.claimed).To(BeEmpty())
	})

	It("does nothing at capacity", func() {
		seedBuild(c, "r1", build.StatusInitializing, 1)
		seedBuild(c, "r2", build.StatusInitializing, 2)
		seedBuild(c, "b1", build.StatusTodo, 3)
		c.initializePass(ctx)
		Expect(gw.claimed).To(BeEmpty())
	})
})

var _ = Describe("stopper pass", func() {
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

	It("stops the least recently scaled builds over the cap", func() {
		// MaxStarted is 3; b1 and b2 are the oldest of five.
		for i := 1; i <= 5; i++ {
			seedBuild(c, string(rune('a'+i))+"-build", build.StatusStarted, i)
		}
		c.stopPass(ctx)
		Expect(gw.scaled).To(Equal([]scaleCall{
			{deployment: "b-build", replicas: 0},
			{deployment: "c-build", replicas: 0},
		}))
	})

	It("does nothing under the cap", func() {
		seedBuild(c, "b1", build.StatusStarted, 1)
		c.stopPass(ctx)
		Expect(gw.scaled).To(BeEmpty())
	})
})

var _ = Describe("undeployer pass", func() {
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

	It("undeploys the oldest stopped and failed builds over the cap", func() {
		// MaxDeployed is 5: two started, two stopped, one failed, one todo.
		seedBuild(c, "started1", build.StatusStarted, 1)
		seedBuild(c, "started2", build.StatusStarted, 2)
		seedBuild(c, "stopped1", build.StatusStopped, 3)
		seedBuild(c, "stopped2", build.StatusStopped, 4)
		seedBuild(c, "failed1", build.StatusFailed, 5)
		seedBuild(c, "todo1", build.StatusTodo, 6)
		c.undeployPass(ctx)
		// One over the cap; the oldest evictable build goes.
		Expect(gw.deleted).To(Equal([]string{"stopped1"}))
	})

	It("never evicts started or initializing builds", func() {
		seedBuild(c, "s1", build.StatusStarted, 1)
		seedBuild(c, "s2", build.StatusStarted, 2)
		seedBuild(c, "s3", build.StatusStarted, 3)
		seedBuild(c, "i1", build.StatusInitializing, 4)
		seedBuild(c, "i2", build.StatusInitializing, 5)
		seedBuild(c, "i3", build.StatusInitializing, 6)
		c.undeployPass(ctx)
		Expect(gw.deleted).To(BeEmpty())
	})
})

var _ = Describe("Loop", func() {
	It("coalesces pending wakeups", func() {
		l := newLoop("test", logr.Discard(), func(context.Context) {})
		l.Wake()
		l.Wake()
		Expect(l.wake).To(HaveLen(1))
	})

	It("recovers from a panicking body", func() {
		l := newLoop("test", logr.Discard(), func(context.Context) { panic("boom") })
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		Expect(func() { l.runBody(ctx) }).NotTo(Panic())
	})
})
