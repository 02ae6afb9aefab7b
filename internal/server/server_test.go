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

package server

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/config"
	"github.com/runboat/runboat/internal/controller"
	"github.com/runboat/runboat/internal/events"
	"github.com/runboat/runboat/internal/index"
	"github.com/runboat/runboat/internal/kube"
)

// testGateway implements controller.Gateway in memory.
type testGateway struct {
	mu      sync.Mutex
	applied []kube.BundleVars
	scaled  []string
	deleted []string
}

func (g *testGateway) ApplyBundle(_ context.Context, _ string, vars kube.BundleVars) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applied = append(g.applied, vars)
	return nil
}

func (g *testGateway) ScaleDeployment(_ context.Context, deployment string, replicas int32, _ time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scaled = append(g.scaled, fmt.Sprintf("%s=%d", deployment, replicas))
	return nil
}

func (g *testGateway) SetInitStatus(context.Context, string, build.InitStatus, time.Time) error {
	return nil
}

func (g *testGateway) ClaimInitialization(context.Context, string, time.Time) (bool, error) {
	return true, nil
}

func (g *testGateway) DeleteDeployment(_ context.Context, deployment string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, deployment)
	return nil
}

func (g *testGateway) RemoveFinalizer(context.Context, string, string) error { return nil }

func (g *testGateway) DeleteBuildResources(context.Context, string) error { return nil }

func (g *testGateway) KillJob(context.Context, string, build.JobKind) error { return nil }

func (g *testGateway) ReadLog(context.Context, string, *build.JobKind) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("line one\nline two\n")), nil
}

func testSettings() *config.Settings {
	s := &config.Settings{
		Repos: []config.RepoRule{
			{
				Repo:   `acme/.*`,
				Branch: `15\.0|16\.0`,
				Builds: []config.BuildRecipe{{Image: "ghcr.io/acme/runner:16.0"}},
			},
		},
		APIAdminUser:     "admin",
		APIAdminPassword: "secret",
		MaxInitializing:  2,
		MaxStarted:       3,
		MaxDeployed:      5,
		BuildNamespace:   "runboat-builds",
		BuildDomain:      "runboat.example.com",
		BaseURL:          "http://localhost:8000",
	}
	if err := s.Validate(); err != nil {
		panic(err)
	}
	return s
}

type fixture struct {
	server   *Server
	gateway  *testGateway
	idx      *index.Index
	bus      *events.Bus
	settings *config.Settings
}

func newFixture() *fixture {
	settings := testSettings()
	gw := &testGateway{}
	idx := index.New(logr.Discard())
	bus := events.New(logr.Discard())
	idx.AddListener(bus.Publish)
	idx.MarkReady()
	ctrl := controller.New(settings, idx, gw, nil, logr.Discard())
	return &fixture{
		server:   New(settings, ctrl, bus, logr.Discard(), ":0", time.Second),
		gateway:  gw,
		idx:      idx,
		bus:      bus,
		settings: settings,
	}
}

func testCommit(seed int) string {
	return fmt.Sprintf("%040x", seed+1)
}

// seed puts a build with the wanted derived status into the index.
func (f *fixture) seed(name string, status build.Status, seed int) build.Build {
	b := build.Build{
		Name:           name,
		DeploymentName: name,
		CommitInfo: build.CommitInfo{
			Repo:         "acme/web",
			TargetBranch: "16.0",
			GitCommit:    testCommit(seed),
		},
		Created:    time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC).Add(time.Duration(seed) * time.Minute),
		LastScaled: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC).Add(time.Duration(seed) * time.Minute),
	}
	switch status {
	case build.StatusTodo:
		b.InitStatus = build.InitStatusTodo
	case build.StatusFailed:
		b.InitStatus = build.InitStatusFailed
	case build.StatusStopped:
		b.InitStatus = build.InitStatusSucceeded
	case build.StatusStarted:
		b.InitStatus = build.InitStatusSucceeded
		b.DesiredReplicas = 1
		b.ReadyReplicas = 1
	case build.StatusCleaning:
		b.InitStatus = build.InitStatusSucceeded
		b.Deleted = true
	}
	f.idx.UpsertDeployment(b)
	got, _ := f.idx.Get(name)
	return got
}
