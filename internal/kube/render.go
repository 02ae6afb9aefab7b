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

package kube

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"text/template"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/config"
)

//go:embed kubefiles
var defaultKubefiles embed.FS

// Mode selects which part of the kubefiles bundle is rendered. Templates
// gate their documents on it.
type Mode string

const (
	ModeDeployment Mode = "deployment"
	ModeInitialize Mode = "initialize"
	ModeStart      Mode = "start"
	ModeStop       Mode = "stop"
	ModeCleanup    Mode = "cleanup"
)

// BundleVars is the variables bag handed to the kubefiles templates.
type BundleVars struct {
	Namespace   string
	Mode        Mode
	BuildName   string
	BuildSlug   string
	BuildDomain string

	Repo         string
	TargetBranch string
	PR           int
	GitCommit    string

	ImageName string
	ImageTag  string

	BuildEnv          map[string]string
	BuildSecretEnv    map[string]string
	BuildTemplateVars map[string]string
}

// MakeBundleVars assembles the rendering context for a build, merging the
// global environment bags with the matched rule's recipe.
func MakeBundleVars(s *config.Settings, mode Mode, buildName string, ci build.CommitInfo, recipe config.BuildRecipe) BundleVars {
	imageName, imageTag := splitImageNameTag(recipe.Image)
	return BundleVars{
		Namespace:         s.BuildNamespace,
		Mode:              mode,
		BuildName:         buildName,
		BuildSlug:         buildName,
		BuildDomain:       s.BuildDomain,
		Repo:              ci.Repo,
		TargetBranch:      ci.TargetBranch,
		PR:                ci.PR,
		GitCommit:         ci.GitCommit,
		ImageName:         imageName,
		ImageTag:          imageTag,
		BuildEnv:          mergeMaps(s.BuildEnv, recipe.Env),
		BuildSecretEnv:    mergeMaps(s.BuildSecretEnv, recipe.SecretEnv),
		BuildTemplateVars: mergeMaps(s.BuildTemplateVars, recipe.TemplateVars),
	}
}

func splitImageNameTag(image string) (string, string) {
	name, tag, found := strings.Cut(image, ":")
	if !found || tag == "" {
		return name, "latest"
	}
	return name, tag
}

func mergeMaps(base, override map[string]string) map[string]string {
	merged := map[string]string{}
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// RenderBundle renders the kubefiles of a directory for the given
// variables. An empty kubefilesPath selects the embedded default
// kubefiles. Every rendered object must carry the build label; anything
// else is a template bug and rejects the whole bundle.
func RenderBundle(kubefilesPath string, vars BundleVars) ([]*unstructured.Unstructured, error) {
	fsys, root, err := kubefilesFS(kubefilesPath)
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("reading kubefiles directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") ||
			strings.HasSuffix(name, ".yaml.tmpl") || strings.HasSuffix(name, ".yml.tmpl") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	var objects []*unstructured.Unstructured
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, path.Join(root, name))
		if err != nil {
			return nil, fmt.Errorf("reading kubefile %s: %w", name, err)
		}
		rendered, err := renderTemplate(name, string(raw), vars)
		if err != nil {
			return nil, err
		}
		docs, err := decodeDocuments(name, rendered)
		if err != nil {
			return nil, err
		}
		objects = append(objects, docs...)
	}
	for _, obj := range objects {
		if obj.GetLabels()[build.LabelBuild] != vars.BuildName {
			return nil, fmt.Errorf(
				"kubefiles produced %s %s without label %s=%s",
				obj.GetKind(), obj.GetName(), build.LabelBuild, vars.BuildName,
			)
		}
	}
	return objects, nil
}

func kubefilesFS(kubefilesPath string) (fs.FS, string, error) {
	if kubefilesPath == "" {
		return defaultKubefiles, "kubefiles", nil
	}
	return os.DirFS(kubefilesPath), ".", nil
}

func renderTemplate(name, text string, vars BundleVars) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parsing kubefile %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("rendering kubefile %s: %w", name, err)
	}
	return buf.String(), nil
}

func decodeDocuments(name, rendered string) ([]*unstructured.Unstructured, error) {
	var objects []*unstructured.Unstructured
	for _, doc := range strings.Split(rendered, "\n---") {
		if strings.TrimSpace(doc) == "" {
			continue
		}
		obj := map[string]any{}
		if err := yaml.Unmarshal([]byte(doc), &obj); err != nil {
			return nil, fmt.Errorf("decoding kubefile %s: %w", name, err)
		}
		if len(obj) == 0 {
			continue
		}
		u := &unstructured.Unstructured{Object: obj}
		if u.GetAPIVersion() == "" || u.GetKind() == "" {
			return nil, fmt.Errorf("kubefile %s produced a document without apiVersion/kind", name)
		}
		objects = append(objects, u)
	}
	return objects, nil
}

// ApplyBundle renders a kubefiles bundle and server-side applies it. A
// full dry-run pass runs first so a template or admission error cannot
// leave a partially created build behind; the deployment is how the
// controller knows it has something to manage, so resources must not
// exist without it.
func (g *Gateway) ApplyBundle(ctx context.Context, kubefilesPath string, vars BundleVars) error {
	objects, err := RenderBundle(kubefilesPath, vars)
	if err != nil {
		return err
	}
	g.log.Info("Applying bundle",
		"build", vars.BuildName,
		"mode", vars.Mode,
		"objects", len(objects),
	)
	for _, dryRun := range []bool{true, false} {
		for _, obj := range objects {
			obj := obj.DeepCopy()
			obj.SetNamespace(g.namespace)
			opts := []client.PatchOption{fieldOwner, client.ForceOwnership}
			if dryRun {
				opts = append(opts, client.DryRunAll)
			}
			err := g.withRetry(func() error {
				return g.client.Patch(ctx, obj, client.Apply, opts...)
			})
			if err != nil {
				return fmt.Errorf("applying %s %s: %w", obj.GetKind(), obj.GetName(), err)
			}
		}
	}
	return nil
}
