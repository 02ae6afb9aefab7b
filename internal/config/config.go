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

// Package config loads the runboat settings from RUNBOAT_* environment
// variables and matches repositories and branches against the configured
// build rules.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// EnvPrefix is prepended to every recognized environment variable.
const EnvPrefix = "RUNBOAT_"

// BuildRecipe describes how to materialize builds for a matched
// repository/branch: which image to run and which kubefiles to render.
type BuildRecipe struct {
	// Image is the container image reference (name:tag).
	Image string `json:"image"`
	// Env extends the global build environment variables.
	Env map[string]string `json:"env"`
	// SecretEnv extends the global secret build environment variables.
	SecretEnv map[string]string `json:"secret_env"`
	// TemplateVars extends the global kubefiles template variables.
	TemplateVars map[string]string `json:"template_vars"`
	// KubefilesPath overrides the default kubefiles directory.
	KubefilesPath string `json:"kubefiles_path"`
}

// RepoRule maps repositories and branches to a build recipe. Repo and
// Branch are regular expressions, anchored on both ends at load time.
// Repo matching is case-insensitive.
type RepoRule struct {
	Repo   string        `json:"repo"`
	Branch string        `json:"branch"`
	Builds []BuildRecipe `json:"builds"`

	repoRe   *regexp.Regexp
	branchRe *regexp.Regexp
}

// Settings is the full runboat configuration.
type Settings struct {
	// Repos is the ordered list of supported repositories and branches.
	Repos []RepoRule

	// APIAdminUser and APIAdminPassword protect the mutating API routes.
	APIAdminUser     string
	APIAdminPassword string

	// MaxInitializing caps the number of concurrent initialization jobs.
	MaxInitializing int
	// MaxStarted caps the number of started builds.
	MaxStarted int
	// MaxDeployed caps the total number of deployed builds.
	MaxDeployed int

	// BuildNamespace is the kubernetes namespace holding the builds.
	BuildNamespace string
	// BuildDomain is the wildcard domain suffix where builds are reachable.
	BuildDomain string

	// BuildEnv, BuildSecretEnv and BuildTemplateVars are merged into the
	// kubefiles rendering context for every build.
	BuildEnv          map[string]string
	BuildSecretEnv    map[string]string
	BuildTemplateVars map[string]string

	// DefaultKubefilesPath is the kubefiles directory used when a rule has
	// no kubefiles_path. Empty means the embedded default kubefiles.
	DefaultKubefilesPath string

	// GithubToken authenticates GitHub API calls (branch and pull request
	// lookups, commit statuses). Optional.
	GithubToken string
	// GithubWebhookSecret verifies webhook signatures. Optional; when empty
	// the webhook endpoint is open.
	GithubWebhookSecret string
	// DisableCommitStatuses turns off posting build statuses to GitHub.
	DisableCommitStatuses bool

	// BaseURL is where the runboat UI and API are exposed. Used to generate
	// backlinks in GitHub statuses and in the web UI.
	BaseURL string
	// LogConfig selects the zap preset or level (empty, "debug", "devel",
	// or a zap level name).
	LogConfig string
	// AdditionalFooterHTML is an HTML fragment appended to the UI footer.
	AdditionalFooterHTML string
}

// Read loads and validates the settings from the environment.
func Read() (*Settings, error) {
	s := &Settings{
		MaxInitializing: 2,
		MaxStarted:      6,
		MaxDeployed:     10,
		BaseURL:         "http://localhost:8000",
	}
	if v := os.Getenv(EnvPrefix + "REPOS"); v != "" {
		if err := json.Unmarshal([]byte(v), &s.Repos); err != nil {
			return nil, fmt.Errorf("invalid %sREPOS: %w", EnvPrefix, err)
		}
	}
	s.APIAdminUser = os.Getenv(EnvPrefix + "API_ADMIN_USER")
	s.APIAdminPassword = os.Getenv(EnvPrefix + "API_ADMIN_PASSWORD")
	s.BuildNamespace = os.Getenv(EnvPrefix + "BUILD_NAMESPACE")
	s.BuildDomain = os.Getenv(EnvPrefix + "BUILD_DOMAIN")
	s.DefaultKubefilesPath = os.Getenv(EnvPrefix + "DEFAULT_KUBEFILES_PATH")
	s.GithubToken = os.Getenv(EnvPrefix + "GITHUB_TOKEN")
	s.GithubWebhookSecret = os.Getenv(EnvPrefix + "GITHUB_WEBHOOK_SECRET")
	s.LogConfig = os.Getenv(EnvPrefix + "LOG_CONFIG")
	s.AdditionalFooterHTML = os.Getenv(EnvPrefix + "ADDITIONAL_FOOTER_HTML")
	if v := os.Getenv(EnvPrefix + "BASE_URL"); v != "" {
		s.BaseURL = v
	}
	for name, dst := range map[string]*int{
		"MAX_INITIALIZING": &s.MaxInitializing,
		"MAX_STARTED":      &s.MaxStarted,
		"MAX_DEPLOYED":     &s.MaxDeployed,
	} {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}
	for name, dst := range map[string]*map[string]string{
		"BUILD_ENV":           &s.BuildEnv,
		"BUILD_SECRET_ENV":    &s.BuildSecretEnv,
		"BUILD_TEMPLATE_VARS": &s.BuildTemplateVars,
	} {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if err := json.Unmarshal([]byte(v), dst); err != nil {
				return nil, fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
		}
	}
	if v := os.Getenv(EnvPrefix + "DISABLE_COMMIT_STATUSES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %sDISABLE_COMMIT_STATUSES: %w", EnvPrefix, err)
		}
		s.DisableCommitStatuses = b
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks required fields, compiles the rule regexes and verifies
// that configured kubefiles paths exist.
func (s *Settings) Validate() error {
	if len(s.Repos) == 0 {
		return fmt.Errorf("%sREPOS is required", EnvPrefix)
	}
	if s.BuildNamespace == "" {
		return fmt.Errorf("%sBUILD_NAMESPACE is required", EnvPrefix)
	}
	if s.BuildDomain == "" {
		return fmt.Errorf("%sBUILD_DOMAIN is required", EnvPrefix)
	}
	if s.APIAdminUser == "" || s.APIAdminPassword == "" {
		return fmt.Errorf("%sAPI_ADMIN_USER and %sAPI_ADMIN_PASSWORD are required", EnvPrefix, EnvPrefix)
	}
	for name, v := range map[string]int{
		"MAX_INITIALIZING": s.MaxInitializing,
		"MAX_STARTED":      s.MaxStarted,
		"MAX_DEPLOYED":     s.MaxDeployed,
	} {
		if v <= 0 {
			return fmt.Errorf("%s%s must be positive", EnvPrefix, name)
		}
	}
	if err := validateDir(s.DefaultKubefilesPath); err != nil {
		return fmt.Errorf("%sDEFAULT_KUBEFILES_PATH: %w", EnvPrefix, err)
	}
	for i := range s.Repos {
		rule := &s.Repos[i]
		if len(rule.Builds) != 1 {
			return fmt.Errorf("repo rule %d: one and only one build recipe is allowed per repo/branch entry", i)
		}
		if rule.Builds[0].Image == "" {
			return fmt.Errorf("repo rule %d: image is required", i)
		}
		if err := validateDir(rule.Builds[0].KubefilesPath); err != nil {
			return fmt.Errorf("repo rule %d: kubefiles_path: %w", i, err)
		}
		var err error
		rule.repoRe, err = regexp.Compile("(?i)^(?:" + rule.Repo + ")$")
		if err != nil {
			return fmt.Errorf("repo rule %d: invalid repo regex: %w", i, err)
		}
		rule.branchRe, err = regexp.Compile("^(?:" + rule.Branch + ")$")
		if err != nil {
			return fmt.Errorf("repo rule %d: invalid branch regex: %w", i, err)
		}
	}
	return nil
}

func validateDir(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("invalid path %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("invalid path %s: not a directory", path)
	}
	return nil
}

// Match returns the build recipe for a repository and target branch. The
// first matching rule wins. ok is false when no rule matches.
func (s *Settings) Match(repo, targetBranch string) (recipe BuildRecipe, ok bool) {
	for i := range s.Repos {
		rule := &s.Repos[i]
		if !rule.repoRe.MatchString(repo) {
			continue
		}
		if !rule.branchRe.MatchString(targetBranch) {
			continue
		}
		return rule.Builds[0], true
	}
	return BuildRecipe{}, false
}

// Supported reports whether any rule matches the repository and branch.
func (s *Settings) Supported(repo, targetBranch string) bool {
	_, ok := s.Match(repo, targetBranch)
	return ok
}

// KubefilesPathFor resolves the kubefiles directory for a recipe. Empty
// means the embedded default kubefiles must be used.
func (s *Settings) KubefilesPathFor(recipe BuildRecipe) string {
	if recipe.KubefilesPath != "" {
		return recipe.KubefilesPath
	}
	return s.DefaultKubefilesPath
}
