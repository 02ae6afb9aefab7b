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

package build

import (
	"regexp"
	"strconv"
	"strings"
)

// maxNameLength is the DNS label length limit build names must fit.
const maxNameLength = 63

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]`)

// Slugify lowercases s and replaces every character outside [a-z0-9]
// with a dash.
func Slugify(s string) string {
	return nonSlugChars.ReplaceAllString(strings.ToLower(s), "-")
}

// Name returns the deterministic build name for a commit. The name is a
// DNS-label-compatible slug ending in the first 8 characters of the commit
// sha; the repo/branch/pr prefix is truncated to fit 63 characters.
func Name(ci CommitInfo) string {
	commit := ci.GitCommit
	if len(commit) > 8 {
		commit = commit[:8]
	}
	suffix := Slugify(commit)
	prefix := Slugify(ci.Repo) + "-" + Slugify(ci.TargetBranch)
	if ci.PR > 0 {
		prefix += "-pr" + strconv.Itoa(ci.PR)
	}
	if len(prefix) > maxNameLength-len(suffix)-1 {
		prefix = prefix[:maxNameLength-len(suffix)-1]
	}
	prefix = strings.Trim(prefix, "-")
	if prefix == "" {
		return suffix
	}
	return prefix + "-" + suffix
}
