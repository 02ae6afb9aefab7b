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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/runboat/runboat/internal/build"
	"github.com/runboat/runboat/internal/events"
	"github.com/runboat/runboat/internal/index"
)

// keepaliveInterval is how often an SSE comment is written to keep
// intermediaries from timing out an idle stream.
const keepaliveInterval = 15 * time.Second

// eventFilter turns the query filters into a bus filter with the same
// semantics as the index search.
func eventFilter(f index.Filter) events.Filter {
	return func(ev build.Event) bool {
		ci := ev.Build.CommitInfo
		if f.Repo != "" && ci.Repo != f.Repo {
			return false
		}
		if f.TargetBranch != "" && ci.TargetBranch != f.TargetBranch {
			return false
		}
		if f.Branch != "" && (ci.TargetBranch != f.Branch || ci.PR != 0) {
			return false
		}
		if f.PR != 0 && ci.PR != f.PR {
			return false
		}
		if f.Name != "" && ev.Build.Name != f.Name {
			return false
		}
		return true
	}
}

// buildEvents streams a snapshot of the matching builds followed by live
// change events. Subscribers that stop reading are dropped by the bus
// and observe their stream ending.
func (s *Server) buildEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Detail: "streaming unsupported"})
		return
	}
	filter := searchFilter(r)
	filter.Status = ""
	filter.Sort = index.SortAsc

	// Subscribe before the snapshot so nothing between the two is lost.
	sub := s.bus.Subscribe(eventFilter(filter))
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(ev build.Event) bool {
		payload, err := json.Marshal(BuildEventView{Event: ev.Type, Build: viewOf(ev.Build, s.settings)})
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, b := range s.controller.Index.Search(filter) {
		if !writeEvent(build.Event{Type: build.EventUpdated, Build: b}) {
			return
		}
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if !writeEvent(ev) {
				return
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
