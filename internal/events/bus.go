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

// Package events fans build change notifications out to subscribers,
// one bounded buffer each. A subscriber that stops draining is dropped
// rather than allowed to stall the publisher; dropped or closed
// subscribers observe their channel closing and are expected to
// resubscribe and take a fresh snapshot.
package events

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/runboat/runboat/internal/build"
)

// subscriberBuffer is the per-subscriber channel capacity. A client
// further behind than this is dropped.
const subscriberBuffer = 64

// Filter selects the events a subscriber receives. A nil filter receives
// everything.
type Filter func(build.Event) bool

// Bus is a topic-less broadcast of build events.
type Bus struct {
	log logr.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New returns an open bus with no subscribers.
func New(log logr.Logger) *Bus {
	return &Bus{
		log:  log,
		subs: map[*Subscription]struct{}{},
	}
}

// Subscription is one subscriber's bounded event feed. The channel closes
// when the subscription is closed, the subscriber falls behind, or the
// bus shuts down.
type Subscription struct {
	bus    *Bus
	filter Filter
	ch     chan build.Event
}

// Subscribe registers a subscriber. Subscribing to a closed bus yields an
// already-closed feed.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	s := &Subscription{
		bus:    b,
		filter: filter,
		ch:     make(chan build.Event, subscriberBuffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Events is the subscriber's feed.
func (s *Subscription) Events() <-chan build.Event {
	return s.ch
}

// Close unregisters the subscription and closes its feed. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	delete(s.bus.subs, s)
	close(s.ch)
}

// Publish delivers the event to every matching subscriber. Delivery never
// blocks: a subscriber with a full buffer is dropped.
func (b *Bus) Publish(ev build.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			b.log.Info("Dropping slow event subscriber", "build", ev.Build.Name)
			delete(b.subs, s)
			close(s.ch)
		}
	}
}

// Close shuts the bus down: every subscriber's feed is closed and further
// publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}
