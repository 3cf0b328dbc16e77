// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

package relation

import (
	"sync"

	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
)

// topicChanged is the hub topic carrying relation change notifications.
const topicChanged = "relation.changed"

// instance is the store's record of one established relation.
type instance struct {
	id          int
	application Fragment
	units       map[string]Fragment
	local       Fragment
}

// MemStore is an in-memory Store. The agent main wires the orchestration
// layer's relation events into it; tests drive the remote side directly.
// All notifications are fanned out through a pubsub hub so multiple
// subscribers observe the same change stream.
type MemStore struct {
	mu        sync.Mutex
	relations map[string]*instance
	hub       *pubsub.SimpleHub
	nextID    int
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		relations: make(map[string]*instance),
		hub:       pubsub.NewSimpleHub(nil),
	}
}

// Establish records that a relation now exists on the given endpoint and
// returns its id. Establishing an already established endpoint is a
// no-op returning the existing id.
func (s *MemStore) Establish(endpoint string) (int, error) {
	if !KnownEndpoint(endpoint) {
		return 0, errors.NotValidf("endpoint %q", endpoint)
	}
	s.mu.Lock()
	if rel, ok := s.relations[endpoint]; ok {
		s.mu.Unlock()
		return rel.id, nil
	}
	id := s.nextID
	s.nextID++
	s.relations[endpoint] = &instance{
		id:    id,
		units: make(map[string]Fragment),
		local: make(Fragment),
	}
	s.mu.Unlock()
	s.hub.Publish(topicChanged, endpoint)
	return id, nil
}

// Snapshot implements Store.
func (s *MemStore) Snapshot(endpoint string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relations[endpoint]
	if !ok {
		return Snapshot{}, errors.NotFoundf("relation %q", endpoint)
	}
	snap := Snapshot{
		ID:          rel.id,
		Endpoint:    endpoint,
		Application: rel.application.Copy(),
		Local:       rel.local.Copy(),
		Units:       make(map[string]Fragment, len(rel.units)),
	}
	for name, frag := range rel.units {
		snap.Units[name] = frag.Copy()
	}
	return snap, nil
}

// WriteLocal implements Store. A write that changes nothing publishes no
// notification, so republishing an identical fragment on every pass
// cannot cause event storms.
func (s *MemStore) WriteLocal(endpoint string, values Fragment) error {
	s.mu.Lock()
	rel, ok := s.relations[endpoint]
	if !ok {
		s.mu.Unlock()
		return errors.NotFoundf("relation %q", endpoint)
	}
	changed := merge(rel.local, values)
	s.mu.Unlock()
	if changed {
		s.hub.Publish(topicChanged, endpoint)
	}
	return nil
}

// SetRemoteApplication merges values into the remote application's
// fragment. This is the ingestion path for relation-changed events from
// the orchestration layer, and the remote side in tests.
func (s *MemStore) SetRemoteApplication(endpoint string, values Fragment) error {
	s.mu.Lock()
	rel, ok := s.relations[endpoint]
	if !ok {
		s.mu.Unlock()
		return errors.NotFoundf("relation %q", endpoint)
	}
	if rel.application == nil {
		rel.application = make(Fragment)
	}
	changed := merge(rel.application, values)
	s.mu.Unlock()
	if changed {
		s.hub.Publish(topicChanged, endpoint)
	}
	return nil
}

// SetRemoteUnit merges values into the named remote unit's fragment.
func (s *MemStore) SetRemoteUnit(endpoint, unit string, values Fragment) error {
	if err := ValidateUnitName(unit); err != nil {
		return errors.Trace(err)
	}
	s.mu.Lock()
	rel, ok := s.relations[endpoint]
	if !ok {
		s.mu.Unlock()
		return errors.NotFoundf("relation %q", endpoint)
	}
	frag, ok := rel.units[unit]
	if !ok {
		frag = make(Fragment)
		rel.units[unit] = frag
	}
	changed := merge(frag, values)
	s.mu.Unlock()
	if changed {
		s.hub.Publish(topicChanged, endpoint)
	}
	return nil
}

// Changes implements Store. The returned channel is buffered;
// notifications are coalescable wakeups, so a slow consumer loses no
// information as long as it re-snapshots when it does wake.
func (s *MemStore) Changes() <-chan string {
	ch := make(chan string, 16)
	s.hub.Subscribe(topicChanged, func(_ string, data interface{}) {
		endpoint, ok := data.(string)
		if !ok {
			return
		}
		select {
		case ch <- endpoint:
		default:
		}
	})
	return ch
}

// merge applies values onto target, deleting keys whose new value is
// empty, and reports whether target changed.
func merge(target, values Fragment) bool {
	changed := false
	for k, v := range values {
		if v == "" {
			if _, ok := target[k]; ok {
				delete(target, k)
				changed = true
			}
			continue
		}
		if target[k] != v {
			target[k] = v
			changed = true
		}
	}
	return changed
}
