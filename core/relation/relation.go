// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package relation models the data exchanged over the charm's relations.
// A unit only ever writes its own fragment of a relation's data; remote
// fragments are eventually consistent snapshots re-read on every
// triggering event, never cached across reconciliation passes.
package relation

import (
	"github.com/juju/errors"
	"github.com/juju/names/v5"
)

// Endpoint names of the closed set of relations this charm participates
// in. There is no dynamic relation discovery; each endpoint has exactly
// one protocol handler.
const (
	SharedDB        = "shared-db"
	Ingress         = "ingress"
	Peers           = "peers"
	IdentityService = "identity-service"
)

// KnownEndpoint reports whether name is an endpoint this charm handles.
func KnownEndpoint(name string) bool {
	switch name {
	case SharedDB, Ingress, Peers, IdentityService:
		return true
	}
	return false
}

// Fragment is the portion of a relation's data written by a single
// participant. Values are opaque strings; structure is imposed by the
// per-endpoint protocol handlers.
type Fragment map[string]string

// Copy returns an independent copy of the fragment.
func (f Fragment) Copy() Fragment {
	if f == nil {
		return nil
	}
	out := make(Fragment, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Get returns the value for key, and whether a non-empty value is
// present.
func (f Fragment) Get(key string) (string, bool) {
	v, ok := f[key]
	return v, ok && v != ""
}

// Snapshot is a full, point-in-time read of one relation instance.
// Reconciliation passes always work from a snapshot, never from an
// event's payload, so out-of-order event delivery cannot surface stale
// partial state.
type Snapshot struct {
	// ID identifies the relation instance.
	ID int

	// Endpoint is the local endpoint name (eg "shared-db").
	Endpoint string

	// Application holds the remote application's fragment.
	Application Fragment

	// Units holds one fragment per remote unit, keyed by unit name.
	Units map[string]Fragment

	// Local holds this side's own published fragment.
	Local Fragment
}

// RemoteUnits returns the remote unit names present in the snapshot.
func (s Snapshot) RemoteUnits() []string {
	units := make([]string, 0, len(s.Units))
	for name := range s.Units {
		units = append(units, name)
	}
	return units
}

// Store is the relation data store consumed by the reconciler. Writes
// are restricted to this unit's own fragment by construction; there is
// no API for mutating a remote fragment.
type Store interface {
	// Snapshot returns a full copy of the named relation's current
	// data. It returns errors.NotFound if the relation has not been
	// established.
	Snapshot(endpoint string) (Snapshot, error)

	// WriteLocal merges values into this unit's fragment of the named
	// relation. Keys with empty values are deleted, matching
	// relation-set semantics.
	WriteLocal(endpoint string, values Fragment) error

	// Changes returns a channel that receives the endpoint name of any
	// relation whose data changed. Notifications are wakeups, not
	// payloads: consumers must re-snapshot.
	Changes() <-chan string
}

// ValidateUnitName returns an error unless name is a well formed unit
// name such as "mysql/0".
func ValidateUnitName(name string) error {
	if !names.IsValidUnit(name) {
		return errors.NotValidf("unit name %q", name)
	}
	return nil
}
