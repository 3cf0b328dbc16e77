// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package handlers contains one protocol handler per relation endpoint.
// Handlers translate a relation snapshot into a desired-configuration
// fragment and the local fragment to publish. They never block waiting
// for remote data: absent or malformed remote values are a legitimate,
// recurring state reported as a Blocker and re-evaluated on the next
// triggering event.
package handlers

import (
	"sort"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/wolsen/charm-keystone-operator/core/relation"
	"github.com/wolsen/charm-keystone-operator/internal/config"
	"github.com/wolsen/charm-keystone-operator/internal/secrets"
)

var logger = loggo.GetLogger("keystone.handlers")

// Inputs carries the unit-local state a handler may need to compute its
// fragments. Handlers treat it as read-only.
type Inputs struct {
	// AppName is this application's name, eg "keystone".
	AppName string

	// Leader reports the leadership belief at snapshot time. The
	// credential manager re-confirms before any mutation; handlers use
	// it only to decide whether to publish application-scoped data.
	Leader bool

	// Config is the validated charm configuration.
	Config config.Charm

	// Material is the current secret material, possibly zero before
	// bootstrap.
	Material secrets.Material

	// Bootstrapped reports whether the leader has completed the
	// keystone bootstrap sequence.
	Bootstrapped bool

	// ProjectInfo holds the bootstrap-produced domain and project ids,
	// empty until bootstrapped.
	ProjectInfo map[string]string
}

// Outcome is a handler's contribution to the reconciliation pass.
type Outcome struct {
	// Publish is the local fragment to write, nil for nothing.
	Publish relation.Fragment

	// Database is the coerced shared-db credential set, shared-db
	// handler only.
	Database *config.Database

	// Material is the leader-published secret material parsed from the
	// peer relation, peer handler only.
	Material *secrets.Material

	// PeerInfo is the bootstrap state observed on the peer relation,
	// peer handler only.
	PeerInfo relation.Fragment
}

// Handler is the common fragment-producing contract. The set of
// handlers is closed: one per endpoint in relation.KnownEndpoint.
type Handler interface {
	// Endpoint names the relation endpoint this handler owns.
	Endpoint() string

	// Handle computes the handler's outcome from a full snapshot of
	// its relation. A *Blocker error means required remote data is
	// absent or malformed; any other error is fatal to the pass.
	Handle(snap relation.Snapshot, in Inputs) (Outcome, error)
}

// All returns the closed handler set in evaluation order. Peers come
// first so adopted key material is available to later handlers within
// the same pass.
func All() []Handler {
	return []Handler{
		PeerHandler{},
		DatabaseHandler{},
		IngressHandler{},
		IdentityServiceHandler{},
	}
}

// Blocker reports that a relation cannot yet satisfy its handler. It is
// transient by definition: the remote side may provide or correct the
// data at any time, upon which the handler is re-invoked.
type Blocker struct {
	// Endpoint is the relation that is not satisfied.
	Endpoint string

	// Missing lists the absent or malformed keys, if key-specific.
	Missing []string

	// Reason overrides the formatted message when the blockage is not
	// about specific keys.
	Reason string
}

// Error implements error. The message always names the specific
// relation so an operator can act on the unit status without reading
// logs.
func (b *Blocker) Error() string {
	if b.Reason != "" {
		return b.Endpoint + ": " + b.Reason
	}
	if len(b.Missing) == 0 {
		return b.Endpoint + " relation incomplete"
	}
	missing := set.NewStrings(b.Missing...).Values()
	sort.Strings(missing)
	return b.Endpoint + " relation incomplete: missing " + strings.Join(missing, ", ")
}

// AsBlocker returns the Blocker in err's chain, if any.
func AsBlocker(err error) (*Blocker, bool) {
	var b *Blocker
	if errors.As(err, &b) {
		return b, true
	}
	return nil, false
}

// sanitizeDBName converts an application name into a valid database
// identifier; mysql forbids dashes.
func sanitizeDBName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}
