// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

package handlers

import (
	"github.com/juju/errors"

	"github.com/wolsen/charm-keystone-operator/core/relation"
	"github.com/wolsen/charm-keystone-operator/internal/secrets"
)

// Peer relation bootstrap-state field names, matching what downstream
// units expect to find in the application databag.
const (
	PeerFieldBootstrapped     = "bootstrapped"
	PeerFieldDefaultDomainID  = "default-domain-id"
	PeerFieldAdminDomainID    = "admin-domain-id"
	PeerFieldAdminProjectID   = "admin-project-id"
	PeerFieldAdminUser        = "admin-user"
	PeerFieldServiceDomainID  = "service-domain-id"
	PeerFieldServiceProjectID = "service-project-id"
)

// projectInfoFields are the bootstrap ids propagated verbatim.
var projectInfoFields = []string{
	PeerFieldDefaultDomainID,
	PeerFieldAdminDomainID,
	PeerFieldAdminProjectID,
	PeerFieldAdminUser,
	PeerFieldServiceDomainID,
	PeerFieldServiceProjectID,
}

// PeerHandler owns the peer relation. The leader publishes the
// canonical signing key set, rotation timestamp, sealed credentials and
// bootstrap ids; every other unit adopts that material verbatim so the
// peer group converges on identical keys without a second generator.
type PeerHandler struct{}

// Endpoint implements Handler.
func (PeerHandler) Endpoint() string {
	return relation.Peers
}

// Handle implements Handler.
func (PeerHandler) Handle(snap relation.Snapshot, in Inputs) (Outcome, error) {
	if in.Leader {
		return handleAsLeader(in)
	}
	return handleAsFollower(snap)
}

func handleAsLeader(in Inputs) (Outcome, error) {
	if in.Material.IsZero() {
		// Nothing to publish until bootstrap has produced material.
		return Outcome{}, nil
	}
	frag, err := secrets.PublishFragment(in.Material)
	if err != nil {
		return Outcome{}, errors.Trace(err)
	}
	publish := relation.Fragment(frag)
	if in.Bootstrapped {
		publish[PeerFieldBootstrapped] = "true"
		for _, field := range projectInfoFields {
			if v := in.ProjectInfo[field]; v != "" {
				publish[field] = v
			}
		}
	}
	return Outcome{Publish: publish}, nil
}

func handleAsFollower(snap relation.Snapshot) (Outcome, error) {
	// The leader's writes land in the application databag; this unit's
	// own past publications are irrelevant here.
	published := snap.Application
	mat, err := secrets.ParseFragment(published)
	if errors.Is(err, errors.NotFound) {
		return Outcome{}, &Blocker{
			Endpoint: relation.Peers,
			Reason:   "waiting for leader to bootstrap keystone",
		}
	}
	if err != nil {
		// Unparsable leader data: transient, the leader may republish.
		logger.Warningf("malformed peer data: %v", err)
		return Outcome{}, &Blocker{
			Endpoint: relation.Peers,
			Reason:   errors.Annotate(err, "malformed leader data").Error(),
		}
	}

	info := make(relation.Fragment)
	if v, ok := published.Get(PeerFieldBootstrapped); ok {
		info[PeerFieldBootstrapped] = v
	}
	for _, field := range projectInfoFields {
		if v, ok := published.Get(field); ok {
			info[field] = v
		}
	}
	return Outcome{Material: &mat, PeerInfo: info}, nil
}
