// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

package handlers

import (
	"strconv"

	"github.com/wolsen/charm-keystone-operator/core/relation"
)

// IdentityServiceHandler owns the provided identity-service relation.
// Whenever the desired configuration changes, it republishes this
// application's endpoints and the current primary signing key id so
// downstream consumers can validate tokens without a separate
// handshake.
type IdentityServiceHandler struct{}

// Endpoint implements Handler.
func (IdentityServiceHandler) Endpoint() string {
	return relation.IdentityService
}

// Handle implements Handler.
func (IdentityServiceHandler) Handle(snap relation.Snapshot, in Inputs) (Outcome, error) {
	// Endpoint data is application-scoped, so only the leader writes
	// it, and only once there is a bootstrapped service to advertise.
	if !in.Leader || !in.Bootstrapped || in.Material.IsZero() {
		return Outcome{}, nil
	}

	primary, _ := in.Material.Keys.Primary()
	eps := in.Config.Endpoints()
	publish := relation.Fragment{
		"api-version":    "3",
		"signing-key-id": strconv.Itoa(primary.ID),

		"public-host": in.Config.OSPublicHostname,
		"public-port": strconv.Itoa(in.Config.ServicePort),

		"internal-host":     in.Config.OSInternalHostname,
		"internal-port":     strconv.Itoa(in.Config.ServicePort),
		"internal-protocol": "http",

		"admin-host": in.Config.OSAdminHostname,
		"admin-port": strconv.Itoa(in.Config.AdminPort),

		"auth-host":     in.Config.OSAdminHostname,
		"auth-port":     strconv.Itoa(in.Config.AdminPort),
		"auth-protocol": "http",

		"service-host":     in.Config.OSInternalHostname,
		"service-port":     strconv.Itoa(in.Config.ServicePort),
		"service-protocol": "http",

		"public-url":   eps.Public,
		"internal-url": eps.Internal,
		"admin-url":    eps.Admin,

		"region":          in.Config.Region,
		"service-project": in.Config.ServiceTenant,
	}
	for peerField, field := range map[string]string{
		PeerFieldAdminDomainID:    "admin-domain-id",
		PeerFieldAdminProjectID:   "admin-project-id",
		PeerFieldAdminUser:        "admin-user-id",
		PeerFieldServiceDomainID:  "service-domain-id",
		PeerFieldServiceProjectID: "service-project-id",
	} {
		if v := in.ProjectInfo[peerField]; v != "" {
			publish[field] = v
		}
	}
	return Outcome{Publish: publish}, nil
}
