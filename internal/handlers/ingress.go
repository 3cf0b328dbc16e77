// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

package handlers

import (
	"strconv"

	"github.com/wolsen/charm-keystone-operator/core/relation"
)

// IngressHandler owns the ingress relation. It only publishes: the
// reverse proxy needs the service name and port, and provides nothing
// this charm consumes.
type IngressHandler struct{}

// Endpoint implements Handler.
func (IngressHandler) Endpoint() string {
	return relation.Ingress
}

// Handle implements Handler.
func (IngressHandler) Handle(snap relation.Snapshot, in Inputs) (Outcome, error) {
	return Outcome{
		Publish: relation.Fragment{
			"service-name": in.AppName,
			"service-port": strconv.Itoa(in.Config.ServicePort),
		},
	}, nil
}
