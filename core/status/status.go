// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package status models the condition a unit reports to the orchestration
// layer. Only the workload statuses that a sidecar charm can legitimately
// report are modelled here.
package status

import (
	"time"
)

// Status represents the workload condition of a unit.
type Status string

// String returns a string representation of the Status.
func (s Status) String() string {
	return string(s)
}

const (
	// Error means the unit requires human intervention
	// in order to operate correctly.
	Error Status = "error"

	// Blocked is set when the unit cannot continue without action by
	// an operator or a related application, eg a required relation is
	// missing or its remote side has not yet provided mandatory data.
	Blocked Status = "blocked"

	// Waiting is set when the unit is unable to progress to an active
	// state because something it depends on (the workload container,
	// the leader's bootstrap) is not available yet.
	Waiting Status = "waiting"

	// Maintenance is set when the unit is actively doing stuff in
	// preparation for providing its services, such as pushing
	// configuration or running a schema migration. This is a spinning
	// state, not an error state.
	Maintenance Status = "maintenance"

	// Active is set when the unit believes it is correctly offering
	// all the services it has been asked to offer.
	Active Status = "active"
)

// KnownWorkloadStatus reports whether the status is one a unit workload
// may legitimately report.
func (s Status) KnownWorkloadStatus() bool {
	switch s {
	case Error, Blocked, Waiting, Maintenance, Active:
		return true
	}
	return false
}

// severity orders statuses worst-first. When multiple conditions hold
// simultaneously, the most severe one is the one reported.
var severity = map[Status]int{
	Error:       5,
	Blocked:     4,
	Waiting:     3,
	Maintenance: 2,
	Active:      1,
}

// Info holds a Status and associated information.
type Info struct {
	Status  Status
	Message string
	Since   time.Time
}

// Severer reports whether this info outranks other under worst-first
// precedence.
func (i Info) Severer(other Info) bool {
	return severity[i.Status] > severity[other.Status]
}

// Derive selects the most severe of the candidate status infos. With no
// candidates the unit is Active with no message.
func Derive(candidates ...Info) Info {
	result := Info{Status: Active}
	for _, c := range candidates {
		if c.Severer(result) {
			result = c
		}
	}
	return result
}
