// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

package handlers

import (
	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/wolsen/charm-keystone-operator/core/relation"
	"github.com/wolsen/charm-keystone-operator/internal/config"
)

// shared-db relation field names.
const (
	dbFieldHost     = "host"
	dbFieldPort     = "port"
	dbFieldDatabase = "database"
	dbFieldUsername = "username"
	dbFieldPassword = "password"
)

var dbChecker = schema.FieldMap(
	schema.Fields{
		dbFieldHost:     schema.String(),
		dbFieldPort:     schema.ForceInt(),
		dbFieldDatabase: schema.String(),
		dbFieldUsername: schema.String(),
		dbFieldPassword: schema.String(),
	},
	schema.Defaults{
		dbFieldPort: 3306,
	},
)

// DatabaseHandler owns the shared-db relation. On first contact it
// publishes the provisioning request (desired database name and
// username); the remote side populates credentials asynchronously, so
// their absence is a Blocker, not an error.
type DatabaseHandler struct{}

// Endpoint implements Handler.
func (DatabaseHandler) Endpoint() string {
	return relation.SharedDB
}

// Handle implements Handler.
func (DatabaseHandler) Handle(snap relation.Snapshot, in Inputs) (Outcome, error) {
	name := sanitizeDBName(in.AppName)
	out := Outcome{
		Publish: relation.Fragment{
			dbFieldDatabase: name,
			dbFieldUsername: name,
		},
	}

	remote := remoteView(snap)
	missing := missingKeys(remote,
		dbFieldHost, dbFieldDatabase, dbFieldUsername, dbFieldPassword)
	if len(missing) > 0 {
		return out, &Blocker{Endpoint: relation.SharedDB, Missing: missing}
	}

	raw := make(map[string]interface{}, len(remote))
	for k, v := range remote {
		raw[k] = v
	}
	coerced, err := dbChecker.Coerce(raw, nil)
	if err != nil {
		// Malformed remote data: the remote side may correct it, so
		// this stays a blocker rather than an error.
		logger.Warningf("malformed shared-db data: %v", err)
		return out, &Blocker{
			Endpoint: relation.SharedDB,
			Reason:   errors.Annotate(err, "malformed remote data").Error(),
		}
	}
	m := coerced.(map[string]interface{})
	out.Database = &config.Database{
		Host:     m[dbFieldHost].(string),
		Port:     m[dbFieldPort].(int),
		Name:     m[dbFieldDatabase].(string),
		Username: m[dbFieldUsername].(string),
		Password: m[dbFieldPassword].(string),
	}
	return out, nil
}

// remoteView merges the remote application fragment over any remote
// unit fragments. Application data wins; unit data covers providers
// that publish per-unit only.
func remoteView(snap relation.Snapshot) relation.Fragment {
	view := make(relation.Fragment)
	for _, unit := range snap.RemoteUnits() {
		for k, v := range snap.Units[unit] {
			if v != "" {
				view[k] = v
			}
		}
	}
	for k, v := range snap.Application {
		if v != "" {
			view[k] = v
		}
	}
	return view
}

// missingKeys returns the required keys absent from frag.
func missingKeys(frag relation.Fragment, required ...string) []string {
	var missing []string
	for _, key := range required {
		if _, ok := frag.Get(key); !ok {
			missing = append(missing, key)
		}
	}
	return missing
}
