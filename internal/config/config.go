// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package config holds the charm's static configuration and the derived
// desired configuration of the keystone workload.
package config

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
)

var configFields = schema.Fields{
	"debug":                        schema.Bool(),
	"log-level":                    schema.String(),
	"admin-user":                   schema.String(),
	"admin-role":                   schema.String(),
	"service-tenant":               schema.String(),
	"region":                       schema.String(),
	"os-admin-hostname":            schema.String(),
	"os-internal-hostname":         schema.String(),
	"os-public-hostname":           schema.String(),
	"admin-port":                   schema.ForceInt(),
	"service-port":                 schema.ForceInt(),
	"token-expiration":             schema.TimeDuration(),
	"fernet-max-active-keys":       schema.ForceInt(),
	"fernet-key-rotation-interval": schema.TimeDuration(),
}

var configDefaults = schema.Defaults{
	"debug":                        false,
	"log-level":                    "INFO",
	"admin-user":                   "admin",
	"admin-role":                   "Admin",
	"service-tenant":               "services",
	"region":                       "RegionOne",
	"os-admin-hostname":            "keystone",
	"os-internal-hostname":         "keystone",
	"os-public-hostname":           "keystone",
	"admin-port":                   35357,
	"service-port":                 5000,
	"token-expiration":             "1h",
	"fernet-max-active-keys":       3,
	"fernet-key-rotation-interval": "1h",
}

var configChecker = schema.FieldMap(configFields, configDefaults)

// Charm is the validated static charm configuration.
type Charm struct {
	Debug    bool
	LogLevel string

	AdminUser     string
	AdminRole     string
	ServiceTenant string
	Region        string

	OSAdminHostname    string
	OSInternalHostname string
	OSPublicHostname   string
	AdminPort          int
	ServicePort        int

	TokenExpiration        time.Duration
	FernetMaxActiveKeys    int
	FernetRotationInterval time.Duration
}

// Parse coerces raw charm configuration, applies defaults and validates
// the cross-field invariants. In particular the fernet retention window
// must exceed the token lifetime: pruning a key while a token it signed
// is still valid would break live sessions cluster-wide.
func Parse(attrs map[string]interface{}) (Charm, error) {
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	coerced, err := configChecker.Coerce(attrs, nil)
	if err != nil {
		return Charm{}, errors.Annotate(err, "charm config")
	}
	m := coerced.(map[string]interface{})

	cfg := Charm{
		Debug:                  m["debug"].(bool),
		LogLevel:               m["log-level"].(string),
		AdminUser:              m["admin-user"].(string),
		AdminRole:              m["admin-role"].(string),
		ServiceTenant:          m["service-tenant"].(string),
		Region:                 m["region"].(string),
		OSAdminHostname:        m["os-admin-hostname"].(string),
		OSInternalHostname:     m["os-internal-hostname"].(string),
		OSPublicHostname:       m["os-public-hostname"].(string),
		AdminPort:              m["admin-port"].(int),
		ServicePort:            m["service-port"].(int),
		TokenExpiration:        m["token-expiration"].(time.Duration),
		FernetMaxActiveKeys:    m["fernet-max-active-keys"].(int),
		FernetRotationInterval: m["fernet-key-rotation-interval"].(time.Duration),
	}

	switch cfg.LogLevel {
	case "DEBUG", "INFO", "WARNING", "ERROR":
	default:
		return Charm{}, errors.NotValidf("log-level %q", cfg.LogLevel)
	}
	if cfg.FernetMaxActiveKeys < 2 {
		return Charm{}, errors.NotValidf(
			"fernet-max-active-keys %d (need the primary plus at least one secondary)",
			cfg.FernetMaxActiveKeys)
	}
	if cfg.FernetRotationInterval <= 0 {
		return Charm{}, errors.NotValidf(
			"fernet-key-rotation-interval %v", cfg.FernetRotationInterval)
	}
	if retention := cfg.RetentionWindow(); retention <= cfg.TokenExpiration {
		return Charm{}, errors.NotValidf(
			"fernet retention window %v does not exceed token expiration %v",
			retention, cfg.TokenExpiration)
	}
	return cfg, nil
}

// RetentionWindow is how long a demoted signing key remains a valid
// secondary before being pruned. With N active keys rotating every
// interval, a demoted key survives N-1 further rotations.
func (c Charm) RetentionWindow() time.Duration {
	return c.FernetRotationInterval * time.Duration(c.FernetMaxActiveKeys-1)
}

// Endpoints are the keystone API URLs this unit advertises.
type Endpoints struct {
	Public   string
	Internal string
	Admin    string
}

// Endpoints derives the advertised endpoint URLs from configuration.
func (c Charm) Endpoints() Endpoints {
	return Endpoints{
		Public:   fmt.Sprintf("http://%s:%d/v3", c.OSPublicHostname, c.ServicePort),
		Internal: fmt.Sprintf("http://%s:%d/v3", c.OSInternalHostname, c.ServicePort),
		Admin:    fmt.Sprintf("http://%s:%d/v3", c.OSAdminHostname, c.AdminPort),
	}
}
