// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"path"
	"sort"
	"text/template"

	"github.com/juju/errors"

	"github.com/wolsen/charm-keystone-operator/core/keys"
)

// Workload filesystem locations.
const (
	KeystoneConfPath  = "/etc/keystone/keystone.conf"
	LoggingConfPath   = "/etc/keystone/logging.conf"
	FernetKeyRepoPath = "/etc/keystone/fernet-keys"
)

// Database holds the coerced shared-db relation credentials.
type Database struct {
	Host     string
	Port     int
	Name     string
	Username string
	Password string
}

// DSN renders the sqlalchemy style connection string keystone expects.
func (d Database) DSN() string {
	return fmt.Sprintf("mysql+pymysql://%s:%s@%s:%d/%s",
		d.Username, d.Password, d.Host, d.Port, d.Name)
}

// Desired is the merged configuration the workload must be running
// with. It is recomputed from scratch on every reconciliation pass; it
// carries no mutable accumulation, so recomputation is idempotent.
type Desired struct {
	Charm    Charm
	Database Database
	Keys     keys.Set
}

const keystoneConfTemplate = `[DEFAULT]
debug = {{.Charm.Debug}}
log_config_append = {{.LoggingConf}}
public_endpoint = http://{{.Charm.OSPublicHostname}}:{{.Charm.ServicePort}}
admin_endpoint = http://{{.Charm.OSAdminHostname}}:{{.Charm.AdminPort}}

[database]
connection = {{.Database.DSN}}

[identity]
driver = sql

[token]
provider = fernet
expiration = {{.TokenExpirationSeconds}}

[fernet_tokens]
key_repository = {{.FernetKeyRepo}}
max_active_keys = {{.Charm.FernetMaxActiveKeys}}
`

const loggingConfTemplate = `[loggers]
keys = root

[handlers]
keys = file

[formatters]
keys = context

[logger_root]
level = {{.RootLevel}}
handlers = file

[handler_file]
class = FileHandler
level = {{.RootLevel}}
args = ('/var/log/keystone/keystone.log',)

[formatter_context]
class = oslo_log.formatters.ContextFormatter
`

var (
	keystoneConf = template.Must(template.New("keystone.conf").Parse(keystoneConfTemplate))
	loggingConf  = template.Must(template.New("logging.conf").Parse(loggingConfTemplate))
)

// Render produces the workload file contents for this desired
// configuration: keystone.conf, logging.conf and the fernet key
// repository. The result is a pure function of the receiver.
func (d Desired) Render() (map[string]string, error) {
	files := make(map[string]string)

	var buf bytes.Buffer
	err := keystoneConf.Execute(&buf, struct {
		Charm                  Charm
		Database               Database
		LoggingConf            string
		FernetKeyRepo          string
		TokenExpirationSeconds int
	}{
		Charm:                  d.Charm,
		Database:               d.Database,
		LoggingConf:            LoggingConfPath,
		FernetKeyRepo:          FernetKeyRepoPath,
		TokenExpirationSeconds: int(d.Charm.TokenExpiration.Seconds()),
	})
	if err != nil {
		return nil, errors.Annotate(err, "rendering keystone.conf")
	}
	files[KeystoneConfPath] = buf.String()

	rootLevel := d.Charm.LogLevel
	if d.Charm.Debug {
		rootLevel = "DEBUG"
	}
	buf.Reset()
	err = loggingConf.Execute(&buf, struct{ RootLevel string }{rootLevel})
	if err != nil {
		return nil, errors.Annotate(err, "rendering logging.conf")
	}
	files[LoggingConfPath] = buf.String()

	// Keystone reads the key repository as one file per key, named by
	// id, highest id primary.
	for _, k := range d.Keys.Keys() {
		files[path.Join(FernetKeyRepoPath, fmt.Sprintf("%d", k.ID))] = k.Material
	}
	return files, nil
}

// Hash returns a stable digest of the rendered configuration, used by
// the reconciler to decide whether the workload must be reconfigured.
// Identical desired configurations always hash identically.
func (d Desired) Hash() (string, error) {
	files, err := d.Render()
	if err != nil {
		return "", errors.Trace(err)
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s\x00%s\x00", p, files[p])
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
