// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package workload is the thin interface between the reconciler and the
// container runtime supervising keystone. The reconciler never talks to
// pebble directly; everything it needs is expressed here so tests can
// substitute a recording fake.
package workload

import (
	"os"
	"sort"

	"gopkg.in/yaml.v2"
)

// ServiceName is the pebble service supervising the keystone wsgi
// processes.
const ServiceName = "keystone-wsgi"

// LayerLabel identifies the charm's pebble layer.
const LayerLabel = "keystone"

// File is one configuration file to place into the workload container.
type File struct {
	Path    string
	Content string
	User    string
	Group   string
	Perm    os.FileMode
}

// Adapter is the workload container interface consumed by the
// reconciler. All calls are synchronous: they complete or fail within a
// reconciliation pass, and long operations are polled across passes.
type Adapter interface {
	// PushConfig writes the given files into the container
	// filesystem, creating directories as needed.
	PushConfig(files []File) error

	// RunCommand executes argv inside the container and returns its
	// exit code with captured output.
	RunCommand(argv []string) (code int, stdout, stderr string, err error)

	// Ready reports whether the container runtime is up and
	// accepting requests.
	Ready() (bool, error)

	// ServiceRunning reports whether the named pebble service is
	// currently active.
	ServiceRunning(name string) (bool, error)

	// EnsureLayer installs or replaces the keystone pebble layer.
	// Service startup stays disabled until the leader has
	// bootstrapped, so a fresh unit cannot serve before the schema
	// exists.
	EnsureLayer(startEnabled bool) error

	// Restart stops (if running) and starts the keystone service.
	Restart() error
}

// SortFiles orders files by path so pushes are deterministic and a
// repeated apply of the same desired configuration is byte-for-byte
// identical.
func SortFiles(files []File) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}

// LayerYAML renders the keystone pebble layer.
func LayerYAML(startEnabled bool) (string, error) {
	startup := "disabled"
	if startEnabled {
		startup = "enabled"
	}
	layer := map[string]interface{}{
		"summary":     "keystone layer",
		"description": "pebble config layer for keystone",
		"services": map[string]interface{}{
			ServiceName: map[string]interface{}{
				"override": "replace",
				"summary":  "Keystone Identity",
				"command":  "/usr/sbin/apache2ctl -DFOREGROUND",
				"startup":  startup,
			},
		},
	}
	data, err := yaml.Marshal(layer)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
