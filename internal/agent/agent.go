// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package agent is the ingestion boundary between the orchestration
// layer and the reconciler. Hook dispatch (or a test) writes a stream
// of yaml event documents; the ingestor applies each one to the
// relation store, the leadership flag or the worker's notify surface.
// Events carry no reconciliation payload beyond the raw databag
// values: the reconciler always works from a fresh snapshot.
package agent

import (
	"io"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/yaml.v2"

	"github.com/wolsen/charm-keystone-operator/core/leadership"
	"github.com/wolsen/charm-keystone-operator/core/relation"
	"github.com/wolsen/charm-keystone-operator/internal/config"
)

var logger = loggo.GetLogger("keystone.agent")

// Event kinds accepted on the stream.
const (
	KindRelationChanged = "relation-changed"
	KindLeaderElected   = "leader-elected"
	KindLeaderDeposed   = "leader-deposed"
	KindContainerReady  = "container-ready"
	KindConfigChanged   = "config-changed"
)

// Event is one orchestration event, a single yaml document on the
// stream. Fields beyond Kind are event-specific.
type Event struct {
	Kind string `yaml:"kind"`

	// Endpoint, Application, Unit and Data describe a relation-changed
	// event: the remote application databag and optionally one remote
	// unit's databag.
	Endpoint    string            `yaml:"endpoint,omitempty"`
	Application map[string]string `yaml:"application,omitempty"`
	Unit        string            `yaml:"unit,omitempty"`
	Data        map[string]string `yaml:"data,omitempty"`

	// Config carries the raw charm configuration of a config-changed
	// event, coerced through the config schema on ingestion.
	Config map[string]interface{} `yaml:"config,omitempty"`
}

// Notifier is the worker surface the ingestor pokes for events that do
// not flow through the relation store.
type Notifier interface {
	NotifyConfigChanged(config.Charm)
	NotifyContainerReady()
	NotifyLeadershipChanged()
}

// Ingestor applies orchestration events to the reconciler's inputs.
type Ingestor struct {
	store      *relation.MemStore
	leadership *leadership.Flag
	notifier   Notifier
}

// NewIngestor returns an Ingestor feeding the given store, leadership
// flag and notifier.
func NewIngestor(store *relation.MemStore, flag *leadership.Flag, notifier Notifier) *Ingestor {
	return &Ingestor{store: store, leadership: flag, notifier: notifier}
}

// Run decodes yaml event documents from r until EOF. A malformed or
// inapplicable event is logged and skipped; only an undecodable stream
// stops ingestion.
func (i *Ingestor) Run(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	for {
		var ev Event
		err := dec.Decode(&ev)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Annotate(err, "decoding event stream")
		}
		if err := i.apply(ev); err != nil {
			logger.Errorf("applying %q event: %v", ev.Kind, err)
		}
	}
}

func (i *Ingestor) apply(ev Event) error {
	switch ev.Kind {
	case KindRelationChanged:
		// Establishing and writing remote data notifies the store's
		// change stream; the worker wakes from that, no kick needed.
		if _, err := i.store.Establish(ev.Endpoint); err != nil {
			return errors.Trace(err)
		}
		if len(ev.Application) > 0 {
			if err := i.store.SetRemoteApplication(ev.Endpoint, ev.Application); err != nil {
				return errors.Trace(err)
			}
		}
		if ev.Unit != "" {
			if err := i.store.SetRemoteUnit(ev.Endpoint, ev.Unit, ev.Data); err != nil {
				return errors.Trace(err)
			}
		}
	case KindLeaderElected:
		i.leadership.Set(true)
		i.notifier.NotifyLeadershipChanged()
	case KindLeaderDeposed:
		i.leadership.Set(false)
		i.notifier.NotifyLeadershipChanged()
	case KindContainerReady:
		i.notifier.NotifyContainerReady()
	case KindConfigChanged:
		cfg, err := config.Parse(ev.Config)
		if err != nil {
			return errors.Trace(err)
		}
		i.notifier.NotifyConfigChanged(cfg)
	default:
		logger.Warningf("ignoring unknown event kind %q", ev.Kind)
	}
	return nil
}
