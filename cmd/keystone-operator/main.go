// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

// keystone-operator is the charm agent process: it wires the relation
// store, leadership flag, credential manager and workload adapter into
// the reconciliation worker and runs it until signalled.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/names/v5"
	"gopkg.in/yaml.v2"

	"github.com/wolsen/charm-keystone-operator/core/leadership"
	"github.com/wolsen/charm-keystone-operator/core/relation"
	"github.com/wolsen/charm-keystone-operator/internal/agent"
	"github.com/wolsen/charm-keystone-operator/internal/config"
	"github.com/wolsen/charm-keystone-operator/internal/reconciler"
	"github.com/wolsen/charm-keystone-operator/internal/secrets"
	"github.com/wolsen/charm-keystone-operator/internal/workload"
)

var logger = loggo.GetLogger("keystone.cmd")

const (
	defaultPebbleSocket = "/charm/containers/keystone/pebble.socket"

	// defaultEventsPipe is the fifo hook dispatch writes orchestration
	// events to, one yaml document per event.
	defaultEventsPipe = "/var/run/keystone-operator/events"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keystone-operator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	loggingConfig := os.Getenv("KEYSTONE_LOGGING_CONFIG")
	if loggingConfig == "" {
		loggingConfig = "<root>=INFO"
	}
	if err := loggo.ConfigureLoggers(loggingConfig); err != nil {
		return errors.Annotate(err, "configuring loggers")
	}

	unitName := os.Getenv("JUJU_UNIT_NAME")
	if !names.IsValidUnit(unitName) {
		return errors.NotValidf("unit name %q from JUJU_UNIT_NAME", unitName)
	}

	charmConfig, err := loadCharmConfig(os.Getenv("KEYSTONE_CONFIG_PATH"))
	if err != nil {
		return errors.Trace(err)
	}

	socket := os.Getenv("KEYSTONE_PEBBLE_SOCKET")
	if socket == "" {
		socket = defaultPebbleSocket
	}
	clk := clock.WallClock
	adapter, err := workload.NewPebbleAdapter(socket, clk)
	if err != nil {
		return errors.Trace(err)
	}

	store := relation.NewMemStore()
	flag := leadership.NewFlag(false)

	rec, err := reconciler.New(reconciler.Config{
		Store:      store,
		Leadership: flag,
		Adapter:    adapter,
		Secrets:    secrets.NewManager(clk, flag),
		Clock:      clk,
		Charm:      charmConfig,
		Unit:       names.NewUnitTag(unitName),
	})
	if err != nil {
		return errors.Trace(err)
	}
	w, err := reconciler.NewWorker(reconciler.WorkerConfig{
		Reconciler: rec,
		Store:      store,
		Clock:      clk,
	})
	if err != nil {
		return errors.Trace(err)
	}

	// Orchestration events (relation data, leadership, container
	// readiness, config changes) arrive over the events pipe; the
	// ingestor feeds them into the store and the worker.
	events := os.Getenv("KEYSTONE_EVENTS_PIPE")
	if events == "" {
		events = defaultEventsPipe
	}
	go ingestEvents(events, agent.NewIngestor(store, flag, w))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Infof("caught %v, shutting down", sig)
		w.Kill()
	}()

	logger.Infof("keystone operator started for %s", unitName)
	return errors.Trace(w.Wait())
}

// ingestEvents drains the events pipe into the ingestor, reopening it
// whenever the writing side closes.
func ingestEvents(path string, ingestor *agent.Ingestor) {
	for {
		f, err := os.Open(path)
		if err != nil {
			logger.Errorf("opening events pipe %s: %v", path, err)
			return
		}
		err = ingestor.Run(f)
		_ = f.Close()
		if err != nil {
			logger.Errorf("ingesting events: %v", err)
		}
	}
}

// loadCharmConfig reads charm configuration attributes from a YAML file,
// falling back to defaults when no path is given.
func loadCharmConfig(path string) (config.Charm, error) {
	var attrs map[string]interface{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return config.Charm{}, errors.Annotate(err, "reading charm config")
		}
		if err := yaml.Unmarshal(data, &attrs); err != nil {
			return config.Charm{}, errors.Annotate(err, "parsing charm config")
		}
	}
	cfg, err := config.Parse(attrs)
	if err != nil {
		return config.Charm{}, errors.Trace(err)
	}
	return cfg, nil
}
