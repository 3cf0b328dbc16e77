// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

package reconciler

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/wolsen/charm-keystone-operator/core/relation"
	"github.com/wolsen/charm-keystone-operator/core/status"
	"github.com/wolsen/charm-keystone-operator/internal/config"
)

// defaultTickInterval paces the periodic pass that drives signing key
// rotation and re-probes workload health when no event arrives.
const defaultTickInterval = time.Minute

// WorkerConfig holds the worker's dependencies.
type WorkerConfig struct {
	Reconciler *Reconciler
	Store      relation.Store
	Clock      clock.Clock

	// TickInterval overrides the periodic pass cadence; zero means the
	// default.
	TickInterval time.Duration
}

// Validate returns an error if the configuration is incomplete.
func (c WorkerConfig) Validate() error {
	if c.Reconciler == nil {
		return errors.NotValidf("nil Reconciler")
	}
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Worker serialises reconciliation passes over a single goroutine.
// Events from any source collapse into wakeups: the pass itself always
// works from fresh snapshots, so coalescing or reordering them is
// harmless.
type Worker struct {
	catacomb catacomb.Catacomb
	cfg      WorkerConfig

	mu            sync.Mutex
	pendingConfig *config.Charm

	kicks chan struct{}
}

// NewWorker starts the reconciliation loop.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	w := &Worker{
		cfg:   cfg,
		kicks: make(chan struct{}, 1),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill implements worker.Worker.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// Report implements worker.Reporter for engine introspection.
func (w *Worker) Report() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := w.cfg.Reconciler.Status()
	return map[string]interface{}{
		"state":   string(w.cfg.Reconciler.State()),
		"status":  string(info.Status),
		"message": info.Message,
	}
}

// Status returns the unit status from the last completed pass.
func (w *Worker) Status() status.Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.Reconciler.Status()
}

// State returns the reconciler's lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.Reconciler.State()
}

// NotifyConfigChanged schedules a pass with replacement charm
// configuration. Multiple notifications before the loop runs collapse
// to the latest.
func (w *Worker) NotifyConfigChanged(cfg config.Charm) {
	w.mu.Lock()
	w.pendingConfig = &cfg
	w.mu.Unlock()
	w.kick()
}

// NotifyContainerReady schedules a pass in response to the container
// runtime becoming available.
func (w *Worker) NotifyContainerReady() {
	w.kick()
}

// NotifyLeadershipChanged schedules a pass after a leadership grant or
// revocation.
func (w *Worker) NotifyLeadershipChanged() {
	w.kick()
}

func (w *Worker) kick() {
	select {
	case w.kicks <- struct{}{}:
	default:
	}
}

func (w *Worker) loop() error {
	changes := w.cfg.Store.Changes()
	timer := w.cfg.Clock.NewTimer(w.cfg.TickInterval)
	defer timer.Stop()

	if err := w.pass(); err != nil {
		return errors.Trace(err)
	}
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-changes:
		case <-w.kicks:
		case <-timer.Chan():
		}
		timer.Reset(w.cfg.TickInterval)
		if err := w.pass(); err != nil {
			return errors.Trace(err)
		}
	}
}

func (w *Worker) pass() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pendingConfig != nil {
		w.cfg.Reconciler.UpdateCharmConfig(*w.pendingConfig)
		w.pendingConfig = nil
	}
	return errors.Trace(w.cfg.Reconciler.Reconcile())
}
