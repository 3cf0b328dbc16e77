// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package reconciler drives the keystone workload toward the merged
// desired configuration computed from relation data, charm config and
// the signing key material. Every reconciliation pass is a synchronous
// function of a full snapshot of those inputs, so redelivered or
// reordered events converge to the same outcome.
package reconciler

import (
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/names/v5"

	"github.com/wolsen/charm-keystone-operator/core/leadership"
	"github.com/wolsen/charm-keystone-operator/core/relation"
	"github.com/wolsen/charm-keystone-operator/core/status"
	"github.com/wolsen/charm-keystone-operator/internal/config"
	"github.com/wolsen/charm-keystone-operator/internal/handlers"
	"github.com/wolsen/charm-keystone-operator/internal/secrets"
	"github.com/wolsen/charm-keystone-operator/internal/workload"
)

var logger = loggo.GetLogger("keystone.reconciler")

// applyRetryBudget is the number of consecutive workload adapter
// failures tolerated before the unit gives up and reports Error.
const applyRetryBudget = 3

// State is the reconciler's position in its lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateBootstrapping State = "bootstrapping"
	StateBlocked       State = "blocked"
	StateConfiguring   State = "configuring"
	StateActive        State = "active"
	StateDegraded      State = "degraded"
	StateError         State = "error"
)

// Config holds the reconciler's collaborators.
type Config struct {
	Store      relation.Store
	Leadership leadership.Reader
	Adapter    workload.Adapter
	Secrets    *secrets.Manager
	Clock      clock.Clock
	Charm      config.Charm
	Unit       names.UnitTag
}

// Validate returns an error if the configuration is incomplete.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("nil Store")
	}
	if c.Leadership == nil {
		return errors.NotValidf("nil Leadership")
	}
	if c.Adapter == nil {
		return errors.NotValidf("nil Adapter")
	}
	if c.Secrets == nil {
		return errors.NotValidf("nil Secrets")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Unit.Id() == "" {
		return errors.NotValidf("empty Unit")
	}
	return nil
}

// Reconciler is the single mutable instance holding the unit's
// reconciliation state. There are no ambient globals: construct one per
// process, lifecycle equal to process lifetime. It is not safe for
// concurrent use; the owning worker serialises passes.
type Reconciler struct {
	cfg     Config
	appName string

	state    State
	statInfo status.Info

	material     secrets.Material
	bootstrapped bool
	projectInfo  map[string]string

	// appliedHash identifies the configuration last confirmed pushed;
	// it only advances when every apply step succeeded.
	applied     *config.Desired
	appliedHash string
	failures    int
}

// New returns a Reconciler in the Uninitialized state.
func New(cfg Config) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	appName, err := names.UnitApplication(cfg.Unit.Id())
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Reconciler{
		cfg:         cfg,
		appName:     appName,
		state:       StateUninitialized,
		statInfo:    status.Info{Status: status.Waiting, Message: "waiting for container"},
		projectInfo: map[string]string{},
	}, nil
}

// State returns the current lifecycle state.
func (r *Reconciler) State() State {
	return r.state
}

// Status returns the unit status last published.
func (r *Reconciler) Status() status.Info {
	return r.statInfo
}

// Applied returns the configuration last confirmed applied, nil if
// none.
func (r *Reconciler) Applied() *config.Desired {
	return r.applied
}

// UpdateCharmConfig replaces the static charm configuration. The next
// pass recomputes the desired configuration from it.
func (r *Reconciler) UpdateCharmConfig(cfg config.Charm) {
	r.cfg.Charm = cfg
}

// Reconcile executes one pass: observe a full snapshot, converge the
// workload, publish relation data, recompute status. Only internal
// infrastructure failures return an error; domain failures (blockers,
// adapter failures, invariant violations) land in state and status.
func (r *Reconciler) Reconcile() error {
	if r.state == StateError {
		// Fatal states are never retried.
		return nil
	}

	ready, err := r.cfg.Adapter.Ready()
	if err != nil {
		logger.Warningf("container readiness probe failed: %v", err)
		ready = false
	}
	if !ready {
		if r.state == StateActive || r.state == StateDegraded {
			r.toState(StateDegraded, status.Info{
				Status: status.Waiting, Message: "workload container not ready",
			})
		} else {
			r.setStatus(status.Info{Status: status.Waiting, Message: "waiting for container"})
		}
		return nil
	}
	if r.state == StateUninitialized {
		r.toState(StateBootstrapping, status.Info{
			Status: status.Maintenance, Message: "bootstrapping",
		})
	}

	leader := r.isLeader()

	var blockers []*handlers.Blocker

	// Peer relation first: adopt whatever the leader has published so
	// the rest of the pass works from converged key material.
	peerEstablished := r.consumePeers(leader, &blockers)
	if !peerEstablished && !leader && r.material.IsZero() {
		blockers = append(blockers, &handlers.Blocker{
			Endpoint: relation.Peers,
			Reason:   "relation missing",
		})
	}

	db, dbBlocker := r.consumeDatabase()
	if dbBlocker != nil {
		blockers = append(blockers, dbBlocker)
	}

	if len(blockers) > 0 {
		r.publishFragments(leader)
		r.block(blockers)
		return nil
	}

	// Database satisfied. Bootstrap the credential material if this
	// unit is the one allowed to.
	if r.material.IsZero() {
		if !leader {
			r.block([]*handlers.Blocker{{
				Endpoint: relation.Peers,
				Reason:   "waiting for leader to bootstrap keystone",
			}})
			return nil
		}
		mat, err := r.cfg.Secrets.Bootstrap(r.material)
		if err != nil {
			r.fatal("bootstrap", err)
			return nil
		}
		r.material = mat
	}

	if leader {
		mat, rotated, err := r.cfg.Secrets.Rotate(
			r.material, r.cfg.Charm.FernetRotationInterval, r.cfg.Charm.RetentionWindow())
		if err != nil {
			r.fatal("signing key rotation", err)
			return nil
		}
		if rotated {
			primary, _ := mat.Keys.Primary()
			logger.Infof("signing keys rotated, primary id now %d", primary.ID)
		}
		r.material = mat
	}

	desired := config.Desired{
		Charm:    r.cfg.Charm,
		Database: *db,
		Keys:     r.material.Keys,
	}
	hash, err := desired.Hash()
	if err != nil {
		return errors.Trace(err)
	}

	if hash != r.appliedHash {
		// Re-enter Configuring for every change rather than patching
		// in place: a partial failure is recovered by replaying the
		// same transition.
		r.toState(StateConfiguring, status.Info{
			Status: status.Maintenance, Message: "applying workload configuration",
		})
		if op, err := r.apply(desired, leader); err != nil {
			r.failures++
			logger.Errorf("%s failed (attempt %d of %d): %v", op, r.failures, applyRetryBudget, err)
			if r.failures >= applyRetryBudget {
				r.toState(StateError, status.Info{
					Status:  status.Error,
					Message: fmt.Sprintf("%s failed: %v", op, err),
				})
				return nil
			}
			r.setStatus(status.Info{
				Status:  status.Maintenance,
				Message: fmt.Sprintf("%s failed, will retry", op),
			})
			r.publishFragments(leader)
			return nil
		}
		r.failures = 0
		r.applied = &desired
		r.appliedHash = hash
		if leader && !r.bootstrapped {
			r.markBootstrapped()
		}
	}

	r.publishFragments(leader)

	running, err := r.cfg.Adapter.ServiceRunning(workload.ServiceName)
	if err != nil {
		logger.Warningf("health probe failed: %v", err)
		running = false
	}
	if !running {
		r.toState(StateDegraded, status.Info{
			Status:  status.Waiting,
			Message: fmt.Sprintf("%s not running", workload.ServiceName),
		})
		return nil
	}
	r.toState(StateActive, status.Info{Status: status.Active})
	return nil
}

// isLeader reads leadership fresh, failing closed: if it cannot be
// confirmed, this unit behaves as a follower for the pass.
func (r *Reconciler) isLeader() bool {
	leader, err := r.cfg.Leadership.IsLeader()
	if err != nil {
		logger.Warningf("cannot confirm leadership, assuming follower: %v", err)
		return false
	}
	return leader
}

// consumePeers adopts published key material and bootstrap state from
// the peer relation. It reports whether the relation is established.
func (r *Reconciler) consumePeers(leader bool, blockers *[]*handlers.Blocker) bool {
	snap, err := r.cfg.Store.Snapshot(relation.Peers)
	if errors.Is(err, errors.NotFound) {
		return false
	}
	if err != nil {
		logger.Errorf("reading peer relation: %v", err)
		return false
	}

	// Parse in follower mode regardless of leadership: a new leader,
	// or a restarted one, recovers published state the same way.
	in := handlers.Inputs{AppName: r.appName, Leader: false, Config: r.cfg.Charm}
	out, err := handlers.PeerHandler{}.Handle(snap, in)
	if err != nil {
		if b, ok := handlers.AsBlocker(err); ok {
			// Absent leader data only blocks units that hold no
			// material at all.
			if r.material.IsZero() && !leader {
				*blockers = append(*blockers, b)
			}
			return true
		}
		logger.Errorf("peer handler: %v", err)
		return true
	}
	if out.Material != nil {
		if !leader {
			adopted, err := r.cfg.Secrets.Adopt(*out.Material)
			if err == nil {
				r.material = adopted
			}
		} else if r.material.IsZero() {
			// Leadership arrived here after another unit published;
			// continue from the canonical set rather than minting a
			// competing one.
			r.material = *out.Material
		}
	}
	if out.PeerInfo[handlers.PeerFieldBootstrapped] == "true" {
		r.bootstrapped = true
	}
	for k, v := range out.PeerInfo {
		if k != handlers.PeerFieldBootstrapped {
			r.projectInfo[k] = v
		}
	}
	return true
}

// consumeDatabase evaluates the shared-db relation, returning coerced
// credentials or the blocker explaining what is still missing.
func (r *Reconciler) consumeDatabase() (*config.Database, *handlers.Blocker) {
	snap, err := r.cfg.Store.Snapshot(relation.SharedDB)
	if errors.Is(err, errors.NotFound) {
		return nil, &handlers.Blocker{Endpoint: relation.SharedDB, Reason: "relation missing"}
	}
	if err != nil {
		logger.Errorf("reading shared-db relation: %v", err)
		return nil, &handlers.Blocker{Endpoint: relation.SharedDB, Reason: "relation unreadable"}
	}
	out, err := handlers.DatabaseHandler{}.Handle(snap, handlers.Inputs{
		AppName: r.appName, Config: r.cfg.Charm,
	})
	if err != nil {
		if b, ok := handlers.AsBlocker(err); ok {
			return nil, b
		}
		logger.Errorf("shared-db handler: %v", err)
		return nil, &handlers.Blocker{Endpoint: relation.SharedDB, Reason: err.Error()}
	}
	return out.Database, nil
}

// apply pushes the desired configuration into the container. On the
// very first (leader) apply it also runs the schema migration and
// keystone bootstrap before the service layer is enabled. It returns
// the name of the failing operation along with the error.
func (r *Reconciler) apply(desired config.Desired, leader bool) (string, error) {
	rendered, err := desired.Render()
	if err != nil {
		return "rendering configuration", errors.Trace(err)
	}
	files := make([]workload.File, 0, len(rendered))
	for path, content := range rendered {
		files = append(files, workload.File{
			Path: path, Content: content, User: "keystone", Group: "keystone",
		})
	}
	if err := r.cfg.Adapter.PushConfig(files); err != nil {
		return "pushing configuration", errors.Trace(err)
	}

	if leader && !r.bootstrapped {
		for _, argv := range [][]string{
			{"keystone-manage", "db_sync"},
			{"keystone-manage", "bootstrap",
				"--bootstrap-username", desired.Charm.AdminUser,
				"--bootstrap-password", r.material.AdminPassword,
				"--bootstrap-role-name", desired.Charm.AdminRole,
				"--bootstrap-project-name", "admin",
				"--bootstrap-region-id", desired.Charm.Region,
				"--bootstrap-public-url", desired.Charm.Endpoints().Public,
				"--bootstrap-internal-url", desired.Charm.Endpoints().Internal,
				"--bootstrap-admin-url", desired.Charm.Endpoints().Admin,
			},
		} {
			code, _, stderr, err := r.cfg.Adapter.RunCommand(argv)
			op := fmt.Sprintf("running %s %s", argv[0], argv[1])
			if err != nil {
				return op, errors.Trace(err)
			}
			if code != 0 {
				return op, errors.Errorf("exit %d: %s", code, strings.TrimSpace(stderr))
			}
		}
	}

	startEnabled := r.bootstrapped || leader
	if err := r.cfg.Adapter.EnsureLayer(startEnabled); err != nil {
		return "installing pebble layer", errors.Trace(err)
	}
	if startEnabled {
		if err := r.cfg.Adapter.Restart(); err != nil {
			return "restarting " + workload.ServiceName, errors.Trace(err)
		}
	}
	return "", nil
}

// markBootstrapped records first-boot completion and the ids downstream
// consumers need. Domain and project ids beyond keystone's well-known
// defaults are produced by the identity API itself and are out of this
// operator's scope.
func (r *Reconciler) markBootstrapped() {
	r.bootstrapped = true
	r.projectInfo[handlers.PeerFieldDefaultDomainID] = "default"
	r.projectInfo[handlers.PeerFieldAdminUser] = r.cfg.Charm.AdminUser
}

// publishFragments writes this unit's fragment on every established
// relation. Identical rewrites are no-ops at the store, so publishing
// on every pass cannot oscillate.
func (r *Reconciler) publishFragments(leader bool) {
	in := handlers.Inputs{
		AppName:      r.appName,
		Leader:       leader,
		Config:       r.cfg.Charm,
		Material:     r.material,
		Bootstrapped: r.bootstrapped,
		ProjectInfo:  r.projectInfo,
	}
	for _, h := range handlers.All() {
		snap, err := r.cfg.Store.Snapshot(h.Endpoint())
		if errors.Is(err, errors.NotFound) {
			continue
		}
		if err != nil {
			logger.Errorf("reading %s relation: %v", h.Endpoint(), err)
			continue
		}
		out, err := h.Handle(snap, in)
		if err != nil && out.Publish == nil {
			continue
		}
		if out.Publish == nil {
			continue
		}
		if err := r.cfg.Store.WriteLocal(h.Endpoint(), out.Publish); err != nil {
			logger.Errorf("publishing %s fragment: %v", h.Endpoint(), err)
		}
	}
}

// block enters the Blocked state with a message naming every
// unsatisfied relation.
func (r *Reconciler) block(blockers []*handlers.Blocker) {
	msgs := make([]string, len(blockers))
	for i, b := range blockers {
		msgs[i] = b.Error()
	}
	r.toState(StateBlocked, status.Info{
		Status:  status.Blocked,
		Message: strings.Join(msgs, "; "),
	})
}

// fatal records an invariant violation or other unrecoverable failure.
func (r *Reconciler) fatal(op string, err error) {
	logger.Errorf("%s: %v", op, err)
	r.toState(StateError, status.Info{
		Status:  status.Error,
		Message: fmt.Sprintf("%s failed: %v", op, err),
	})
}

func (r *Reconciler) toState(next State, info status.Info) {
	if r.state != next {
		logger.Debugf("state %s -> %s", r.state, next)
	}
	r.state = next
	r.setStatus(info)
}

func (r *Reconciler) setStatus(info status.Info) {
	info.Since = r.cfg.Clock.Now().UTC()
	if r.statInfo.Status == info.Status && r.statInfo.Message == info.Message {
		return
	}
	r.statInfo = info
}
