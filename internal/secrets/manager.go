// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package secrets owns generation, rotation scheduling and peer
// publication of the charm's secret material: the fernet signing key
// set and the admin and charm service credentials.
//
// Exactly one writer, the leader, ever mutates the canonical material;
// every other unit adopts the leader's published copy verbatim. That
// convention, not locking, is what keeps the peer group convergent.
package secrets

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"

	"github.com/wolsen/charm-keystone-operator/core/keys"
	"github.com/wolsen/charm-keystone-operator/core/leadership"
)

var logger = loggo.GetLogger("keystone.secrets")

// ErrInvariant marks violations that are never retried: duplicate
// bootstrap, or a confirmed non-leader attempting a leader-only
// mutation.
const ErrInvariant = errors.ConstError("credential invariant violated")

// Peer relation field names for published material.
const (
	FieldSigningKeys     = "signing-keys"
	FieldLastRotation    = "last-rotation-timestamp"
	FieldAdminCredential = "admin-credential"
	FieldCharmCredential = "charm-credential"
)

// Material is the secret state of the application: signing keys plus
// the bootstrap credentials. Passwords are plaintext in memory only;
// publication encrypts them with the primary signing key.
type Material struct {
	Keys          keys.Set
	AdminPassword string
	CharmPassword string
	LastRotation  time.Time
}

// IsZero reports whether no material exists yet.
func (m Material) IsZero() bool {
	return m.Keys.IsEmpty()
}

// Manager performs the leader-gated credential operations. It re-reads
// leadership immediately before every mutation: the grant can be
// revoked between any two events, and a stale belief must never result
// in a second writer.
type Manager struct {
	clock      clock.Clock
	leadership leadership.Reader
}

// NewManager returns a Manager using the supplied clock and leadership
// reader.
func NewManager(clk clock.Clock, reader leadership.Reader) *Manager {
	return &Manager{clock: clk, leadership: reader}
}

// Bootstrap generates the initial signing key and random admin and
// charm passwords. It is leader-only and single-shot: invoking it as a
// non-leader, with unconfirmable leadership, or when material already
// exists is an invariant violation (a second bootstrap would mint a
// second admin credential).
func (m *Manager) Bootstrap(existing Material) (Material, error) {
	leader, err := m.leadership.IsLeader()
	if err != nil {
		return Material{}, errors.WithType(
			errors.Annotate(err, "cannot confirm leadership for bootstrap"),
			ErrInvariant,
		)
	}
	if !leader {
		return Material{}, errors.WithType(
			errors.New("bootstrap is leader-only"), ErrInvariant)
	}
	if !existing.IsZero() {
		return Material{}, errors.WithType(
			errors.New("key material already exists"), ErrInvariant)
	}

	key, err := keys.Generate(m.clock)
	if err != nil {
		return Material{}, errors.Trace(err)
	}
	adminPassword, err := utils.RandomPassword()
	if err != nil {
		return Material{}, errors.Trace(err)
	}
	charmPassword, err := utils.RandomPassword()
	if err != nil {
		return Material{}, errors.Trace(err)
	}
	logger.Infof("bootstrapped signing key set and admin credential")
	return Material{
		Keys:          keys.NewSet(key),
		AdminPassword: adminPassword,
		CharmPassword: charmPassword,
		LastRotation:  m.clock.Now().UTC(),
	}, nil
}

// Rotate appends a new primary signing key if the rotation interval has
// elapsed, pruning secondaries beyond the retention window. Within the
// interval it returns the material unchanged (idempotent per scheduling
// tick). If leadership cannot be confirmed fresh the rotation is
// abstained from, fail-closed, without error; a confirmed non-leader
// call is an invariant violation.
func (m *Manager) Rotate(mat Material, interval, retention time.Duration) (Material, bool, error) {
	if mat.IsZero() {
		return Material{}, false, errors.WithType(
			errors.New("cannot rotate before bootstrap"), ErrInvariant)
	}
	now := m.clock.Now().UTC()
	if now.Sub(mat.LastRotation) < interval {
		return mat, false, nil
	}

	leader, err := m.leadership.IsLeader()
	if err != nil {
		logger.Warningf("leadership unconfirmed, skipping rotation: %v", err)
		return mat, false, nil
	}
	if !leader {
		return Material{}, false, errors.WithType(
			errors.New("rotate is leader-only"), ErrInvariant)
	}

	rotated, err := mat.Keys.Rotate(m.clock, retention)
	if err != nil {
		return Material{}, false, errors.Trace(err)
	}
	primary, _ := rotated.Primary()
	logger.Infof("rotated signing keys, primary is now %d, %d active", primary.ID, rotated.Len())
	mat.Keys = rotated
	mat.LastRotation = now
	return mat, true, nil
}

// Adopt accepts the leader's published material verbatim. Non-leader
// units never generate key material locally; they converge by adopting
// whatever the single writer last published.
func (m *Manager) Adopt(published Material) (Material, error) {
	if published.IsZero() {
		return Material{}, errors.NotValidf("adopting empty key material")
	}
	return published, nil
}

// PublishFragment serialises material for the peer relation. Passwords
// are sealed with the primary signing key so the databag holds no
// plaintext credential at rest.
func PublishFragment(mat Material) (map[string]string, error) {
	if mat.IsZero() {
		return nil, errors.NotValidf("publishing empty key material")
	}
	serialised, err := mat.Keys.Marshal()
	if err != nil {
		return nil, errors.Trace(err)
	}
	admin, err := mat.Keys.Encrypt(mat.AdminPassword)
	if err != nil {
		return nil, errors.Trace(err)
	}
	charm, err := mat.Keys.Encrypt(mat.CharmPassword)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]string{
		FieldSigningKeys:     serialised,
		FieldLastRotation:    mat.LastRotation.UTC().Format(time.RFC3339),
		FieldAdminCredential: admin,
		FieldCharmCredential: charm,
	}, nil
}

// ParseFragment reconstructs material from the leader's published peer
// fragment. Missing fields return NotFound so callers can distinguish
// "leader has not published yet" from malformed data.
func ParseFragment(frag map[string]string) (Material, error) {
	serialised, ok := frag[FieldSigningKeys]
	if !ok || serialised == "" {
		return Material{}, errors.NotFoundf("signing keys in peer data")
	}
	set, err := keys.ParseSet(serialised)
	if err != nil {
		return Material{}, errors.Trace(err)
	}
	mat := Material{Keys: set}

	if ts, ok := frag[FieldLastRotation]; ok && ts != "" {
		when, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return Material{}, errors.Annotate(err, "parsing last rotation timestamp")
		}
		mat.LastRotation = when.UTC()
	}
	if sealed, ok := frag[FieldAdminCredential]; ok && sealed != "" {
		mat.AdminPassword, err = set.Decrypt(sealed)
		if err != nil {
			return Material{}, errors.Annotate(err, "unsealing admin credential")
		}
	}
	if sealed, ok := frag[FieldCharmCredential]; ok && sealed != "" {
		mat.CharmPassword, err = set.Decrypt(sealed)
		if err != nil {
			return Material{}, errors.Annotate(err, "unsealing charm credential")
		}
	}
	return mat, nil
}
