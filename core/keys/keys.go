// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package keys implements the fernet signing key set used by keystone
// for token issuance. The set is an ordered sequence of keys in which
// the highest-numbered key is the primary (signs new tokens) and the
// remainder are secondaries (still accepted for validating tokens that
// have not yet expired). This mirrors keystone's on-disk fernet key
// repository convention.
package keys

import (
	"sort"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/yaml.v2"
)

// ErrInvariant is returned for violations that must never be retried:
// they indicate a programming or configuration error that would corrupt
// live token validation cluster-wide.
const ErrInvariant = errors.ConstError("signing key invariant violated")

// Key is one fernet key with its position in the rotation sequence.
type Key struct {
	// ID orders keys; the highest ID is the primary.
	ID int `yaml:"id"`

	// Material is the urlsafe-base64 encoded 32 byte fernet key.
	Material string `yaml:"key"`

	// Created records when the key was generated.
	Created time.Time `yaml:"created"`

	// Demoted records when the key stopped being primary. Retention is
	// counted from demotion: a primary may sign tokens right up to the
	// rotation that demotes it, so its age alone says nothing about
	// whether tokens it validates are still live.
	Demoted time.Time `yaml:"demoted,omitempty"`
}

// fernetKey decodes the key material.
func (k Key) fernetKey() (*fernet.Key, error) {
	fk, err := fernet.DecodeKey(k.Material)
	if err != nil {
		return nil, errors.Annotatef(err, "decoding key %d", k.ID)
	}
	return fk, nil
}

// Set is an immutable signing key set. Mutating operations return a new
// Set, leaving the receiver untouched, so a failed publish can never
// leave a half-rotated set behind.
type Set struct {
	keys []Key
}

// Generate returns a fresh fernet key with id 0, timestamped from clk.
func Generate(clk clock.Clock) (Key, error) {
	var fk fernet.Key
	if err := fk.Generate(); err != nil {
		return Key{}, errors.Annotate(err, "generating fernet key")
	}
	return Key{ID: 0, Material: fk.Encode(), Created: clk.Now().UTC()}, nil
}

// NewSet returns a set containing only the given key as primary.
func NewSet(primary Key) Set {
	return Set{keys: []Key{primary}}
}

// IsEmpty reports whether the set holds no key material.
func (s Set) IsEmpty() bool {
	return len(s.keys) == 0
}

// Len returns the number of keys in the set.
func (s Set) Len() int {
	return len(s.keys)
}

// Keys returns a copy of the keys in ascending id order.
func (s Set) Keys() []Key {
	out := make([]Key, len(s.keys))
	copy(out, s.keys)
	return out
}

// Primary returns the key used for new token issuance.
func (s Set) Primary() (Key, bool) {
	if len(s.keys) == 0 {
		return Key{}, false
	}
	return s.keys[len(s.keys)-1], true
}

// Secondaries returns the non-primary keys, oldest first.
func (s Set) Secondaries() []Key {
	if len(s.keys) <= 1 {
		return nil
	}
	out := make([]Key, len(s.keys)-1)
	copy(out, s.keys[:len(s.keys)-1])
	return out
}

// Equal reports whether both sets hold identical key material in the
// same order.
func (s Set) Equal(other Set) bool {
	if len(s.keys) != len(other.keys) {
		return false
	}
	for i, k := range s.keys {
		o := other.keys[i]
		if k.ID != o.ID || k.Material != o.Material ||
			!k.Created.Equal(o.Created) || !k.Demoted.Equal(o.Demoted) {
			return false
		}
	}
	return true
}

// Rotate appends a fresh primary, demotes the previous primary to
// secondary, and prunes secondaries demoted longer ago than the
// retention window. Retention counts from demotion, not creation: the
// primary may have signed a token in the instant before this rotation,
// however old the key is, so the key being demoted here is never pruned
// in the same rotation. With retention exceeding the maximum token
// lifetime (validated in config), every token a key signed has expired
// before the key is pruned, even when rotations stall. Scheduling
// idempotence (at most one rotation per interval) is the caller's
// responsibility via the last-rotation timestamp.
func (s Set) Rotate(clk clock.Clock, retention time.Duration) (Set, error) {
	if s.IsEmpty() {
		return Set{}, errors.WithType(
			errors.New("cannot rotate an empty key set; bootstrap first"),
			ErrInvariant,
		)
	}
	if retention <= 0 {
		return Set{}, errors.WithType(
			errors.Errorf("retention window %v not positive", retention),
			ErrInvariant,
		)
	}
	now := clk.Now().UTC()
	prev, _ := s.Primary()

	var fk fernet.Key
	if err := fk.Generate(); err != nil {
		return Set{}, errors.Annotate(err, "generating fernet key")
	}
	next := Key{ID: prev.ID + 1, Material: fk.Encode(), Created: now}

	kept := make([]Key, 0, len(s.keys)+1)
	for _, k := range s.keys[:len(s.keys)-1] {
		if now.Sub(k.demotedAt()) > retention {
			continue
		}
		kept = append(kept, k)
	}
	prev.Demoted = now
	kept = append(kept, prev, next)
	return Set{keys: kept}, nil
}

// demotedAt returns when the key was demoted, falling back to creation
// for sets published before demotion was recorded.
func (k Key) demotedAt() time.Time {
	if k.Demoted.IsZero() {
		return k.Created
	}
	return k.Demoted
}

// Marshal serialises the set for publication in the peer relation's
// signing-keys field.
func (s Set) Marshal() (string, error) {
	data, err := yaml.Marshal(s.keys)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(data), nil
}

// ParseSet deserialises a published signing key set, validating key
// ordering and material. Non-leader units adopt the result verbatim.
func ParseSet(data string) (Set, error) {
	var parsed []Key
	if err := yaml.Unmarshal([]byte(data), &parsed); err != nil {
		return Set{}, errors.Annotate(err, "parsing signing keys")
	}
	if len(parsed) == 0 {
		return Set{}, errors.NotValidf("empty signing key set")
	}
	if !sort.SliceIsSorted(parsed, func(i, j int) bool {
		return parsed[i].ID < parsed[j].ID
	}) {
		return Set{}, errors.NotValidf("signing keys out of order")
	}
	for i, k := range parsed {
		if i > 0 && parsed[i-1].ID == k.ID {
			return Set{}, errors.NotValidf("duplicate signing key id %d", k.ID)
		}
		if _, err := k.fernetKey(); err != nil {
			return Set{}, errors.Trace(err)
		}
	}
	return Set{keys: parsed}, nil
}

// Encrypt seals msg with the primary key. Used to keep the admin
// credential encrypted at rest in the peer relation data.
func (s Set) Encrypt(msg string) (string, error) {
	primary, ok := s.Primary()
	if !ok {
		return "", errors.NotValidf("encrypting with empty key set")
	}
	fk, err := primary.fernetKey()
	if err != nil {
		return "", errors.Trace(err)
	}
	tok, err := fernet.EncryptAndSign([]byte(msg), fk)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(tok), nil
}

// Decrypt opens a token sealed by any key still in the set, primary or
// secondary, so material encrypted before a rotation stays readable
// until the sealing key is pruned.
func (s Set) Decrypt(token string) (string, error) {
	if s.IsEmpty() {
		return "", errors.NotValidf("decrypting with empty key set")
	}
	fks := make([]*fernet.Key, 0, len(s.keys))
	// Try newest first; the common case is material sealed by the
	// current primary.
	for i := len(s.keys) - 1; i >= 0; i-- {
		fk, err := s.keys[i].fernetKey()
		if err != nil {
			return "", errors.Trace(err)
		}
		fks = append(fks, fk)
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, fks)
	if msg == nil {
		return "", errors.NotValidf("token sealed by unknown key")
	}
	return string(msg), nil
}
