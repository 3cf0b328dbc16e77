// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

// Package leadership surfaces the orchestration layer's leadership grant
// to the reconciler. Leadership can be revoked between any two events,
// so consumers must re-read it immediately before every leader-only
// mutation and must fail closed if it cannot be confirmed.
package leadership

import (
	"sync"
)

// Reader reports whether this unit currently holds application
// leadership. An error means leadership could not be confirmed fresh;
// callers must treat that as "not leader" for any mutating decision.
type Reader interface {
	IsLeader() (bool, error)
}

// Flag is a settable Reader. The agent main updates it from
// leader-elected and leader-deposed events; tests flip it mid-sequence.
type Flag struct {
	mu     sync.Mutex
	leader bool
	err    error
}

// NewFlag returns a Flag with the given initial leadership.
func NewFlag(leader bool) *Flag {
	return &Flag{leader: leader}
}

// IsLeader implements Reader.
func (f *Flag) IsLeader() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.leader, nil
}

// Set updates the leadership flag.
func (f *Flag) Set(leader bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leader = leader
	f.err = nil
}

// SetError makes subsequent IsLeader calls fail with err, modelling an
// orchestration layer that cannot confirm leadership.
func (f *Flag) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}
