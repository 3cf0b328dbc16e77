// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

package relation_test

import (
	stdtesting "testing"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/wolsen/charm-keystone-operator/core/relation"
)

func TestPackage(t *stdtesting.T) {
	gc.TestingT(t)
}

type storeSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&storeSuite{})

func (s *storeSuite) TestSnapshotNotEstablished(c *gc.C) {
	store := relation.NewMemStore()
	_, err := store.Snapshot(relation.SharedDB)
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
	c.Assert(err, gc.ErrorMatches, `relation "shared-db" not found`)
}

func (s *storeSuite) TestEstablishUnknownEndpoint(c *gc.C) {
	store := relation.NewMemStore()
	_, err := store.Establish("object-store")
	c.Assert(err, gc.ErrorMatches, `endpoint "object-store" not valid`)
}

func (s *storeSuite) TestEstablishIdempotent(c *gc.C) {
	store := relation.NewMemStore()
	id0, err := store.Establish(relation.SharedDB)
	c.Assert(err, jc.ErrorIsNil)
	id1, err := store.Establish(relation.SharedDB)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(id1, gc.Equals, id0)
}

func (s *storeSuite) TestSnapshotIsACopy(c *gc.C) {
	store := relation.NewMemStore()
	_, err := store.Establish(relation.SharedDB)
	c.Assert(err, jc.ErrorIsNil)
	err = store.SetRemoteApplication(relation.SharedDB, relation.Fragment{
		"host": "10.0.0.2",
	})
	c.Assert(err, jc.ErrorIsNil)

	snap, err := store.Snapshot(relation.SharedDB)
	c.Assert(err, jc.ErrorIsNil)
	snap.Application["host"] = "mutated"

	again, err := store.Snapshot(relation.SharedDB)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(again.Application["host"], gc.Equals, "10.0.0.2")
}

func (s *storeSuite) TestWriteLocalMergesAndDeletes(c *gc.C) {
	store := relation.NewMemStore()
	_, err := store.Establish(relation.Peers)
	c.Assert(err, jc.ErrorIsNil)

	err = store.WriteLocal(relation.Peers, relation.Fragment{
		"signing-keys": "keys-v1",
		"bootstrapped": "true",
	})
	c.Assert(err, jc.ErrorIsNil)
	err = store.WriteLocal(relation.Peers, relation.Fragment{
		"signing-keys": "keys-v2",
		"bootstrapped": "",
	})
	c.Assert(err, jc.ErrorIsNil)

	snap, err := store.Snapshot(relation.Peers)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(snap.Local, jc.DeepEquals, relation.Fragment{
		"signing-keys": "keys-v2",
	})
}

func (s *storeSuite) TestChangesNotified(c *gc.C) {
	store := relation.NewMemStore()
	changes := store.Changes()

	_, err := store.Establish(relation.SharedDB)
	c.Assert(err, jc.ErrorIsNil)

	select {
	case endpoint := <-changes:
		c.Assert(endpoint, gc.Equals, relation.SharedDB)
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for change notification")
	}
}

func (s *storeSuite) TestIdenticalWriteDoesNotNotify(c *gc.C) {
	store := relation.NewMemStore()
	_, err := store.Establish(relation.Ingress)
	c.Assert(err, jc.ErrorIsNil)
	err = store.WriteLocal(relation.Ingress, relation.Fragment{
		"service-name": "keystone",
	})
	c.Assert(err, jc.ErrorIsNil)

	changes := store.Changes()
	err = store.WriteLocal(relation.Ingress, relation.Fragment{
		"service-name": "keystone",
	})
	c.Assert(err, jc.ErrorIsNil)

	select {
	case endpoint := <-changes:
		c.Fatalf("unexpected notification for %q", endpoint)
	case <-time.After(testing.ShortWait):
	}
}

func (s *storeSuite) TestSetRemoteUnitValidatesName(c *gc.C) {
	store := relation.NewMemStore()
	_, err := store.Establish(relation.Peers)
	c.Assert(err, jc.ErrorIsNil)
	err = store.SetRemoteUnit(relation.Peers, "not-a-unit", relation.Fragment{"x": "y"})
	c.Assert(err, gc.ErrorMatches, `unit name "not-a-unit" not valid`)
}
