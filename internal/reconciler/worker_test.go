// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

package reconciler_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/names/v5"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/wolsen/charm-keystone-operator/core/leadership"
	"github.com/wolsen/charm-keystone-operator/core/relation"
	"github.com/wolsen/charm-keystone-operator/internal/config"
	"github.com/wolsen/charm-keystone-operator/internal/reconciler"
	"github.com/wolsen/charm-keystone-operator/internal/secrets"
)

type workerSuite struct {
	testing.IsolationSuite

	clock   *testclock.Clock
	store   *relation.MemStore
	flag    *leadership.Flag
	adapter *fakeAdapter
	rec     *reconciler.Reconciler
}

var _ = gc.Suite(&workerSuite{})

func (s *workerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2021, 11, 1, 0, 0, 0, 0, time.UTC))
	s.store = relation.NewMemStore()
	s.flag = leadership.NewFlag(true)
	s.adapter = &fakeAdapter{ready: true}

	cfg, err := config.Parse(nil)
	c.Assert(err, jc.ErrorIsNil)
	s.rec, err = reconciler.New(reconciler.Config{
		Store:      s.store,
		Leadership: s.flag,
		Adapter:    s.adapter,
		Secrets:    secrets.NewManager(s.clock, s.flag),
		Clock:      s.clock,
		Charm:      cfg,
		Unit:       names.NewUnitTag("keystone-k8s/0"),
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *workerSuite) newWorker(c *gc.C) *reconciler.Worker {
	w, err := reconciler.NewWorker(reconciler.WorkerConfig{
		Reconciler: s.rec,
		Store:      s.store,
		Clock:      s.clock,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, w) })
	return w
}

func (s *workerSuite) waitState(c *gc.C, w *reconciler.Worker, want reconciler.State) {
	timeout := time.After(testing.LongWait)
	for w.State() != want {
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for state %q, have %q", want, w.State())
		case <-time.After(testing.ShortWait):
		}
	}
}

func (s *workerSuite) waitPushes(c *gc.C, want int) {
	timeout := time.After(testing.LongWait)
	for s.adapter.pushCount() < want {
		select {
		case <-timeout:
			c.Fatalf("timed out waiting for %d pushes, have %d", want, s.adapter.pushCount())
		case <-time.After(testing.ShortWait):
		}
	}
}

func (s *workerSuite) TestValidate(c *gc.C) {
	_, err := reconciler.NewWorker(reconciler.WorkerConfig{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *workerSuite) TestInitialPassRunsAtStartup(c *gc.C) {
	w := s.newWorker(c)
	s.waitState(c, w, reconciler.StateBlocked)
	c.Assert(w.Status().Message, jc.Contains, "shared-db")
}

func (s *workerSuite) TestStoreChangeTriggersPass(c *gc.C) {
	w := s.newWorker(c)
	s.waitState(c, w, reconciler.StateBlocked)

	_, err := s.store.Establish(relation.Peers)
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.store.Establish(relation.SharedDB)
	c.Assert(err, jc.ErrorIsNil)
	err = s.store.SetRemoteApplication(relation.SharedDB, relation.Fragment{
		"host":     "10.0.0.2",
		"database": "keystone_k8s",
		"username": "ks-user",
		"password": "sekrit",
	})
	c.Assert(err, jc.ErrorIsNil)

	s.waitState(c, w, reconciler.StateActive)
	c.Assert(s.adapter.pushCount(), gc.Equals, 1)
}

func (s *workerSuite) TestConfigChangeTriggersPass(c *gc.C) {
	w := s.newWorker(c)
	s.waitState(c, w, reconciler.StateBlocked)

	_, err := s.store.Establish(relation.Peers)
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.store.Establish(relation.SharedDB)
	c.Assert(err, jc.ErrorIsNil)
	err = s.store.SetRemoteApplication(relation.SharedDB, relation.Fragment{
		"host":     "10.0.0.2",
		"database": "keystone_k8s",
		"username": "ks-user",
		"password": "sekrit",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.waitState(c, w, reconciler.StateActive)

	cfg, err := config.Parse(map[string]interface{}{"service-port": 5999})
	c.Assert(err, jc.ErrorIsNil)
	w.NotifyConfigChanged(cfg)

	s.waitPushes(c, 2)
	s.waitState(c, w, reconciler.StateActive)
}

func (s *workerSuite) TestPeriodicTickDrivesRotation(c *gc.C) {
	w := s.newWorker(c)

	_, err := s.store.Establish(relation.Peers)
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.store.Establish(relation.SharedDB)
	c.Assert(err, jc.ErrorIsNil)
	err = s.store.SetRemoteApplication(relation.SharedDB, relation.Fragment{
		"host":     "10.0.0.2",
		"database": "keystone_k8s",
		"username": "ks-user",
		"password": "sekrit",
	})
	c.Assert(err, jc.ErrorIsNil)
	s.waitState(c, w, reconciler.StateActive)

	// Jump past the rotation interval and deliver the periodic tick.
	err = s.clock.WaitAdvance(time.Hour, testing.LongWait, 1)
	c.Assert(err, jc.ErrorIsNil)

	s.waitPushes(c, 2)
	snap, err := s.store.Snapshot(relation.Peers)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(snap.Local[secrets.FieldSigningKeys], gc.Not(gc.Equals), "")
}

func (s *workerSuite) TestReportsStatus(c *gc.C) {
	w := s.newWorker(c)
	s.waitState(c, w, reconciler.StateBlocked)

	report := w.Report()
	c.Assert(report["state"], gc.Equals, "blocked")
	c.Assert(report["status"], gc.Equals, "blocked")
}
