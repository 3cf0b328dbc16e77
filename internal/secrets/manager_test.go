// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

package secrets_test

import (
	stdtesting "testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/wolsen/charm-keystone-operator/core/keys"
	"github.com/wolsen/charm-keystone-operator/core/leadership"
	"github.com/wolsen/charm-keystone-operator/internal/secrets"
)

func TestPackage(t *stdtesting.T) {
	gc.TestingT(t)
}

type managerSuite struct {
	testing.IsolationSuite
	clock  *testclock.Clock
	leader *leadership.Flag
}

var _ = gc.Suite(&managerSuite{})

func (s *managerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2021, 11, 1, 0, 0, 0, 0, time.UTC))
	s.leader = leadership.NewFlag(true)
}

func (s *managerSuite) manager() *secrets.Manager {
	return secrets.NewManager(s.clock, s.leader)
}

func (s *managerSuite) TestBootstrap(c *gc.C) {
	mat, err := s.manager().Bootstrap(secrets.Material{})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(mat.Keys.Len(), gc.Equals, 1)
	c.Assert(mat.AdminPassword, gc.Not(gc.Equals), "")
	c.Assert(mat.CharmPassword, gc.Not(gc.Equals), "")
	c.Assert(mat.AdminPassword, gc.Not(gc.Equals), mat.CharmPassword)
	c.Assert(mat.LastRotation, gc.Equals, s.clock.Now().UTC())
}

func (s *managerSuite) TestBootstrapNonLeaderForbidden(c *gc.C) {
	s.leader.Set(false)
	_, err := s.manager().Bootstrap(secrets.Material{})
	c.Assert(err, jc.ErrorIs, secrets.ErrInvariant)
}

func (s *managerSuite) TestBootstrapUnconfirmedLeadershipForbidden(c *gc.C) {
	s.leader.SetError(errors.New("lease manager gone"))
	_, err := s.manager().Bootstrap(secrets.Material{})
	c.Assert(err, jc.ErrorIs, secrets.ErrInvariant)
}

func (s *managerSuite) TestBootstrapTwiceForbidden(c *gc.C) {
	mgr := s.manager()
	mat, err := mgr.Bootstrap(secrets.Material{})
	c.Assert(err, jc.ErrorIsNil)
	_, err = mgr.Bootstrap(mat)
	c.Assert(err, jc.ErrorIs, secrets.ErrInvariant)
	c.Assert(err, gc.ErrorMatches, "key material already exists")
}

func (s *managerSuite) TestRotateWithinIntervalUnchanged(c *gc.C) {
	mgr := s.manager()
	mat, err := mgr.Bootstrap(secrets.Material{})
	c.Assert(err, jc.ErrorIsNil)

	s.clock.Advance(30 * time.Minute)
	after, rotated, err := mgr.Rotate(mat, time.Hour, 2*time.Hour)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rotated, jc.IsFalse)
	c.Assert(after.Keys.Equal(mat.Keys), jc.IsTrue)
}

func (s *managerSuite) TestRotateAfterInterval(c *gc.C) {
	mgr := s.manager()
	mat, err := mgr.Bootstrap(secrets.Material{})
	c.Assert(err, jc.ErrorIsNil)

	s.clock.Advance(time.Hour)
	after, rotated, err := mgr.Rotate(mat, time.Hour, 2*time.Hour)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rotated, jc.IsTrue)
	c.Assert(after.Keys.Len(), gc.Equals, 2)
	primary, _ := after.Keys.Primary()
	c.Assert(primary.ID, gc.Equals, 1)
	c.Assert(after.LastRotation, gc.Equals, s.clock.Now().UTC())
	// The admin credential is untouched by rotation.
	c.Assert(after.AdminPassword, gc.Equals, mat.AdminPassword)
}

func (s *managerSuite) TestRotateLeadershipFlipMidSequence(c *gc.C) {
	mgr := s.manager()
	mat, err := mgr.Bootstrap(secrets.Material{})
	c.Assert(err, jc.ErrorIsNil)

	// Leadership is revoked between the event that scheduled the
	// rotation and the rotation itself.
	s.clock.Advance(time.Hour)
	s.leader.Set(false)
	_, _, err = mgr.Rotate(mat, time.Hour, 2*time.Hour)
	c.Assert(err, jc.ErrorIs, secrets.ErrInvariant)
}

func (s *managerSuite) TestRotateUnconfirmedLeadershipAbstains(c *gc.C) {
	mgr := s.manager()
	mat, err := mgr.Bootstrap(secrets.Material{})
	c.Assert(err, jc.ErrorIsNil)

	s.clock.Advance(time.Hour)
	s.leader.SetError(errors.New("cannot reach lease manager"))
	after, rotated, err := mgr.Rotate(mat, time.Hour, 2*time.Hour)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(rotated, jc.IsFalse)
	c.Assert(after.Keys.Equal(mat.Keys), jc.IsTrue)
}

func (s *managerSuite) TestRotateBeforeBootstrapForbidden(c *gc.C) {
	_, _, err := s.manager().Rotate(secrets.Material{}, time.Hour, 2*time.Hour)
	c.Assert(err, jc.ErrorIs, secrets.ErrInvariant)
}

func (s *managerSuite) TestAdoptVerbatim(c *gc.C) {
	mgr := s.manager()
	mat, err := mgr.Bootstrap(secrets.Material{})
	c.Assert(err, jc.ErrorIsNil)

	s.leader.Set(false)
	adopted, err := mgr.Adopt(mat)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(adopted.Keys.Equal(mat.Keys), jc.IsTrue)
	c.Assert(adopted.AdminPassword, gc.Equals, mat.AdminPassword)
}

func (s *managerSuite) TestAdoptEmptyRejected(c *gc.C) {
	_, err := s.manager().Adopt(secrets.Material{})
	c.Assert(err, gc.ErrorMatches, "adopting empty key material not valid")
}

func (s *managerSuite) TestPublishParseRoundTrip(c *gc.C) {
	mgr := s.manager()
	mat, err := mgr.Bootstrap(secrets.Material{})
	c.Assert(err, jc.ErrorIsNil)

	frag, err := secrets.PublishFragment(mat)
	c.Assert(err, jc.ErrorIsNil)
	// Credentials are sealed, never plaintext at rest.
	c.Assert(frag[secrets.FieldAdminCredential], gc.Not(gc.Equals), mat.AdminPassword)

	parsed, err := secrets.ParseFragment(frag)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(parsed.Keys.Equal(mat.Keys), jc.IsTrue)
	c.Assert(parsed.AdminPassword, gc.Equals, mat.AdminPassword)
	c.Assert(parsed.CharmPassword, gc.Equals, mat.CharmPassword)
	c.Assert(parsed.LastRotation, gc.Equals, mat.LastRotation)
}

func (s *managerSuite) TestParseFragmentNotPublished(c *gc.C) {
	_, err := secrets.ParseFragment(map[string]string{})
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
}

func (s *managerSuite) TestNoNonLeaderKeyMaterial(c *gc.C) {
	// Property: however leadership flips across a sequence of
	// operations, key material only ever originates from calls made
	// while leadership was held.
	mgr := s.manager()
	mat, err := mgr.Bootstrap(secrets.Material{})
	c.Assert(err, jc.ErrorIsNil)

	var current = mat
	for i := 0; i < 6; i++ {
		leads := i%2 == 0
		s.leader.Set(leads)
		s.clock.Advance(time.Hour)
		next, rotated, err := mgr.Rotate(current, time.Hour, 3*time.Hour)
		if leads {
			c.Assert(err, jc.ErrorIsNil)
			c.Assert(rotated, jc.IsTrue)
			current = next
		} else {
			c.Assert(err, jc.ErrorIs, secrets.ErrInvariant)
			// The material in hand is untouched by the refused call.
			adopted, aerr := mgr.Adopt(current)
			c.Assert(aerr, jc.ErrorIsNil)
			c.Assert(adopted.Keys.Equal(current.Keys), jc.IsTrue)
		}
	}
}

func (s *managerSuite) TestMaterialIsZero(c *gc.C) {
	c.Assert(secrets.Material{}.IsZero(), jc.IsTrue)
	key, err := keys.Generate(s.clock)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(secrets.Material{Keys: keys.NewSet(key)}.IsZero(), jc.IsFalse)
}
