// Copyright 2021 Billy Olsen
// Licensed under the Apache License 2.0, see LICENCE file for details.

package workload

import (
	"bytes"
	"strings"
	"time"

	"github.com/canonical/pebble/client"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"
)

var logger = loggo.GetLogger("keystone.workload")

// changeWaitTimeout bounds how long a single pass waits on a pebble
// service change before handing the retry back to the reconciler.
const changeWaitTimeout = 30 * time.Second

// PebbleAdapter implements Adapter over the pebble API socket shared
// with the workload container.
type PebbleAdapter struct {
	pebble *client.Client
	clock  clock.Clock
}

// NewPebbleAdapter connects to the pebble socket at socketPath.
func NewPebbleAdapter(socketPath string, clk clock.Clock) (*PebbleAdapter, error) {
	pc, err := client.New(&client.Config{Socket: socketPath})
	if err != nil {
		return nil, errors.Annotate(err, "connecting to pebble")
	}
	return &PebbleAdapter{pebble: pc, clock: clk}, nil
}

// PushConfig implements Adapter.
func (a *PebbleAdapter) PushConfig(files []File) error {
	SortFiles(files)
	for _, f := range files {
		perm := f.Perm
		if perm == 0 {
			perm = 0o640
		}
		err := a.pebble.Push(&client.PushOptions{
			Source:      strings.NewReader(f.Content),
			Path:        f.Path,
			MakeDirs:    true,
			Permissions: perm,
			User:        f.User,
			Group:       f.Group,
		})
		if err != nil {
			return errors.Annotatef(err, "pushing %s", f.Path)
		}
	}
	return nil
}

// RunCommand implements Adapter.
func (a *PebbleAdapter) RunCommand(argv []string) (int, string, string, error) {
	var stdout, stderr bytes.Buffer
	proc, err := a.pebble.Exec(&client.ExecOptions{
		Command: argv,
		Stdout:  &stdout,
		Stderr:  &stderr,
	})
	if err != nil {
		return -1, "", "", errors.Annotatef(err, "executing %q", strings.Join(argv, " "))
	}
	if err := proc.Wait(); err != nil {
		var exitCoder interface{ ExitCode() int }
		if errors.As(err, &exitCoder) {
			return exitCoder.ExitCode(), stdout.String(), stderr.String(), nil
		}
		return -1, stdout.String(), stderr.String(),
			errors.Annotatef(err, "waiting for %q", strings.Join(argv, " "))
	}
	return 0, stdout.String(), stderr.String(), nil
}

// Ready implements Adapter. Pebble answering the services query at all
// means the container and its API socket are up.
func (a *PebbleAdapter) Ready() (bool, error) {
	if _, err := a.pebble.Services(&client.ServicesOptions{}); err != nil {
		logger.Debugf("pebble not ready: %v", err)
		return false, nil
	}
	return true, nil
}

// ServiceRunning implements Adapter.
func (a *PebbleAdapter) ServiceRunning(name string) (bool, error) {
	infos, err := a.pebble.Services(&client.ServicesOptions{Names: []string{name}})
	if err != nil {
		return false, errors.Annotatef(err, "querying service %q", name)
	}
	for _, info := range infos {
		if info.Name == name {
			return info.Current == client.StatusActive, nil
		}
	}
	return false, nil
}

// EnsureLayer implements Adapter.
func (a *PebbleAdapter) EnsureLayer(startEnabled bool) error {
	layer, err := LayerYAML(startEnabled)
	if err != nil {
		return errors.Annotate(err, "rendering pebble layer")
	}
	err = a.pebble.AddLayer(&client.AddLayerOptions{
		Combine:   true,
		Label:     LayerLabel,
		LayerData: []byte(layer),
	})
	return errors.Annotate(err, "adding pebble layer")
}

// Restart implements Adapter. A freshly configured apache can refuse
// connections for a moment while it reloads, so the stop/start sequence
// is retried a few times before the failure is reported to the
// reconciler's own budget.
func (a *PebbleAdapter) Restart() error {
	err := retry.Call(retry.CallArgs{
		Func:     a.restartOnce,
		Attempts: 3,
		Delay:    time.Second,
		Clock:    a.clock,
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("restart attempt %d failed: %v", attempt, err)
		},
	})
	return errors.Annotatef(err, "restarting %s", ServiceName)
}

func (a *PebbleAdapter) restartOnce() error {
	running, err := a.ServiceRunning(ServiceName)
	if err != nil {
		return errors.Trace(err)
	}
	if running {
		changeID, err := a.pebble.Stop(&client.ServiceOptions{Names: []string{ServiceName}})
		if err != nil {
			return errors.Trace(err)
		}
		if err := a.waitChange(changeID); err != nil {
			return errors.Trace(err)
		}
	}
	changeID, err := a.pebble.Start(&client.ServiceOptions{Names: []string{ServiceName}})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(a.waitChange(changeID))
}

func (a *PebbleAdapter) waitChange(changeID string) error {
	change, err := a.pebble.WaitChange(changeID, &client.WaitChangeOptions{
		Timeout: changeWaitTimeout,
	})
	if err != nil {
		return errors.Trace(err)
	}
	if change.Err != "" {
		return errors.New(change.Err)
	}
	return nil
}
