/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pool runs a large set of lightweight, independently-restartable
// actors, organized into isolated partitions.
//
// Each actor is one goroutine owning its state exclusively and processing
// requests from a bounded mailbox. Partitions supervise fixed, contiguous id
// ranges with a one-for-one restart policy and a sliding-window restart
// budget; a partition that exhausts its budget goes degraded and stops
// restarting its own children without affecting siblings.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/hiveflow/hiveflow/pkg/engine/metrics"
	"github.com/hiveflow/hiveflow/pkg/engine/registry"
	errutil "github.com/hiveflow/hiveflow/pkg/engine/util/error"
	logutil "github.com/hiveflow/hiveflow/pkg/engine/util/logging"
)

const (
	// DefaultMailboxSize bounds each actor's pending-request queue.
	DefaultMailboxSize = 16
	// DefaultActivateTimeout bounds how long an activation waits for the
	// actor's response when the caller supplied no deadline.
	DefaultActivateTimeout = 100 * time.Millisecond
	// DefaultRestartBudget is the number of automatic restarts a partition
	// tolerates inside one window before going degraded.
	DefaultRestartBudget = 5
	// DefaultRestartWindow is the sliding window the restart budget applies to.
	DefaultRestartWindow = 10 * time.Second
)

// Config configures a Pool.
type Config struct {
	PartitionCount     int
	ActorsPerPartition int
	Factory            Factory

	// MailboxSize bounds each actor's request queue. Zero means
	// DefaultMailboxSize.
	MailboxSize int
	// ActivateTimeout applies when an Activate caller's context carries no
	// deadline. Zero means DefaultActivateTimeout.
	ActivateTimeout time.Duration
	// RestartBudget and RestartWindow parameterize each partition's
	// sliding-window restart policy. Zero means the defaults.
	RestartBudget int
	RestartWindow time.Duration
	// RestartBackoff delays each automatic respawn. Zero means none.
	RestartBackoff time.Duration
}

func (c *Config) applyDefaults() error {
	if c.PartitionCount <= 0 || c.ActorsPerPartition <= 0 {
		return fmt.Errorf("partitionCount and actorsPerPartition must be positive, got %d and %d",
			c.PartitionCount, c.ActorsPerPartition)
	}
	if c.Factory == nil {
		return fmt.Errorf("an actor factory is required")
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.ActivateTimeout <= 0 {
		c.ActivateTimeout = DefaultActivateTimeout
	}
	if c.RestartBudget <= 0 {
		c.RestartBudget = DefaultRestartBudget
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = DefaultRestartWindow
	}
	return nil
}

// Pool owns all partitions and routes activations to individual actors.
type Pool struct {
	cfg    Config
	reg    registry.Registry
	logger logr.Logger
	clock  clock.Clock

	partitions []*partition
	started    atomic.Bool
	stopOnce   sync.Once
}

// poolOption mutates a Pool before it starts. test-only
type poolOption func(*Pool)

func withClock(c clock.Clock) poolOption {
	return func(p *Pool) {
		p.clock = c
	}
}

// New creates a Pool. Start must be called before activations are routed.
func New(cfg Config, reg registry.Registry, logger logr.Logger, opts ...poolOption) (*Pool, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:    cfg,
		reg:    reg,
		logger: logger.WithName("actor-pool"),
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start creates all partitions and their actors. It returns once every actor
// has been registered. On partial failure the returned error aggregates
// which registrations failed; partitions that did come up keep running.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pool already started")
	}
	logger := logutil.FromContext(ctx).WithName("actor-pool")

	p.partitions = make([]*partition, p.cfg.PartitionCount)
	for i := range p.partitions {
		firstID := registry.ID(i * p.cfg.ActorsPerPartition)
		p.partitions[i] = newPartition(i, firstID, p.cfg.ActorsPerPartition,
			&p.cfg, p.reg, p.logger, p.clock, p.refreshDegradedCount)
	}

	var errs error
	for _, part := range p.partitions {
		if err := part.start(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("partition %d failed to start fully: %w", part.id, err))
		}
	}
	if errs != nil {
		return errs
	}
	logger.V(logutil.DEFAULT).Info("Actor pool started",
		"partitions", p.cfg.PartitionCount, "actorsPerPartition", p.cfg.ActorsPerPartition)
	return nil
}

// Activate routes one unit of work to the actor and waits for its response.
//
// The wait is bounded: the caller's context deadline applies, or
// ActivateTimeout when the context has none. A Timeout result does NOT
// guarantee the actor-side call was aborted; the actor may still complete
// and update its own state after the caller has moved on.
func (p *Pool) Activate(ctx context.Context, id registry.ID, signal any) (any, error) {
	h, err := p.reg.Lookup(id)
	if err != nil {
		metrics.RecordActivation(errutil.NotFound)
		return nil, err
	}
	ah, ok := h.(*actorHandle)
	if !ok {
		metrics.RecordActivation(errutil.Unknown)
		return nil, errutil.Error{Code: errutil.Unknown, Msg: fmt.Sprintf("foreign handle registered for actor %d", id)}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ActivateTimeout)
		defer cancel()
	}

	req := request{ctx: ctx, signal: signal, reply: make(chan response, 1)}
	select {
	case ah.mailbox <- req:
	case <-ah.done:
		metrics.RecordActivation(errutil.Crashed)
		return nil, errutil.Error{Code: errutil.Crashed, Msg: fmt.Sprintf("actor %d terminated before accepting the signal", id)}
	case <-ctx.Done():
		metrics.RecordActivation(errutil.Timeout)
		return nil, errutil.Error{Code: errutil.Timeout, Msg: fmt.Sprintf("actor %d did not accept the signal in time", id)}
	}

	select {
	case resp := <-req.reply:
		if resp.err != nil {
			metrics.RecordActivation(errutil.CanonicalCode(resp.err))
			return resp.result, resp.err
		}
		metrics.RecordActivation("OK")
		return resp.result, nil
	case <-ah.done:
		metrics.RecordActivation(errutil.Crashed)
		return nil, errutil.Error{Code: errutil.Crashed, Msg: fmt.Sprintf("actor %d terminated mid-call", id)}
	case <-ctx.Done():
		metrics.RecordActivation(errutil.Timeout)
		return nil, errutil.Error{Code: errutil.Timeout, Msg: fmt.Sprintf("actor %d did not respond within the deadline", id)}
	}
}

// Restart terminates and recreates one actor in place, preserving its id and
// partition and resetting its state to the factory default.
func (p *Pool) Restart(id registry.ID) error {
	part := p.partitionFor(id)
	if part == nil {
		return notFound(id)
	}
	return part.restart(id)
}

// Remove terminally stops one actor and frees its registry entry.
func (p *Pool) Remove(id registry.ID) error {
	part := p.partitionFor(id)
	if part == nil {
		return notFound(id)
	}
	return part.remove(id)
}

// Status returns a per-partition health snapshot.
func (p *Pool) Status() []Status {
	out := make([]Status, 0, len(p.partitions))
	for _, part := range p.partitions {
		out = append(out, part.status())
	}
	return out
}

// Shutdown cleanly stops every partition, waiting up to the context deadline.
func (p *Pool) Shutdown(ctx context.Context) error {
	var stopped chan struct{}
	p.stopOnce.Do(func() {
		stopped = make(chan struct{})
		go func() {
			defer close(stopped)
			var wg sync.WaitGroup
			for _, part := range p.partitions {
				wg.Add(1)
				go func(part *partition) {
					defer wg.Done()
					part.stopAll()
				}(part)
			}
			wg.Wait()
		}()
	})
	if stopped == nil {
		return nil
	}
	select {
	case <-stopped:
		p.logger.V(logutil.DEFAULT).Info("Actor pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown interrupted: %w", ctx.Err())
	}
}

// partitionFor derives the owning partition deterministically from the id.
func (p *Pool) partitionFor(id registry.ID) *partition {
	if id < 0 || !p.started.Load() {
		return nil
	}
	idx := int(id) / p.cfg.ActorsPerPartition
	if idx >= len(p.partitions) {
		return nil
	}
	return p.partitions[idx]
}

// refreshDegradedCount recomputes the degraded-partition gauge.
func (p *Pool) refreshDegradedCount() {
	n := 0
	for _, part := range p.partitions {
		if part.status().Degraded {
			n++
		}
	}
	metrics.SetDegradedPartitions(n)
}

func notFound(id registry.ID) error {
	return errutil.Error{Code: errutil.NotFound, Msg: fmt.Sprintf("no live actor with id %d", id)}
}
