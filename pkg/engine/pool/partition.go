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

package pool

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/hiveflow/hiveflow/pkg/engine/metrics"
	"github.com/hiveflow/hiveflow/pkg/engine/registry"
	logutil "github.com/hiveflow/hiveflow/pkg/engine/util/logging"
)

// Status is a point-in-time health snapshot of one partition.
type Status struct {
	Partition int
	// FirstID and LastID delimit the partition's id range, both inclusive.
	FirstID registry.ID
	LastID  registry.ID
	Live    int
	Dead    int
	// Degraded is true once the partition has exhausted its restart budget
	// and stopped restarting its children.
	Degraded bool
	// BudgetUsed is the number of restarts inside the current window.
	BudgetUsed int
	Budget     int
	// TotalRestarts counts every automatic restart this partition ever
	// performed, including those that aged out of the window.
	TotalRestarts uint64
}

// partition supervises a fixed, contiguous range of actor ids. Each partition
// enforces its own restart budget; nothing a partition does can consume a
// sibling's budget or restart a sibling's children.
type partition struct {
	id      int
	firstID registry.ID
	count   int

	cfg    *Config
	reg    registry.Registry
	logger logr.Logger
	clock  clock.Clock

	// onDegraded is invoked (outside the lock) when the partition flips to
	// degraded, so the pool can refresh aggregate metrics.
	onDegraded func()

	mu           sync.Mutex
	actors       map[registry.ID]*actorHandle
	restartTimes []time.Time
	perActor     map[registry.ID]int
	restartTotal uint64
	degraded     bool
	stopping     bool
}

func newPartition(id int, firstID registry.ID, count int, cfg *Config, reg registry.Registry,
	logger logr.Logger, c clock.Clock, onDegraded func()) *partition {
	return &partition{
		id:         id,
		firstID:    firstID,
		count:      count,
		cfg:        cfg,
		reg:        reg,
		logger:     logger.WithName("partition").WithValues("partition", id),
		clock:      c,
		onDegraded: onDegraded,
		actors:     make(map[registry.ID]*actorHandle, count),
		perActor:   make(map[registry.ID]int, count),
	}
}

func (p *partition) lastID() registry.ID {
	return p.firstID + registry.ID(p.count) - 1
}

func (p *partition) owns(id registry.ID) bool {
	return id >= p.firstID && id <= p.lastID()
}

// start creates and registers every actor in the partition's range. It
// returns an aggregate of any per-actor failures rather than stopping at the
// first one, so the caller gets a complete partial-start report.
func (p *partition) start() error {
	var errs error
	for i := 0; i < p.count; i++ {
		id := p.firstID + registry.ID(i)
		if err := p.spawn(id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs == nil {
		p.logger.V(logutil.DEFAULT).Info("Partition started", "actors", p.count,
			"firstID", p.firstID, "lastID", p.lastID())
	}
	return errs
}

// spawn creates a fresh incarnation for id, registers it, and starts its run
// loop and crash watcher.
func (p *partition) spawn(id registry.ID) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return fmt.Errorf("partition %d is shutting down", p.id)
	}
	p.mu.Unlock()

	h := newActorHandle(id, p.id, p.cfg.MailboxSize, p.clock)
	if err := p.reg.Register(id, h); err != nil {
		return err
	}

	p.mu.Lock()
	if p.stopping {
		// Shutdown raced the respawn; releasing the handle lets the
		// registry's monitor clean up the entry.
		p.mu.Unlock()
		h.abort()
		return fmt.Errorf("partition %d is shutting down", p.id)
	}
	p.actors[id] = h
	p.mu.Unlock()

	go h.run(p.cfg.Factory(id))
	go p.watch(id, h)
	return nil
}

// watch observes one incarnation's lifetime. Clean stops are initiated by the
// partition itself (restart, remove, shutdown) and need no reaction here;
// only abnormal exits feed the restart policy.
func (p *partition) watch(id registry.ID, h *actorHandle) {
	<-h.Done()
	if h.ExitErr() == nil {
		return
	}
	p.onCrash(id, h)
}

// onCrash applies the one-for-one restart policy for a crashed actor.
func (p *partition) onCrash(id registry.ID, h *actorHandle) {
	p.mu.Lock()
	if p.stopping || p.actors[id] != h {
		p.mu.Unlock()
		return
	}
	if p.degraded {
		// Budget already exhausted: the child stays dead.
		delete(p.actors, id)
		p.mu.Unlock()
		return
	}

	now := p.clock.Now()
	p.pruneWindowLocked(now)
	if len(p.restartTimes) >= p.cfg.RestartBudget {
		// Fail-stop for this partition only. Halting automatic restarts here
		// is what prevents a restart storm; siblings are unaffected.
		p.degraded = true
		delete(p.actors, id)
		p.mu.Unlock()
		p.logger.Error(h.ExitErr(), "Restart budget exhausted, partition is degraded",
			"budget", p.cfg.RestartBudget, "window", p.cfg.RestartWindow)
		if p.onDegraded != nil {
			p.onDegraded()
		}
		return
	}
	p.restartTimes = append(p.restartTimes, now)
	p.restartTotal++
	p.perActor[id]++
	restarts := p.perActor[id]
	p.mu.Unlock()

	metrics.RecordActorRestart(strconv.Itoa(p.id))
	p.logger.V(logutil.DEFAULT).Info("Restarting crashed actor",
		"actorID", id, "restarts", restarts, "err", h.ExitErr())

	if p.cfg.RestartBackoff > 0 {
		p.clock.Sleep(p.cfg.RestartBackoff)
	}

	// The registry's own monitor also removes dead entries; this explicit
	// removal just guarantees the id is free before re-registering.
	p.reg.Unregister(id)
	if err := p.spawn(id); err != nil {
		p.logger.Error(err, "Failed to respawn crashed actor", "actorID", id)
	}
}

// pruneWindowLocked drops restart timestamps that have slid out of the
// budget window. Caller must hold p.mu.
func (p *partition) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-p.cfg.RestartWindow)
	i := 0
	for ; i < len(p.restartTimes); i++ {
		if p.restartTimes[i].After(cutoff) {
			break
		}
	}
	p.restartTimes = p.restartTimes[i:]
}

// restart terminates and recreates one actor in place, preserving its id and
// resetting state to the factory default. Explicit restarts do not consume
// the automatic restart budget.
func (p *partition) restart(id registry.ID) error {
	p.mu.Lock()
	h, ok := p.actors[id]
	if !ok {
		p.mu.Unlock()
		return notFound(id)
	}
	p.perActor[id]++
	p.mu.Unlock()

	h.stop()
	<-h.Done()
	p.reg.Unregister(id)
	return p.spawn(id)
}

// remove terminally stops one actor. Its id becomes free but is not reused.
func (p *partition) remove(id registry.ID) error {
	p.mu.Lock()
	h, ok := p.actors[id]
	delete(p.actors, id)
	p.mu.Unlock()
	if !ok {
		return notFound(id)
	}

	h.stop()
	<-h.Done()
	p.reg.Unregister(id)
	p.logger.V(logutil.VERBOSE).Info("Actor removed", "actorID", id)
	return nil
}

// stopAll cleanly terminates every child. Used on pool shutdown.
func (p *partition) stopAll() {
	p.mu.Lock()
	p.stopping = true
	handles := make([]*actorHandle, 0, len(p.actors))
	for _, h := range p.actors {
		handles = append(handles, h)
	}
	p.actors = make(map[registry.ID]*actorHandle)
	p.mu.Unlock()

	for _, h := range handles {
		h.stop()
	}
	for _, h := range handles {
		<-h.Done()
		p.reg.Unregister(h.id)
	}
	p.logger.V(logutil.DEFAULT).Info("Partition stopped")
}

func (p *partition) status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	live := 0
	for _, h := range p.actors {
		select {
		case <-h.Done():
		default:
			live++
		}
	}
	p.pruneWindowLocked(p.clock.Now())
	return Status{
		Partition:     p.id,
		FirstID:       p.firstID,
		LastID:        p.lastID(),
		Live:          live,
		Dead:          p.count - live,
		Degraded:      p.degraded,
		BudgetUsed:    len(p.restartTimes),
		Budget:        p.cfg.RestartBudget,
		TotalRestarts: p.restartTotal,
	}
}
