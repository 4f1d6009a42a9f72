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

// Package registry maps live actor ids to their handles.
//
// The registry is the engine's source of truth for actor liveness. It sits on
// the hot path of every activation, so reads and writes go through a
// lock-free map rather than a global lock. Registration implicitly starts
// monitoring the handle's lifetime: when the actor terminates, the entry is
// removed without anyone having to call Unregister.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/hiveflow/hiveflow/pkg/engine/metrics"
	errutil "github.com/hiveflow/hiveflow/pkg/engine/util/error"
	logutil "github.com/hiveflow/hiveflow/pkg/engine/util/logging"
)

// ID identifies one actor. Ids are assigned at creation and never reused
// while the actor is live.
type ID int

// Handle is a live reference to a running actor. The registry only needs
// enough surface to observe the actor's lifetime; callers that hold a Handle
// assert it back to the pool's concrete type to interact with the actor.
type Handle interface {
	// Done is closed when the actor's run loop has terminated, for any reason.
	Done() <-chan struct{}
	// ExitErr reports why the actor terminated. It is only meaningful after
	// Done is closed; nil means a clean stop.
	ExitErr() error
}

// Entry pairs an id with its live handle in a snapshot.
type Entry struct {
	ID     ID
	Handle Handle
}

// Registry is the concurrent id-to-handle map.
//
// At most one live handle exists per id. Concurrent readers observe either
// the old or the new handle, never a torn value. Snapshots are eventually
// consistent: callers must tolerate a handle that died after the snapshot
// was taken.
type Registry interface {
	// Register inserts a new live mapping and starts monitoring the handle.
	// It fails with an AlreadyRegistered error if the id is already live.
	Register(id ID, h Handle) error
	// Lookup returns the live handle for id, or a NotFound error.
	Lookup(id ID) (Handle, error)
	// Unregister removes the mapping for id. Removing an id that is not
	// registered is a no-op, not an error.
	Unregister(id ID)
	// AllLive returns a point-in-time snapshot of all live entries.
	AllLive() []Entry
	// CountLive returns the number of live entries.
	CountLive() int
	// Deaths returns the recent-death records still inside the observation
	// window, most useful for health snapshots and tests.
	Deaths() []DeathRecord
	// DeathCounts returns the cumulative number of crashes and clean stops
	// observed since the registry was created.
	DeathCounts() (crashes, stops uint64)
	// Close stops the liveness tracker. Monitor goroutines exit on their own
	// once their actors terminate.
	Close()
}

// Options configures a Registry.
type Options struct {
	// DeathWindow bounds how long death records are retained for observation.
	// Zero means DefaultDeathWindow.
	DeathWindow time.Duration
}

// New creates a Registry.
func New(logger logr.Logger, opts Options) Registry {
	return &actorRegistry{
		logger:  logger.WithName("actor-registry"),
		tracker: newLivenessTracker(opts.DeathWindow),
	}
}

type actorRegistry struct {
	logger  logr.Logger
	tracker *livenessTracker

	// entries is the hot-path map. Key is ID, value is Handle.
	entries sync.Map
	live    atomic.Int64
}

func (r *actorRegistry) Register(id ID, h Handle) error {
	if h == nil {
		return errutil.Error{Code: errutil.Unknown, Msg: fmt.Sprintf("nil handle for actor %d", id)}
	}
	if _, loaded := r.entries.LoadOrStore(id, h); loaded {
		return errutil.Error{Code: errutil.AlreadyRegistered, Msg: fmt.Sprintf("actor %d is already live", id)}
	}
	n := r.live.Add(1)
	metrics.SetLiveActors(int(n))
	r.logger.V(logutil.TRACE).Info("Actor registered", "actorID", id, "live", n)

	// The monitor goroutine is what keeps the registry self-healing: it
	// removes the entry when the actor dies, whether or not anyone calls
	// Unregister. CompareAndDelete ensures a monitor for an old incarnation
	// never removes the entry of a restarted one.
	go r.monitor(id, h)
	return nil
}

func (r *actorRegistry) monitor(id ID, h Handle) {
	<-h.Done()
	if r.entries.CompareAndDelete(id, h) {
		n := r.live.Add(-1)
		metrics.SetLiveActors(int(n))
	}
	exitErr := h.ExitErr()
	r.tracker.observe(id, exitErr)
	if exitErr != nil {
		r.logger.V(logutil.DEBUG).Info("Actor death observed", "actorID", id, "err", exitErr)
	} else {
		r.logger.V(logutil.TRACE).Info("Actor stop observed", "actorID", id)
	}
}

func (r *actorRegistry) Lookup(id ID) (Handle, error) {
	v, ok := r.entries.Load(id)
	if !ok {
		return nil, errutil.Error{Code: errutil.NotFound, Msg: fmt.Sprintf("actor %d is not live", id)}
	}
	return v.(Handle), nil
}

func (r *actorRegistry) Unregister(id ID) {
	if _, loaded := r.entries.LoadAndDelete(id); loaded {
		n := r.live.Add(-1)
		metrics.SetLiveActors(int(n))
		r.logger.V(logutil.TRACE).Info("Actor unregistered", "actorID", id, "live", n)
	}
}

func (r *actorRegistry) AllLive() []Entry {
	out := make([]Entry, 0, r.live.Load())
	r.entries.Range(func(k, v any) bool {
		out = append(out, Entry{ID: k.(ID), Handle: v.(Handle)})
		return true
	})
	return out
}

func (r *actorRegistry) CountLive() int {
	return int(r.live.Load())
}

func (r *actorRegistry) Deaths() []DeathRecord {
	return r.tracker.recent()
}

func (r *actorRegistry) DeathCounts() (crashes, stops uint64) {
	return r.tracker.counts()
}

func (r *actorRegistry) Close() {
	r.tracker.stop()
}
