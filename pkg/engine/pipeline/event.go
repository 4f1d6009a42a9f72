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

package pipeline

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/hiveflow/hiveflow/pkg/engine/registry"
)

// Lane identifies a batcher's independent output queue, keyed by score band.
type Lane string

const (
	// LaneHigh receives events whose score is at or above the configured
	// threshold.
	LaneHigh Lane = "high"
	// LaneLow receives everything else.
	LaneLow Lane = "low"
)

// Lanes lists every lane, in flush-priority order.
var Lanes = []Lane{LaneHigh, LaneLow}

// Event is one unit of work flowing through the pipeline. The producer
// creates it, the processor stage attaches the fingerprint, score and lane,
// and a batcher consumes it terminally. An event belongs to exactly one
// pipeline run and is never re-queued automatically.
type Event struct {
	ID         uuid.UUID
	Payload    []byte
	Category   string
	EnqueuedAt time.Time

	// Set by the processor stage.
	Fingerprint uint64
	Score       float64
	Lane        Lane
}

// Batch is a consistent, size-bounded snapshot of one lane's buffer, handed
// to the lane's sink atomically.
type Batch struct {
	Lane     Lane
	Events   []*Event
	SealedAt time.Time
}

// Loss describes a batch dropped after sink retry exhaustion. It is the one
// condition that should escalate beyond logs and metrics.
type Loss struct {
	Lane  Lane
	Batch Batch
	Err   error
}

// Sink receives flushed batches for one lane. At most one sink is active per
// lane; fan-out is the sink's responsibility.
type Sink func(ctx context.Context, batch Batch) error

// Activator is the slice of the actor pool the processor stage depends on.
type Activator interface {
	Activate(ctx context.Context, id registry.ID, signal any) (any, error)
}

// ScoreCache memoizes classification scores by payload fingerprint.
type ScoreCache interface {
	Get(key uint64) (float64, bool)
	Put(key uint64, value float64, ttl time.Duration)
	Touch(key uint64) bool
}

// Fingerprint returns the deterministic hash of an event payload used as the
// cache key and as the seed for actor selection.
func Fingerprint(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// selectActors picks the fanOut distinct actor ids an event routes to. The
// selection is a pure function of the fingerprint so identical payloads
// always consult the same actors.
func selectActors(fp uint64, fanOut, actorCount int) []registry.ID {
	if fanOut > actorCount {
		fanOut = actorCount
	}
	ids := make([]registry.ID, 0, fanOut)
	seen := make(map[registry.ID]struct{}, fanOut)
	// Double hashing with a linear-probe fallback on collision.
	step := 1 + (fp>>32)%uint64(actorCount)
	next := fp % uint64(actorCount)
	for len(ids) < fanOut {
		id := registry.ID(next)
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		} else {
			next = (next + 1) % uint64(actorCount)
			continue
		}
		next = (next + step) % uint64(actorCount)
	}
	return ids
}
