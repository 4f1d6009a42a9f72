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

package registry

import (
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultDeathWindow is how long a death record stays observable when no
// window is configured.
const DefaultDeathWindow = time.Minute

// DeathRecord describes one observed actor termination.
type DeathRecord struct {
	ID ID
	At time.Time
	// Err is the actor's exit error; nil for a clean stop.
	Err error
}

// livenessTracker keeps a TTL-bounded record of recently deceased actors.
// Records age out of the observation window on their own; cumulative crash
// and stop counters never reset. Health snapshots and tests consume this to
// distinguish "just died" from "was never there".
type livenessTracker struct {
	tombstones *ttlcache.Cache[ID, DeathRecord]
	crashes    atomic.Uint64
	stops      atomic.Uint64
}

func newLivenessTracker(window time.Duration) *livenessTracker {
	if window <= 0 {
		window = DefaultDeathWindow
	}
	t := &livenessTracker{
		tombstones: ttlcache.New(
			ttlcache.WithTTL[ID, DeathRecord](window),
			ttlcache.WithDisableTouchOnHit[ID, DeathRecord](),
		),
	}
	go t.tombstones.Start()
	return t
}

func (t *livenessTracker) observe(id ID, exitErr error) {
	t.tombstones.Set(id, DeathRecord{ID: id, At: time.Now(), Err: exitErr}, ttlcache.DefaultTTL)
	if exitErr != nil {
		t.crashes.Add(1)
	} else {
		t.stops.Add(1)
	}
}

func (t *livenessTracker) recent() []DeathRecord {
	items := t.tombstones.Items()
	out := make([]DeathRecord, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value())
	}
	return out
}

// counts returns the cumulative number of crashes and clean stops observed.
func (t *livenessTracker) counts() (crashes, stops uint64) {
	return t.crashes.Load(), t.stops.Load()
}

func (t *livenessTracker) stop() {
	t.tombstones.Stop()
}
