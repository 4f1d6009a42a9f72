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

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	logutil "github.com/hiveflow/hiveflow/pkg/engine/util/logging"
)

func newTestCache(t *testing.T, capacity int) (*BoundedCache[string, int], *clocktesting.FakeClock) {
	t.Helper()
	c, err := New[string, int](capacity, logutil.NewTestLogger())
	require.NoError(t, err)
	fakeClock := clocktesting.NewFakeClock(time.Now())
	c.clock = fakeClock
	return c, fakeClock
}

func TestGetPutBasics(t *testing.T) {
	c, _ := newTestCache(t, 8)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1, 0)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// Last put wins.
	c.Put("a", 2, 0)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)

	stats := c.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(2), stats.HitCount)
	assert.Equal(t, uint64(1), stats.MissCount)
}

func TestCapacityIsAHardBound(t *testing.T) {
	c, _ := newTestCache(t, 3)

	for i := 0; i < 10; i++ {
		c.Put(fmt.Sprintf("k%d", i), i, 0)
		assert.LessOrEqual(t, c.Stats().Size, 3)
	}
	assert.Equal(t, 3, c.Stats().Size)
}

func TestOverflowEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, 3)

	c.Put("a", 1, 0)
	c.Put("b", 2, 0)
	c.Put("c", 3, 0)

	// Reading "a" makes "b" the least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Put("d", 4, 0)

	_, ok = c.Get("b")
	assert.False(t, ok, "the least-recently-used entry should have been evicted")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "entry %q should have survived the eviction", key)
	}
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	c, fakeClock := newTestCache(t, 8)

	c.Put("a", 1, 50*time.Millisecond)
	fakeClock.Step(60 * time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Size, "the expired entry should have been purged on read")
}

func TestTouchExtendsTheFreshnessWindow(t *testing.T) {
	c, fakeClock := newTestCache(t, 8)

	c.Put("a", 1, 50*time.Millisecond)
	fakeClock.Step(10 * time.Millisecond)
	require.True(t, c.Touch("a"))

	// 55ms after the put but only 45ms after the touch: still fresh.
	fakeClock.Step(45 * time.Millisecond)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// A plain read does not restart the window.
	fakeClock.Step(10 * time.Millisecond)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestTouchMissesAbsentAndExpiredEntries(t *testing.T) {
	c, fakeClock := newTestCache(t, 8)

	assert.False(t, c.Touch("missing"))

	c.Put("a", 1, 50*time.Millisecond)
	fakeClock.Step(60 * time.Millisecond)
	assert.False(t, c.Touch("a"), "an expired entry cannot be revived")
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c, fakeClock := newTestCache(t, 8)

	c.Put("a", 1, 0)
	fakeClock.Step(24 * time.Hour)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestWarmComputesOnlyMissingKeys(t *testing.T) {
	c, _ := newTestCache(t, 16)
	c.Put("resident", 99, 0)

	var mu sync.Mutex
	computed := map[string]int{}
	err := c.Warm(context.Background(), []string{"resident", "x", "y"}, 0,
		func(_ context.Context, key string) (int, error) {
			mu.Lock()
			computed[key]++
			mu.Unlock()
			return len(key), nil
		}, 4)
	require.NoError(t, err)

	assert.NotContains(t, computed, "resident")
	assert.Equal(t, map[string]int{"x": 1, "y": 1}, computed)

	v, ok := c.Get("resident")
	require.True(t, ok)
	assert.Equal(t, 99, v, "warming must not clobber a fresh entry")
	v, _ = c.Get("x")
	assert.Equal(t, 1, v)
}

func TestWarmPropagatesComputeErrors(t *testing.T) {
	c, _ := newTestCache(t, 16)

	boom := errors.New("compute failed")
	err := c.Warm(context.Background(), []string{"x", "y"}, 0,
		func(_ context.Context, key string) (int, error) {
			if key == "y" {
				return 0, boom
			}
			return 1, nil
		}, 1)
	require.ErrorIs(t, err, boom)
}

func TestSweeperPurgesExpiredEntries(t *testing.T) {
	c, fakeClock := newTestCache(t, 16)

	c.Put("short", 1, 50*time.Millisecond)
	c.Put("forever", 2, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunSweeper(ctx, time.Second)
	}()

	// Wait for the sweeper to be parked on its ticker before advancing.
	require.Eventually(t, fakeClock.HasWaiters, time.Second, 5*time.Millisecond)
	fakeClock.Step(2 * time.Second)

	require.Eventually(t, func() bool {
		return c.Stats().Size == 1
	}, time.Second, 5*time.Millisecond)
	_, ok := c.Get("forever")
	assert.True(t, ok)

	cancel()
	<-done
}
