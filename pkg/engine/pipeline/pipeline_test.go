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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveflow/hiveflow/pkg/engine/cache"
	"github.com/hiveflow/hiveflow/pkg/engine/registry"
	errutil "github.com/hiveflow/hiveflow/pkg/engine/util/error"
	logutil "github.com/hiveflow/hiveflow/pkg/engine/util/logging"
)

// mockActivator scores every payload without a real actor pool. An optional
// gate suspends calls until the test releases it.
type mockActivator struct {
	mu    sync.Mutex
	calls map[string]int
	gate  chan struct{}
	score func(id registry.ID, payload []byte) (any, error)
}

func newMockActivator() *mockActivator {
	return &mockActivator{calls: map[string]int{}}
}

func (m *mockActivator) Activate(ctx context.Context, id registry.ID, signal any) (any, error) {
	payload := signal.([]byte)
	m.mu.Lock()
	m.calls[string(payload)]++
	m.mu.Unlock()
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.score != nil {
		return m.score(id, payload)
	}
	return 0.9, nil
}

func (m *mockActivator) callCount(payload string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[payload]
}

// laneRecorder is a sink that remembers every batch it received.
type laneRecorder struct {
	mu      sync.Mutex
	batches []Batch
}

func (r *laneRecorder) sink() Sink {
	return func(_ context.Context, batch Batch) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.batches = append(r.batches, batch)
		return nil
	}
}

func (r *laneRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b.Events)
	}
	return n
}

func (r *laneRecorder) batchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, 0, len(r.batches))
	for _, b := range r.batches {
		sizes = append(sizes, len(b.Events))
	}
	return sizes
}

func (r *laneRecorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.batches {
		for _, ev := range b.Events {
			out = append(out, string(ev.Payload))
		}
	}
	return out
}

func (r *laneRecorder) firstScore() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches[0].Events[0].Score
}

func newScoreCache(t *testing.T) *cache.BoundedCache[uint64, float64] {
	t.Helper()
	c, err := cache.New[uint64, float64](1024, logutil.NewTestLogger())
	require.NoError(t, err)
	return c
}

// startPipeline runs a pipeline with recorder sinks on both lanes and stops
// it at test cleanup.
func startPipeline(t *testing.T, cfg Config, act Activator) (*Pipeline, *laneRecorder, *laneRecorder) {
	t.Helper()
	p, err := New(cfg, act, newScoreCache(t), logutil.NewTestLogger())
	require.NoError(t, err)

	high, low := &laneRecorder{}, &laneRecorder{}
	require.NoError(t, p.Subscribe(LaneHigh, high.sink()))
	require.NoError(t, p.Subscribe(LaneLow, low.sink()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	require.Eventually(t, p.accepting.Load, time.Second, time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("pipeline did not stop")
		}
	})
	return p, high, low
}

func submitPayload(t *testing.T, p *Pipeline, payload string) {
	t.Helper()
	require.NoError(t, p.Submit(&Event{Payload: []byte(payload), Category: "test"}))
}

func TestSubmitRejectsBeforeRun(t *testing.T) {
	p, err := New(Config{ActorCount: 4}, newMockActivator(), newScoreCache(t), logutil.NewTestLogger())
	require.NoError(t, err)

	err = p.Submit(&Event{Payload: []byte("early")})
	assert.Equal(t, errutil.Backpressure, errutil.CanonicalCode(err))
	assert.Error(t, p.Submit(nil))
}

func TestSubmitAssignsIDAndTimestamp(t *testing.T) {
	act := newMockActivator()
	p, high, _ := startPipeline(t, Config{ActorCount: 4, FanOut: 1, Concurrency: 1, MaxBatchSize: 1}, act)

	ev := &Event{Payload: []byte("one")}
	require.NoError(t, p.Submit(ev))
	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.False(t, ev.EnqueuedAt.IsZero())

	require.Eventually(t, func() bool { return high.total() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestBackpressureIsBoundedAndResumesFIFO(t *testing.T) {
	act := newMockActivator()
	act.gate = make(chan struct{})
	p, high, _ := startPipeline(t, Config{
		ActorCount:   4,
		FanOut:       1,
		Concurrency:  1,
		BufferCap:    4,
		MaxBatchSize: 1,
	}, act)

	// The single worker takes the first event and parks on the gate.
	submitPayload(t, p, "e1")
	require.Eventually(t, func() bool { return act.callCount("e1") == 1 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return p.Buffered() == 0 }, 2*time.Second, time.Millisecond)

	// The next four fill the producer's buffer to its cap.
	for i := 2; i <= 5; i++ {
		submitPayload(t, p, fmt.Sprintf("e%d", i))
	}
	assert.Equal(t, 4, p.Buffered())

	// Saturated: the offer is rejected, not queued and not blocking.
	err := p.Submit(&Event{Payload: []byte("overflow")})
	assert.Equal(t, errutil.Backpressure, errutil.CanonicalCode(err))

	// Demand resumes and the backlog drains in submission order.
	close(act.gate)
	require.Eventually(t, func() bool { return high.total() == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5"}, high.payloads())

	// The pipeline accepts again once capacity frees up.
	require.Eventually(t, func() bool {
		return p.Submit(&Event{Payload: []byte("after")}) == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDuplicatePayloadHitsTheScoreCache(t *testing.T) {
	act := newMockActivator()
	p, high, _ := startPipeline(t, Config{ActorCount: 4, FanOut: 1, Concurrency: 1, MaxBatchSize: 1}, act)

	submitPayload(t, p, "same")
	require.Eventually(t, func() bool { return high.total() == 1 }, 2*time.Second, 5*time.Millisecond)

	submitPayload(t, p, "same")
	require.Eventually(t, func() bool { return high.total() == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, act.callCount("same"), "the second identical payload must be served from the cache")
}

func TestScoreThresholdRoutesLanes(t *testing.T) {
	act := newMockActivator()
	act.score = func(_ registry.ID, payload []byte) (any, error) {
		if string(payload) == "hot" {
			return 0.8, nil
		}
		return 0.2, nil
	}
	p, high, low := startPipeline(t, Config{
		ActorCount: 4, FanOut: 1, Concurrency: 1, MaxBatchSize: 1, ScoreThreshold: 0.5,
	}, act)

	submitPayload(t, p, "hot")
	submitPayload(t, p, "cold")

	require.Eventually(t, func() bool {
		return high.total() == 1 && low.total() == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hot"}, high.payloads())
	assert.Equal(t, []string{"cold"}, low.payloads())
	assert.Equal(t, 0.8, high.firstScore())
}

func TestClassificationFailureFallsBackToDefaultScore(t *testing.T) {
	act := newMockActivator()
	act.score = func(registry.ID, []byte) (any, error) {
		return nil, errors.New("actor unavailable")
	}
	p, _, low := startPipeline(t, Config{
		ActorCount: 4, FanOut: 2, Concurrency: 1, MaxBatchSize: 1,
		DefaultScore: 0.25, ScoreThreshold: 0.5,
	}, act)

	submitPayload(t, p, "doomed")

	// The event survives its failed classification and lands in the low lane.
	require.Eventually(t, func() bool { return low.total() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.25, low.firstScore())
}

func TestBatchesFlushBySize(t *testing.T) {
	const total = 1000
	act := newMockActivator()
	p, high, _ := startPipeline(t, Config{
		ActorCount:      8,
		FanOut:          1,
		Concurrency:     1,
		BufferCap:       total,
		MaxBatchSize:    100,
		MaxBatchLatency: time.Minute,
	}, act)

	for i := 0; i < total; i++ {
		submitPayload(t, p, fmt.Sprintf("ev-%04d", i))
	}

	require.Eventually(t, func() bool { return high.total() == total }, 10*time.Second, 10*time.Millisecond)

	sizes := high.batchSizes()
	require.Len(t, sizes, 10, "1000 events at size 100 must seal exactly 10 batches")
	for i, size := range sizes {
		assert.Equal(t, 100, size, "batch %d", i)
	}

	// Every event is delivered exactly once.
	seen := map[uuid.UUID]bool{}
	high.mu.Lock()
	for _, b := range high.batches {
		for _, ev := range b.Events {
			assert.False(t, seen[ev.ID], "event %s delivered twice", ev.ID)
			seen[ev.ID] = true
		}
	}
	high.mu.Unlock()
	assert.Len(t, seen, total)
}

func TestPartialBatchFlushesOnLatency(t *testing.T) {
	act := newMockActivator()
	p, high, _ := startPipeline(t, Config{
		ActorCount:      4,
		FanOut:          1,
		Concurrency:     1,
		MaxBatchSize:    100,
		MaxBatchLatency: 100 * time.Millisecond,
	}, act)

	for i := 0; i < 5; i++ {
		submitPayload(t, p, fmt.Sprintf("slow-%d", i))
	}

	// Far below the size bound, so only the latency timer can seal these.
	require.Eventually(t, func() bool { return high.total() == 5 }, 2*time.Second, 5*time.Millisecond)
	for _, size := range high.batchSizes() {
		assert.Less(t, size, 100)
	}
}

func TestPendingEventsFlushOnShutdown(t *testing.T) {
	act := newMockActivator()
	p, err := New(Config{
		ActorCount: 4, FanOut: 1, Concurrency: 1,
		MaxBatchSize: 100, MaxBatchLatency: time.Minute,
	}, act, newScoreCache(t), logutil.NewTestLogger())
	require.NoError(t, err)
	high := &laneRecorder{}
	require.NoError(t, p.Subscribe(LaneHigh, high.sink()))
	require.NoError(t, p.Subscribe(LaneLow, (&laneRecorder{}).sink()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	require.Eventually(t, p.accepting.Load, time.Second, time.Millisecond)

	submitPayload(t, p, "pending-1")
	submitPayload(t, p, "pending-2")
	require.Eventually(t, func() bool {
		return p.Buffered() == 0 && p.inflight.Load() == 0
	}, 2*time.Second, time.Millisecond)

	// Neither bound was hit; shutdown must not drop the sealed-but-unflushed
	// remainder.
	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	assert.Equal(t, 2, high.total())
}

func TestShutdownUnderLoadDeliversEveryAcceptedEvent(t *testing.T) {
	act := newMockActivator()
	act.score = func(registry.ID, []byte) (any, error) {
		time.Sleep(time.Millisecond)
		return 0.9, nil
	}
	p, err := New(Config{
		ActorCount:      8,
		FanOut:          1,
		Concurrency:     4,
		BufferCap:       256,
		MaxBatchSize:    10,
		MaxBatchLatency: 20 * time.Millisecond,
		GracePeriod:     10 * time.Second,
	}, act, newScoreCache(t), logutil.NewTestLogger())
	require.NoError(t, err)
	high := &laneRecorder{}
	require.NoError(t, p.Subscribe(LaneHigh, high.sink()))
	require.NoError(t, p.Subscribe(LaneLow, (&laneRecorder{}).sink()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	require.Eventually(t, p.accepting.Load, time.Second, time.Millisecond)

	// Cancel while the stages are mid-stream: accepted events may sit in the
	// buffer, in the dispatcher's hands, or inside a processor call.
	accepted := 0
	for i := 0; i < 200; i++ {
		if p.Submit(&Event{Payload: fmt.Appendf(nil, "load-%04d", i)}) == nil {
			accepted++
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	assert.Equal(t, accepted, high.total(), "a clean drain must deliver every accepted event")
	for i, size := range high.batchSizes() {
		assert.LessOrEqual(t, size, 10, "batch %d exceeds the size bound", i)
	}
}

func TestSinkRetryExhaustionSurfacesLoss(t *testing.T) {
	act := newMockActivator()
	var attempts atomic.Int64
	p, err := New(Config{
		ActorCount: 4, FanOut: 1, Concurrency: 1, MaxBatchSize: 1,
		SinkRetries: 2, SinkBackoff: time.Millisecond,
	}, act, newScoreCache(t), logutil.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, p.Subscribe(LaneHigh, func(context.Context, Batch) error {
		attempts.Add(1)
		return errors.New("downstream unavailable")
	}))
	require.NoError(t, p.Subscribe(LaneLow, (&laneRecorder{}).sink()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	require.Eventually(t, p.accepting.Load, time.Second, time.Millisecond)
	defer func() {
		cancel()
		<-done
	}()

	submitPayload(t, p, "lost-1")

	var loss Loss
	select {
	case loss = <-p.Losses():
	case <-time.After(5 * time.Second):
		t.Fatal("no loss surfaced")
	}
	assert.Equal(t, LaneHigh, loss.Lane)
	assert.Equal(t, errutil.SinkFailure, errutil.CanonicalCode(loss.Err))
	require.Len(t, loss.Batch.Events, 1)
	assert.Equal(t, "lost-1", string(loss.Batch.Events[0].Payload))
	assert.Equal(t, int64(3), attempts.Load(), "one initial attempt plus two retries")

	// The lane keeps serving subsequent batches.
	submitPayload(t, p, "lost-2")
	select {
	case loss = <-p.Losses():
		assert.Equal(t, "lost-2", string(loss.Batch.Events[0].Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("second loss never surfaced")
	}
}

func TestTransientSinkFailureIsRetried(t *testing.T) {
	act := newMockActivator()
	rec := &laneRecorder{}
	var calls atomic.Int64
	flaky := func(ctx context.Context, batch Batch) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return rec.sink()(ctx, batch)
	}

	p, err := New(Config{
		ActorCount: 4, FanOut: 1, Concurrency: 1, MaxBatchSize: 1,
		SinkRetries: 3, SinkBackoff: time.Millisecond,
	}, act, newScoreCache(t), logutil.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, p.Subscribe(LaneHigh, flaky))
	require.NoError(t, p.Subscribe(LaneLow, (&laneRecorder{}).sink()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	require.Eventually(t, p.accepting.Load, time.Second, time.Millisecond)
	defer func() {
		cancel()
		<-done
	}()

	submitPayload(t, p, "eventually-delivered")
	require.Eventually(t, func() bool { return rec.total() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"eventually-delivered"}, rec.payloads())
}

func TestSubscribeValidation(t *testing.T) {
	p, err := New(Config{ActorCount: 4}, newMockActivator(), newScoreCache(t), logutil.NewTestLogger())
	require.NoError(t, err)

	assert.Error(t, p.Subscribe("sideways", (&laneRecorder{}).sink()))
	assert.Error(t, p.Subscribe(LaneHigh, nil))
	require.NoError(t, p.Subscribe(LaneHigh, (&laneRecorder{}).sink()))
	assert.Error(t, p.Subscribe(LaneHigh, (&laneRecorder{}).sink()), "one active sink per lane")
}

func TestRunRejectsASecondStart(t *testing.T) {
	act := newMockActivator()
	p, _, _ := startPipeline(t, Config{ActorCount: 4}, act)
	assert.Error(t, p.Run(context.Background()))
}

func TestMeanOfFloats(t *testing.T) {
	tests := []struct {
		name      string
		responses []any
		want      float64
	}{
		{name: "empty", responses: nil, want: 0},
		{name: "single", responses: []any{0.4}, want: 0.4},
		{name: "average", responses: []any{0.2, 0.4, 0.6}, want: 0.4},
		{name: "non-floats ignored", responses: []any{0.5, "n/a", 42}, want: 0.5},
		{name: "only non-floats", responses: []any{"n/a"}, want: 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.InDelta(t, test.want, meanOfFloats(test.responses), 1e-9)
		})
	}
}
