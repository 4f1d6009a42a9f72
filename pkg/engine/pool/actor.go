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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/hiveflow/hiveflow/pkg/engine/registry"
)

// Behavior processes activation signals for one actor. The implementation
// owns the actor's state exclusively: Receive is never invoked concurrently
// for the same actor, so no internal locking is required.
type Behavior interface {
	Receive(ctx context.Context, signal any) (any, error)
}

// BehaviorFunc adapts a plain function to a Behavior.
type BehaviorFunc func(ctx context.Context, signal any) (any, error)

func (f BehaviorFunc) Receive(ctx context.Context, signal any) (any, error) {
	return f(ctx, signal)
}

// Factory creates the Behavior for a given actor id. It is called once per
// actor incarnation; a restart calls it again to reset state to the factory
// default.
type Factory func(id registry.ID) Behavior

// request is one unit of work delivered to an actor's mailbox.
type request struct {
	ctx    context.Context
	signal any
	// reply has capacity 1 so the actor never blocks on a caller that has
	// already given up.
	reply chan response
}

type response struct {
	result any
	err    error
}

// actorHandle is the live reference to one running actor. It implements
// registry.Handle.
//
// The handle's goroutine is the only place the Behavior's state is touched.
// Everyone else interacts through the mailbox.
type actorHandle struct {
	id        registry.ID
	partition int
	clock     clock.PassiveClock

	mailbox chan request
	stopCh  chan struct{}
	done    chan struct{}

	stopOnce sync.Once
	// exitErr is written exactly once, before done is closed.
	exitErr error

	// lastActivation is the unix-nano timestamp of the most recent signal
	// this incarnation processed.
	lastActivation atomic.Int64
}

func newActorHandle(id registry.ID, partition, mailboxSize int, c clock.PassiveClock) *actorHandle {
	return &actorHandle{
		id:        id,
		partition: partition,
		clock:     c,
		mailbox:   make(chan request, mailboxSize),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (h *actorHandle) Done() <-chan struct{} { return h.done }

func (h *actorHandle) ExitErr() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

// LastActivation returns when this incarnation last processed a signal, or
// the zero time if it never has.
func (h *actorHandle) LastActivation() time.Time {
	n := h.lastActivation.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// stop requests a clean shutdown of the run loop. Idempotent.
func (h *actorHandle) stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// abort releases a handle whose run loop was never started. Only safe before
// run; afterwards stop must be used.
func (h *actorHandle) abort() {
	close(h.done)
}

// run is the actor's processing loop. It must be the only goroutine that
// calls b.Receive, which is what keeps per-actor state single-threaded.
// A panic in the Behavior terminates this incarnation abnormally; the
// partition supervisor decides whether to restart it.
func (h *actorHandle) run(b Behavior) {
	defer func() {
		if r := recover(); r != nil {
			h.exitErr = fmt.Errorf("actor %d crashed: %v", h.id, r)
		}
		close(h.done)
	}()

	for {
		select {
		case <-h.stopCh:
			return
		case req := <-h.mailbox:
			h.lastActivation.Store(h.clock.Now().UnixNano())
			result, err := b.Receive(req.ctx, req.signal)
			req.reply <- response{result: result, err: err}
		}
	}
}
