// Copyright 2019 Dolthub, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commits

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/scmlab/revstore/hash"
)

const (
	defaultIdleSleep         = time.Second
	defaultKeepAliveInterval = 10 * time.Second
)

// Pump is a background worker that drains queued prefetch batches
// through the resolver, warming the local store. Cancellation is
// checked, not preemptive: the batch in flight runs to completion,
// but no new batch is picked up once the stop flag is observed.
type Pump struct {
	resolver  *Resolver
	queue     chan []hash.Hash
	stop      atomic.Bool
	idleSleep time.Duration
}

// NewPump creates a pump over |r| with a queue of |depth| batches.
func NewPump(r *Resolver, depth int) *Pump {
	return &Pump{
		resolver:  r,
		queue:     make(chan []hash.Hash, depth),
		idleSleep: defaultIdleSleep,
	}
}

// Enqueue queues |ids| for background resolution. Returns false when
// the queue is full or the pump is stopping; prefetch is advisory, so
// callers drop the batch rather than block.
func (p *Pump) Enqueue(ids []hash.Hash) bool {
	if p.stop.Load() {
		return false
	}
	select {
	case p.queue <- ids:
		return true
	default:
		return false
	}
}

// Stop requests a cooperative shutdown.
func (p *Pump) Stop() {
	p.stop.Store(true)
}

// Run processes the queue until Stop is called or |ctx| is done.
// Empty polls back off for a fixed interval before checking again.
func (p *Pump) Run(ctx context.Context) error {
	for {
		if p.stop.Load() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-p.queue:
			p.process(ctx, batch)
		default:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.idleSleep):
			}
		}
	}
}

func (p *Pump) process(ctx context.Context, batch []hash.Hash) {
	for res := range p.resolver.GetCommitTexts(ctx, batch) {
		if res.Err != nil {
			// Prefetch failures are advisory; the foreground caller
			// that actually needs the text will surface the error.
			logrus.WithError(res.Err).Debug("prefetch batch failed")
			return
		}
	}
}

// KeepAlive invokes |beat| every |interval| until it reports the work
// complete, the work is discovered to be finished by another actor, or
// |ctx| ends. |beat| returns done=true to stand down; losing the race
// to another actor is a normal exit, not an error.
func KeepAlive(ctx context.Context, interval time.Duration, beat func(ctx context.Context) (done bool, err error)) error {
	if interval <= 0 {
		interval = defaultKeepAliveInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := beat(ctx)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}
