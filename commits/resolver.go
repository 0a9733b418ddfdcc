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
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/scmlab/revstore/hash"
)

const defaultMaxBatchSize = 10000

// ResolverConfig carries the knobs callers may override. Values come
// from the caller's config layer; nothing here reads the environment.
type ResolverConfig struct {
	// MaxBatchSize bounds the number of ids per remote call.
	MaxBatchSize int

	// MaxRetries is the number of automatic retries per remote batch.
	// Zero means a single attempt; retry policy beyond that belongs to
	// the caller.
	MaxRetries uint64
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	return c
}

// Resolver resolves batches of changeset ids to raw commit text:
// local store first, then the remote service, verifying digests and
// writing remote results back into the local store.
type Resolver struct {
	local  *LocalStore
	remote Client
	cfg    ResolverConfig
}

// NewResolver creates a resolver over |local| and |remote|. A nil
// remote makes the resolver local-only.
func NewResolver(local *LocalStore, remote Client, cfg ResolverConfig) *Resolver {
	return &Resolver{local: local, remote: remote, cfg: cfg.withDefaults()}
}

// ResolveLocal returns the locally materialized text for |id|, or
// (nil, false) when a remote fetch would be needed. Sentinel ids
// always resolve.
func (r *Resolver) ResolveLocal(id hash.Hash) ([]byte, bool) {
	text, err := r.local.Get(id)
	if err != nil {
		return nil, false
	}
	return text, true
}

// GetCommitTexts resolves |ids|, streaming results as they become
// available. Results arrive in no particular order; callers must key
// off TextResult.ID, not position. The channel closes when every id
// has either been delivered or the batch has failed; a failure is
// delivered as a TextResult with Err set and ends the stream.
func (r *Resolver) GetCommitTexts(ctx context.Context, ids []hash.Hash) <-chan TextResult {
	out := make(chan TextResult, len(ids))
	reqID := uuid.New().String()

	go func() {
		defer close(out)

		var needRemote []hash.Hash
		for _, id := range ids {
			if text, ok := r.ResolveLocal(id); ok {
				out <- TextResult{ID: id, Text: text}
				continue
			}
			needRemote = append(needRemote, id)
		}

		if len(needRemote) == 0 {
			return
		}
		if r.remote == nil {
			out <- TextResult{Err: fmt.Errorf("%d ids not materialized and no remote configured: %w", len(needRemote), ErrNotFound)}
			return
		}

		batchItr(len(needRemote), r.cfg.MaxBatchSize, func(st, end int) (stop bool) {
			if err := r.fetchBatch(ctx, reqID, needRemote[st:end], out); err != nil {
				out <- TextResult{Err: err}
				return true
			}
			return false
		})
	}()

	return out
}

// ResolveText resolves a single id, waiting for the result.
func (r *Resolver) ResolveText(ctx context.Context, id hash.Hash) ([]byte, error) {
	for res := range r.GetCommitTexts(ctx, []hash.Hash{id}) {
		if res.Err != nil {
			return nil, res.Err
		}
		if res.ID == id {
			return res.Text, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
}

func (r *Resolver) fetchBatch(ctx context.Context, reqID string, ids []hash.Hash, out chan<- TextResult) error {
	// Delivery is exactly-once per id even across retries: a failed
	// attempt only re-requests what has not been streamed yet.
	delivered := make(map[hash.Hash]struct{}, len(ids))
	fetch := func() error {
		return r.fetchOnce(ctx, reqID, ids, delivered, out)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.cfg.MaxRetries), ctx)

	err := backoff.Retry(fetch, bo)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("fetching %d commit texts: %w", len(ids), ErrConnectionTimeout)
		}
		return err
	}
	return nil
}

func (r *Resolver) fetchOnce(ctx context.Context, reqID string, ids []hash.Hash, delivered map[hash.Hash]struct{}, out chan<- TextResult) error {
	remaining := ids[:0:0]
	for _, id := range ids {
		if _, ok := delivered[id]; !ok {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		return nil
	}

	results, err := r.remote.CommitTexts(ctx, remaining)
	if err != nil {
		return err
	}

	for res := range results {
		if res.Err != nil {
			return res.Err
		}
		if _, ok := delivered[res.ID]; ok {
			continue // server echoed an id twice
		}

		// Integrity errors are permanent; retrying won't make the
		// server's bytes hash correctly.
		if hash.Of(res.Text) != res.ID {
			return backoff.Permanent(fmt.Errorf("server returned %s for requested %s: %w",
				hash.Of(res.Text), res.ID, ErrHashMismatch))
		}

		// Write-back is best effort; a full disk must not fail the
		// resolution that already has the bytes in hand.
		if perr := r.local.Put(res.ID, res.Text); perr != nil {
			logrus.WithFields(logrus.Fields{
				"request": reqID,
				"id":      res.ID.String(),
				"error":   perr,
			}).Warn("failed to cache remote commit text")
		}

		select {
		case out <- res:
			delivered[res.ID] = struct{}{}
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		}
	}

	return nil
}
