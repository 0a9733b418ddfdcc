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

	"github.com/scmlab/revstore/hash"
)

// TextResult is one resolved commit text, or the error that ended the
// stream it arrived on.
type TextResult struct {
	ID   hash.Hash
	Text []byte
	Err  error
}

// Client is the remote commit service. Implementations multiplex
// responses: results arrive in whatever order the server produces
// them, not request order.
type Client interface {
	// CommitTexts requests raw commit text for |ids|. The returned
	// channel is closed when the batch is exhausted. Ids the server
	// does not know are simply never sent.
	CommitTexts(ctx context.Context, ids []hash.Hash) (<-chan TextResult, error)
}

// batchItr calls |cb| with [st, end) index ranges of at most
// |batchSize| elements until |elemCount| is covered or cb returns
// true.
func batchItr(elemCount, batchSize int, cb func(st, end int) (stop bool)) {
	for st, end := 0, batchSize; st < elemCount; st, end = end, end+batchSize {
		if end > elemCount {
			end = elemCount
		}
		if cb(st, end) {
			return
		}
	}
}
