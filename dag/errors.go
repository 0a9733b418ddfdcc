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

package dag

import "errors"

var (
	// ErrVertexNotFound reports a vertex absent from the local graph.
	// Recoverable: callers may resolve it remotely or treat it as no
	// prior state.
	ErrVertexNotFound = errors.New("vertex not found")

	// ErrParentsUnknown reports an insertion whose declared parents
	// are not present in the graph.
	ErrParentsUnknown = errors.New("parents not present in graph")

	// ErrResolutionLimit reports that a session exhausted its budget
	// of remote vertex resolutions. The cap is a circuit breaker for
	// pathological access patterns such as a full history scan
	// against a lazy clone.
	ErrResolutionLimit = errors.New("remote vertex resolution limit reached")

	// ErrNotLazy reports a bulk import attempted against a fully
	// materialized graph. Capability error: rejected before any
	// mutation.
	ErrNotLazy = errors.New("graph does not support lazy vertexes")

	// ErrNonEmptyGraph reports a clone import into a graph that
	// already has vertexes.
	ErrNonEmptyGraph = errors.New("graph is not empty")

	// ErrBackend wraps remote protocol failures. They surface as
	// backend errors, never as a vertex quietly not existing.
	ErrBackend = errors.New("remote protocol error")

	// ErrRemoteTimeout reports a remote protocol call that ran out of
	// time. Distinct from ErrBackend so callers can retry transients
	// without retrying denials.
	ErrRemoteTimeout = errors.New("remote protocol timeout")

	// ErrNameBound reports an attempt to rebind a resolved id to a
	// different vertex name. Once resolved, a mapping is permanent
	// for the life of the store.
	ErrNameBound = errors.New("id already bound to a different name")
)
