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

package changesets

import "errors"

var (
	// ErrMissingParents reports an insertion whose declared parents are
	// not in the store. Parents must land before children.
	ErrMissingParents = errors.New("changeset parents not present in store")

	// ErrDuplicateKey reports a unique key collision from the backend.
	// The store resolves it by re-reading; callers normally never see
	// it.
	ErrDuplicateKey = errors.New("changeset already inserted")

	// ErrDuplicateInsertionInconsistency reports a re-insert whose
	// payload disagrees with the stored row. The id is content-derived,
	// so two writers producing different rows for one id means data
	// corruption somewhere upstream.
	ErrDuplicateInsertionInconsistency = errors.New("duplicate insertion with conflicting data")
)
