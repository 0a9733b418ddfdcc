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

import "errors"

var (
	// ErrNotFound reports a commit id absent from the local store.
	ErrNotFound = errors.New("commit text not found")

	// ErrHashMismatch reports remote-fetched text whose digest does
	// not match the requested id. This is a data integrity fault and
	// is always fatal to the fetch; mismatched text is never cached
	// or returned.
	ErrHashMismatch = errors.New("commit text hash mismatch")

	// ErrConnectionTimeout reports a remote call that did not complete
	// within the caller's deadline, distinct from the server refusing
	// the request.
	ErrConnectionTimeout = errors.New("remote connection timeout")

	// ErrStoreClosed reports use of a local store after Close.
	ErrStoreClosed = errors.New("local store is closed")
)
