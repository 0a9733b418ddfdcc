// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import "errors"

var (
	// ErrNotFound reports a key absent from a pack or store. It is
	// recoverable; callers typically fall back to another store.
	ErrNotFound = errors.New("key not found")

	// ErrCorrupt reports structural damage in a pack file: an offset
	// landing mid-record, a length field overrunning the mapped
	// region, or a checksum mismatch.
	ErrCorrupt = errors.New("corrupt pack entry")

	// ErrChainTooLong reports a delta chain exceeding the hop ceiling.
	// A chain this long means a cycle or other corruption in delta
	// base pointers.
	ErrChainTooLong = errors.New("delta chain too long")

	// ErrMissingBase reports a delta whose base id is absent from the
	// index during full text reconstruction.
	ErrMissingBase = errors.New("delta base missing")

	// ErrReadOnly reports a write through a store that does not accept
	// writes.
	ErrReadOnly = errors.New("store is read only")
)
