// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import (
	"fmt"

	"github.com/scmlab/revstore/hash"
)

// Key names a single file revision: the repo path of the file and the
// content address of the revision.
type Key struct {
	Path string
	ID   hash.Hash
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Path, k.ID)
}

// Delta is one link of a delta chain. A nil Base means Data is the
// full text; otherwise Data is a patch against the revision named by
// Base. Base links are plain identifier values resolved through the
// index at read time, never in-memory references, so a cycle can only
// be a data corruption, caught by the chain walk ceiling.
type Delta struct {
	Key  Key
	Base *Key
	Data []byte
}

// IsFullText determines whether this delta carries a complete text.
func (d Delta) IsFullText() bool {
	return d.Base == nil || d.Base.ID.IsEmpty()
}

// HistoryEntry captures per-file revision ancestry independent of
// content. Linknode names the changeset that introduced the revision.
type HistoryEntry struct {
	Key        Key
	P1, P2     hash.Hash
	Linknode   hash.Hash
	CopySource string
}
