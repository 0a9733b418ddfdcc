// Copyright 2016 Attic Labs, Inc. All rights reserved.
// Licensed under the Apache License, version 2.0:
// http://www.apache.org/licenses/LICENSE-2.0

package packs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/edsrzf/mmap-go"
)

// PackPaths names the file pair of a published pack.
type PackPaths struct {
	Data  string
	Index string
}

// mappedFile is a read-only, process-shared view of an immutable file.
// Packs never mutate after publish, so concurrent readers need no
// coordination.
type mappedFile struct {
	f    *os.File
	data mmap.MMap
}

func openMapped(path string) (*mappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}

	return &mappedFile{f: f, data: data}, nil
}

func (mf *mappedFile) close() error {
	err := mf.data.Unmap()
	if cerr := mf.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// errAccum collects per-file failures during multi-file cleanup.
type errAccum map[string]error

func (ea errAccum) add(path string, err error) {
	ea[path] = err
}

func (ea errAccum) isEmpty() bool {
	return len(ea) == 0
}

func (ea errAccum) Error() string {
	msg := "failed to delete:"
	paths := make([]string, 0, len(ea))
	for p := range ea {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		msg += fmt.Sprintf(" %s (%v)", p, ea[p])
	}
	return msg
}

// removePackFiles deletes a pack's file pair. Removal must tolerate
// one of the pair being gone already (a crashed previous delete); the
// other file is still removed.
func removePackFiles(paths PackPaths) error {
	ea := make(errAccum)
	for _, p := range []string{paths.Data, paths.Index} {
		err := os.Remove(p)
		if err != nil && !os.IsNotExist(err) {
			ea.add(p, err)
		}
	}
	if !ea.isEmpty() {
		return ea
	}
	return nil
}

func dataPackPaths(dir, name string) PackPaths {
	return PackPaths{
		Data:  filepath.Join(dir, name+dataPackExt),
		Index: filepath.Join(dir, name+dataIndexExt),
	}
}

func historyPackPaths(dir, name string) PackPaths {
	return PackPaths{
		Data:  filepath.Join(dir, name+historyPackExt),
		Index: filepath.Join(dir, name+historyIdxExt),
	}
}
