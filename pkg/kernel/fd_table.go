// Copyright 2024 The fdbridge Authors.
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

package kernel

import (
	"context"
	"fmt"
	"sync"

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/vfs"
)

const (
	// firstUserFD is the lowest descriptor handed out by Install; 0, 1
	// and 2 are reserved for the standard streams.
	firstUserFD = 3

	// DefaultMaxFDs bounds the descriptor table unless configured
	// otherwise.
	DefaultMaxFDs = 256
)

// FDTable maps small non-negative integers to open files. Each occupied slot
// holds one reference on its file; Get takes an additional reference that the
// caller must drop.
//
// Slot mutation happens only in task context: destroying a file can run
// backend cleanup, which may block.
type FDTable struct {
	mu    sync.Mutex
	slots []*vfs.File
	max   int
	used  int
}

// NewFDTable creates a table holding at most max descriptors.
func NewFDTable(max int) *FDTable {
	if max <= 0 {
		max = DefaultMaxFDs
	}
	return &FDTable{max: max}
}

// String implements fmt.Stringer.String.
func (f *FDTable) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("FDTable{used: %d, max: %d}", f.used, f.max)
}

// Count returns the number of occupied slots.
func (f *FDTable) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.used
}

// Get returns a pinned reference to the file at fd. The caller owns one
// reference on the result and must DecRef it. Never calls into the backend.
func (f *FDTable) Get(fd int) (*vfs.File, error) {
	if fd < 0 {
		return nil, posixerr.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd >= len(f.slots) || f.slots[fd] == nil {
		return nil, posixerr.EBADF
	}
	file := f.slots[fd]
	file.IncRef()
	return file, nil
}

// Install places file in the lowest free slot at or above firstUserFD and
// returns its number. It consumes one reference on file: on success the table
// owns it, on failure it is dropped.
func (f *FDTable) Install(ctx context.Context, file *vfs.File) (int, error) {
	f.mu.Lock()
	fd := -1
	for i := firstUserFD; i < len(f.slots); i++ {
		if f.slots[i] == nil {
			fd = i
			break
		}
	}
	if fd < 0 {
		if len(f.slots) >= f.max {
			f.mu.Unlock()
			file.DecRef(ctx)
			return -1, posixerr.EMFILE
		}
		if len(f.slots) < firstUserFD {
			f.slots = append(f.slots, make([]*vfs.File, firstUserFD-len(f.slots))...)
		}
		f.slots = append(f.slots, nil)
		fd = len(f.slots) - 1
	}
	f.slots[fd] = file
	f.used++
	f.mu.Unlock()
	return fd, nil
}

// InstallAt places file at exactly fd, releasing any prior occupant's
// table-held reference after the new file is installed. It consumes one
// reference on file. This is the dup2 path; fd may be a standard stream
// slot.
func (f *FDTable) InstallAt(ctx context.Context, fd int, file *vfs.File) error {
	if fd < 0 || fd >= f.max {
		file.DecRef(ctx)
		return posixerr.EBADF
	}
	f.mu.Lock()
	for len(f.slots) <= fd {
		f.slots = append(f.slots, nil)
	}
	old := f.slots[fd]
	f.slots[fd] = file
	if old == nil {
		f.used++
	}
	f.mu.Unlock()

	// The old occupant is released outside the table lock; its
	// destruction may call into the backend.
	if old != nil {
		old.DecRef(ctx)
	}
	return nil
}

// Remove clears fd and returns its file. The table's reference transfers to
// the caller, who must DecRef it.
func (f *FDTable) Remove(fd int) (*vfs.File, error) {
	if fd < 0 {
		return nil, posixerr.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if fd >= len(f.slots) || f.slots[fd] == nil {
		return nil, posixerr.EBADF
	}
	file := f.slots[fd]
	f.slots[fd] = nil
	f.used--
	return file, nil
}

// forEach calls fn for each occupied slot in ascending order. The table lock
// is held; fn must not mutate the table or DecRef.
func (f *FDTable) forEach(fn func(fd int, file *vfs.File)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for fd, file := range f.slots {
		if file != nil {
			fn(fd, file)
		}
	}
}

// Release drops every slot's reference. Called once at shutdown.
func (f *FDTable) Release(ctx context.Context) {
	f.mu.Lock()
	slots := f.slots
	f.slots = nil
	f.used = 0
	f.mu.Unlock()

	for _, file := range slots {
		if file != nil {
			file.DecRef(ctx)
		}
	}
}
