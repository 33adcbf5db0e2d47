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

	"fdbridge.dev/fdbridge/pkg/errors/posixerr"
	"fdbridge.dev/fdbridge/pkg/sched"
	"fdbridge.dev/fdbridge/pkg/vfs"
	"fdbridge.dev/fdbridge/pkg/waiter"
)

// PollDesc is one descriptor of interest in a Poll call. Events is what the
// caller waits for; Revents receives the satisfied subset, plus error and
// hang-up conditions, which are always reported.
type PollDesc struct {
	FD      int
	Events  waiter.EventMask
	Revents waiter.EventMask
}

// Poll waits until at least one descriptor in descs has a satisfied
// condition, the relative timeout elapses, or the task is interrupted. It
// returns the number of descriptors with nonzero Revents.
//
// A zero timeout never suspends: the readiness of all descriptors is
// sampled once. If any descriptor is already ready, Poll returns without
// registering anywhere. Otherwise the task registers on every descriptor,
// suspends, and on wakeup deregisters from every descriptor and rechecks
// the full set; wakeups are treated as hints, never as results.
func (k *Kernel) Poll(ctx context.Context, descs []PollDesc, timeout sched.Ticks) (int, error) {
	files := make([]*vfs.File, len(descs))
	for i := range descs {
		file, err := k.fds.Get(descs[i].FD)
		if err != nil {
			for _, f := range files[:i] {
				f.DecRef(ctx)
			}
			return 0, err
		}
		files[i] = file
	}
	defer func() {
		for _, f := range files {
			f.DecRef(ctx)
		}
	}()

	// The timeout becomes absolute exactly once, so the recheck loop
	// below cannot stretch the total wait.
	deadline := k.deadlineFor(timeout)

	if n := pollScan(descs, files); n > 0 {
		return n, nil
	}
	t := TaskFromContext(ctx)
	if timeout == 0 || t == nil {
		return 0, nil
	}

	entries := make([]waiter.Entry, len(descs))
	for {
		t.PrepareWait()
		for i, file := range files {
			entries[i] = t.WakeEntry()
			file.EventRegister(&entries[i], pollMask(descs[i].Events))
		}
		// A condition may have latched between the scan above and the
		// registration; without this recheck the wakeup would be lost.
		if n := pollScan(descs, files); n > 0 {
			pollUnregister(files, entries)
			return n, nil
		}

		var err error
		if deadline == sched.InfiniteTimeout {
			err = t.Block()
		} else {
			err = t.BlockWithDeadline(k.clock, deadline)
		}
		pollUnregister(files, entries)

		switch err {
		case nil:
			if n := pollScan(descs, files); n > 0 {
				return n, nil
			}
			// Spurious wakeup; wait again.
		case posixerr.ErrTimeout:
			return pollScan(descs, files), nil
		case posixerr.ErrInterrupted:
			return 0, posixerr.EINTR
		default:
			return 0, err
		}
	}
}

// pollMask widens a caller interest mask with the conditions poll always
// reports.
func pollMask(events waiter.EventMask) waiter.EventMask {
	return events | waiter.EventErr | waiter.EventHUp
}

// pollScan recomputes every descriptor's Revents and returns how many are
// nonzero.
func pollScan(descs []PollDesc, files []*vfs.File) int {
	n := 0
	for i, file := range files {
		descs[i].Revents = file.Readiness(pollMask(descs[i].Events))
		if descs[i].Revents != 0 {
			n++
		}
	}
	return n
}

func pollUnregister(files []*vfs.File, entries []waiter.Entry) {
	for i, file := range files {
		file.EventUnregister(&entries[i])
	}
}
