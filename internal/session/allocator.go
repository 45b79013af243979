package session

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// Allocator hands out sequential session ids. Numbering is seeded from the
// video artifacts already on disk so a restarted process never reuses a
// number; gaps left by deleted files are tolerated, never backfilled.
type Allocator struct {
	mu   sync.Mutex
	next uint64
}

// NewAllocator creates an allocator starting at session 1
func NewAllocator() *Allocator {
	return &Allocator{next: 1}
}

// Bootstrap seeds the allocator from a directory listing. Only filenames
// matching <prefix>-<n><ext> count; anything unparsable is skipped silently.
// The next id becomes max(observed)+1, or stays at 1 if nothing matches.
//
// Bootstrap requires only filenames, never file contents.
func (a *Allocator) Bootstrap(names []string, prefix, ext string) {
	var max uint64
	matched := 0

	for _, name := range names {
		rest, ok := strings.CutPrefix(name, prefix+"-")
		if !ok {
			continue
		}
		numStr, ok := strings.CutSuffix(rest, ext)
		if !ok {
			continue
		}
		num, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil || num == 0 {
			// Unparsable suffix, not an error
			continue
		}
		matched++
		if num > max {
			max = num
		}
	}

	a.mu.Lock()
	if max+1 > a.next {
		a.next = max + 1
	}
	next := a.next
	a.mu.Unlock()

	if matched > 0 {
		slog.Info("session: found existing recordings",
			"count", matched,
			"next_session", next,
		)
	}
}

// Next returns the current session number and increments the counter.
// Called at most once per Idle→Recording transition.
func (a *Allocator) Next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.next
	a.next++
	return id
}

// Peek returns the id the next session will receive, without consuming it.
func (a *Allocator) Peek() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
