// Package feed defines the change feed capability consumed by batch and
// composite publications, plus the bundled polling feed and decorators.
package feed

import (
	"sync"

	"github.com/teranos/batchpub/document"
)

// EventKind tags an Event.
type EventKind uint8

const (
	Added EventKind = iota + 1
	Changed
	Removed
	// BulkEnded marks the end of a catch-up burst or poll cycle.
	BulkEnded
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	case BulkEnded:
		return "bulkEnded"
	default:
		return "unknown"
	}
}

// Event is one notification from a feed. Added carries the full field set,
// Changed only the fields that changed plus the names of cleared fields,
// Removed only the id, BulkEnded nothing.
type Event struct {
	Kind    EventKind
	ID      document.ID
	Fields  document.Fields
	Cleared []string
}

// Handler consumes events. Feeds invoke it on the engine loop.
type Handler func(Event)

// Handle stops an observation. Stop is idempotent.
type Handle interface {
	Stop()
}

// Mode is how a feed learns about changes.
type Mode uint8

const (
	// Incremental feeds follow a change log: one catch-up burst, then
	// individual events.
	Incremental Mode = iota + 1
	// Polling feeds report in cycles, each ended by BulkEnded, typically by
	// re-running the query and diffing.
	Polling
)

func (m Mode) String() string {
	switch m {
	case Incremental:
		return "incremental"
	case Polling:
		return "polling"
	default:
		return "unknown"
	}
}

// ChangeFeed observes one query against one collection.
//
// A feed supports one observation at a time. Snapshot is the state the feed
// has delivered so far and must be treated as read-only. Snapshot, Observe
// and Handle.Stop are called from the engine loop.
type ChangeFeed interface {
	Observe(h Handler) (Handle, error)
	Snapshot() document.Set
	Mode() Mode
	Collection() string
}

// StopFunc adapts a function to Handle; the function runs at most once.
func StopFunc(fn func()) Handle {
	return &stopOnce{fn: fn}
}

type stopOnce struct {
	once sync.Once
	fn   func()
}

func (s *stopOnce) Stop() { s.once.Do(s.fn) }
