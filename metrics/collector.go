// Package metrics records engine activity. The engine talks to the
// Collector interface; Nop discards everything and Prometheus exports it.
package metrics

// Publication kinds used as label values.
const (
	KindBatch     = "batch"
	KindComposite = "composite"
)

// Collector receives engine events. Implementations must be safe for
// concurrent use; the engine calls them from its loop, the server from
// connection goroutines.
type Collector interface {
	FeedMetrics
	PublicationMetrics
	SessionMetrics
}

// FeedMetrics covers change feed lifecycles.
type FeedMetrics interface {
	// FeedStarted counts a feed observation by collection and mode.
	FeedStarted(collection, mode string)
	// FeedStopped counts a stopped feed observation.
	FeedStopped(collection, mode string)
	// FeedDegraded counts a query that fell back to polling.
	FeedDegraded(collection, reason string)
}

// PublicationMetrics covers shared publications and their flushes.
type PublicationMetrics interface {
	PublicationOpened(kind string)
	PublicationClosed(kind string)
	ListenerAttached(kind string)
	ListenerDetached(kind string)
	// BatchFlushed records one broadcast message.
	BatchFlushed(kind string, updates, bytes, listeners int)
	// DocumentReleased counts ref count zero crossings.
	DocumentReleased(collection string)
}

// SessionMetrics covers transport sessions.
type SessionMetrics interface {
	SessionOpened()
	SessionClosed()
	MessageDropped(reason string)
}
