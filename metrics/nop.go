package metrics

// Nop implements a no-op Collector.
//
// All metrics are discarded. Useful for tests and when metrics are disabled.
type Nop struct{}

var _ Collector = (*Nop)(nil)

// NewNop creates a no-op collector.
func NewNop() *Nop {
	return &Nop{}
}

func (n *Nop) FeedStarted(_, _ string) {}
func (n *Nop) FeedStopped(_, _ string) {}
func (n *Nop) FeedDegraded(_, _ string) {}
func (n *Nop) PublicationOpened(_ string) {}
func (n *Nop) PublicationClosed(_ string) {}
func (n *Nop) ListenerAttached(_ string) {}
func (n *Nop) ListenerDetached(_ string) {}
func (n *Nop) BatchFlushed(_ string, _, _, _ int) {}
func (n *Nop) DocumentReleased(_ string) {}
func (n *Nop) SessionOpened() {}
func (n *Nop) SessionClosed() {}
func (n *Nop) MessageDropped(_ string) {}

// OrNop returns c, or a Nop collector when c is nil.
func OrNop(c Collector) Collector {
	if c == nil {
		return NewNop()
	}
	return c
}
