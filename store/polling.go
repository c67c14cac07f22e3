package store

import (
	"github.com/teranos/batchpub/feed"
)

// pollingFeed is a Poller that also re-polls, throttled, whenever its
// store commits a write to the observed collection.
type pollingFeed struct {
	*feed.Poller
	observers *observers
}

func newPollingFeed(collection string, fetch feed.FetchFunc, obs *observers, opts Options) *pollingFeed {
	return &pollingFeed{
		Poller:    feed.NewPoller(collection, fetch, opts.pollerOptions()),
		observers: obs,
	}
}

func (p *pollingFeed) Observe(h feed.Handler) (feed.Handle, error) {
	p.observers.register(p.Collection(), p)
	handle, err := p.Poller.Observe(h)
	if err != nil {
		p.observers.unregister(p.Collection(), p)
		return nil, err
	}
	return feed.StopFunc(func() {
		p.observers.unregister(p.Collection(), p)
		handle.Stop()
	}), nil
}

// OnWrite pokes the poller.
func (p *pollingFeed) OnWrite(Write) { p.Poke() }
