package config

import (
	"github.com/teranos/batchpub/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path cannot be empty for the sqlite driver")
		}
	default:
		return errors.Newf("database.driver must be %q or %q, got %q", DriverMemory, DriverSQLite, c.Database.Driver)
	}

	// Server port: 0 is invalid (omit for default), negative is invalid
	if c.Server.Port != nil && *c.Server.Port == 0 {
		return errors.Newf("server.port cannot be 0 (omit for default port %d)", DefaultServerPort)
	}
	if c.Server.Port != nil && (*c.Server.Port < 0 || *c.Server.Port > 65535) {
		return errors.Newf("server.port must be between 1 and 65535, got %d", *c.Server.Port)
	}
	if c.Server.MaxSessions < 0 {
		return errors.Newf("server.max_sessions must be >= 0, got %d", c.Server.MaxSessions)
	}
	if c.Server.SendBuffer <= 0 {
		return errors.Newf("server.send_buffer must be > 0, got %d", c.Server.SendBuffer)
	}

	if c.Feed.PollIntervalMS < 0 {
		return errors.Newf("feed.poll_interval_ms must be >= 0, got %d", c.Feed.PollIntervalMS)
	}
	if c.Feed.PollThrottleMS < 0 {
		return errors.Newf("feed.poll_throttle_ms must be >= 0, got %d", c.Feed.PollThrottleMS)
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return errors.New("metrics.path cannot be empty when metrics are enabled")
	}

	seen := make(map[string]bool, len(c.Publications))
	for i, p := range c.Publications {
		if p.Name == "" {
			return errors.Newf("publications[%d].name cannot be empty", i)
		}
		if seen[p.Name] {
			return errors.Wrapf(errors.ErrDuplicatePublication, "publications[%d] %s", i, p.Name)
		}
		seen[p.Name] = true
		if err := p.validate(); err != nil {
			return errors.Wrapf(err, "publications[%d] %s", i, p.Name)
		}
	}

	return nil
}

func (p PublicationConfig) validate() error {
	if p.Collection == "" {
		return errors.WithStack(errors.ErrMissingCollection)
	}
	if p.Skip < 0 || p.Limit < 0 {
		return errors.New("skip and limit must be >= 0")
	}
	if p.Upstream != nil {
		if p.Upstream.URL == "" || p.Upstream.Publication == "" {
			return errors.New("upstream needs url and publication")
		}
		if len(p.Children) > 0 {
			return errors.New("upstream publications cannot have children")
		}
	}
	for i, c := range p.Children {
		if err := c.validate(); err != nil {
			return errors.Wrapf(err, "children[%d]", i)
		}
	}
	return nil
}

func (c ChildConfig) validate() error {
	if c.Collection == "" {
		return errors.WithStack(errors.ErrMissingCollection)
	}
	if c.LocalField == "" || c.ForeignField == "" {
		return errors.Newf("child of %s needs local_field and foreign_field", c.Collection)
	}
	for i, gc := range c.Children {
		if err := gc.validate(); err != nil {
			return errors.Wrapf(err, "children[%d]", i)
		}
	}
	return nil
}
