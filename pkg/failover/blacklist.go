package failover

// Blacklist keeps proxyID out of failover candidates for the configured TTL.
func (c *Controller) Blacklist(proxyID string) {
	c.mu.Lock()
	c.blacklist[proxyID] = c.now().Add(c.opts.BlacklistTTL)
	c.mu.Unlock()
	c.logger.Debug("proxy blacklisted", "proxyID", proxyID, "ttl", c.opts.BlacklistTTL)
}

func (c *Controller) IsBlacklisted(proxyID string) bool {
	c.mu.RLock()
	until, ok := c.blacklist[proxyID]
	c.mu.RUnlock()
	return ok && c.now().Before(until)
}

// Unblacklist lifts a ban early.
func (c *Controller) Unblacklist(proxyID string) {
	c.mu.Lock()
	delete(c.blacklist, proxyID)
	c.mu.Unlock()
}

// blacklisted prunes expired bans and returns the live ones as a set.
func (c *Controller) blacklisted() map[string]bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]bool, len(c.blacklist))
	for id, until := range c.blacklist {
		if !now.Before(until) {
			delete(c.blacklist, id)
			continue
		}
		out[id] = true
	}
	return out
}

// Blacklisted lists the proxies currently banned.
func (c *Controller) Blacklisted() []string {
	set := c.blacklisted()
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
