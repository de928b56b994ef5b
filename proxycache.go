package s5b

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/opd-ai/s5b/protocol"
)

// discoverFunc asks a proxy JID for its network address.
type discoverFunc func(ctx context.Context, proxyJID string) (protocol.Candidate, error)

// proxyCache remembers discovered proxy addresses per domain. Concurrent
// lookups for the same domain share one query; failures are not cached.
type proxyCache struct {
	discover discoverFunc
	group    singleflight.Group

	mu      sync.RWMutex
	entries map[string]protocol.Candidate
}

func newProxyCache(discover discoverFunc) *proxyCache {
	return &proxyCache{discover: discover, entries: make(map[string]protocol.Candidate)}
}

// Cached returns the stored address for the domain of proxyJID.
func (c *proxyCache) Cached(proxyJID string) (protocol.Candidate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.entries[protocol.Domain(proxyJID)]
	return info, ok
}

// Lookup returns the cached address or runs discovery.
func (c *proxyCache) Lookup(ctx context.Context, proxyJID string) (protocol.Candidate, error) {
	if info, ok := c.Cached(proxyJID); ok {
		return info, nil
	}
	domain := protocol.Domain(proxyJID)
	ch := c.group.DoChan(domain, func() (interface{}, error) {
		// shared by every waiter, so it must outlive the first caller
		info, err := c.discover(context.WithoutCancel(ctx), proxyJID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[domain] = info
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "proxyCache.Lookup",
			"proxy":    proxyJID,
			"address":  info.Address(),
		}).Info("Discovered proxy streamhost")
		return info, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return protocol.Candidate{}, res.Err
		}
		return res.Val.(protocol.Candidate), nil
	case <-ctx.Done():
		return protocol.Candidate{}, ctx.Err()
	}
}

// Forget drops the entry for the domain of proxyJID.
func (c *proxyCache) Forget(proxyJID string) {
	c.mu.Lock()
	delete(c.entries, protocol.Domain(proxyJID))
	c.mu.Unlock()
}
