// Package streamcache keeps one reusable network client per upstream
// host for fetching remote objects during reduce-phase input delivery.
// The set of upstream hosts is small and bounded by active zones, so
// clients live for the process lifetime and are never evicted.
package streamcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/seawork/trawler/internal/shared/errdefs"
)

type Cache struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

func New() *Cache {
	return &Cache{clients: make(map[string]*http.Client)}
}

// Client returns the host's client, creating it on first use. At most
// one client object exists per host.
func (c *Cache) Client(host string) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.clients[host]
	if !ok {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
		c.clients[host] = client
	}
	return client
}

// Len reports the number of cached clients.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Fetch streams a remote object from the given upstream host. The
// caller owns the returned body.
func (c *Cache) Fetch(ctx context.Context, host, key string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+key, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s from %s: %w", key, host, err)
	}

	resp, err := c.Client(host).Do(req)
	if err != nil {
		return nil, &errdefs.TransportError{Op: "fetch " + key, Err: err}
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, &errdefs.NotFoundError{Key: key}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &errdefs.TransportError{Op: "fetch " + key, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return resp.Body, nil
}
