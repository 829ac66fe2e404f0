package remoteasg

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/bradfitz/gomemcache/memcache"
)

// cacheTTLSeconds bounds how long a fetched task document is reused
// for a repeat poll of the same URL, per SPEC_FULL.md §4.4: the
// tracker polls every ~1s, well inside the remote service's own
// update cadence, so a short cache absorbs most of that traffic
// without masking a real status change for long.
const cacheTTLSeconds = 1

// CachedClient wraps Client with a short-TTL memcache layer in front
// of FetchTask, grounded on registry/memcache/memcached.go's
// memcacheClient in the teacher repository.
type CachedClient struct {
	*Client
	cache *memcache.Client
}

// NewCached wraps an existing Client with a memcache-backed task
// cache. addr is a "host:port" memcache server address.
func NewCached(client *Client, addr string) *CachedClient {
	return &CachedClient{
		Client: client,
		cache:  memcache.New(addr),
	}
}

// cacheKey composes the memcache key from the task URL and the
// caller's last-seen updateTime, per SPEC_FULL.md §4.4. Folding in the
// last-seen value keys the entry to a particular remote state rather
// than just the URL, so a poll that already knows the remote document
// hasn't changed since its last look can be served from cache.
func cacheKey(taskURL, lastSeenUpdateTime string) string {
	return taskURL + "|" + lastSeenUpdateTime
}

func (c *CachedClient) FetchTask(ctx context.Context, taskURL, lastSeenUpdateTime string) (*TaskDoc, error) {
	key := cacheKey(taskURL, lastSeenUpdateTime)
	if item, err := c.cache.Get(key); err == nil {
		var doc TaskDoc
		if json.NewDecoder(bytes.NewReader(item.Value)).Decode(&doc) == nil {
			return &doc, nil
		}
		// A corrupt cache entry falls through to a live fetch.
	}

	doc, err := c.Client.FetchTask(ctx, taskURL, lastSeenUpdateTime)
	if err != nil {
		return nil, err
	}

	if raw, marshalErr := json.Marshal(doc); marshalErr == nil {
		_ = c.cache.Set(&memcache.Item{Key: key, Value: raw, Expiration: cacheTTLSeconds})
	}
	return doc, nil
}
