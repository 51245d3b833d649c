package negentropy

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nostrrelay/sdk/internal/log"
)

// nip11Info is the subset of a NIP-11 relay information document this
// package inspects.
type nip11Info struct {
	SupportedNIPs []int `json:"supported_nips"`
}

type capEntry struct {
	supportsNegentropy bool
	checkedAt          time.Time
}

// CapabilityCache remembers, per relay URL, whether NIP-77 is supported,
// with a TTL matching config.Sync.CapabilityTTLHours.
type CapabilityCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]capEntry
}

// NewCapabilityCache builds a cache with the given TTL (default 7 days).
func NewCapabilityCache(ttl time.Duration) *CapabilityCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &CapabilityCache{ttl: ttl, entries: make(map[string]capEntry)}
}

// Supports reports whether url is known to support NIP-77, performing a
// fresh NIP-11 fetch if the cached entry is missing or expired.
func (c *CapabilityCache) Supports(ctx context.Context, url string) bool {
	c.mu.Lock()
	entry, ok := c.entries[url]
	fresh := ok && time.Since(entry.checkedAt) < c.ttl
	c.mu.Unlock()
	if fresh {
		return entry.supportsNegentropy
	}

	supports := c.detect(ctx, url)
	c.mu.Lock()
	c.entries[url] = capEntry{supportsNegentropy: supports, checkedAt: time.Now()}
	c.mu.Unlock()
	return supports
}

// MarkUnsupported records url as not supporting NIP-77, used when a live
// reconciliation attempt fails in a way that indicates the relay rejected
// the NEG-OPEN handshake outright.
func (c *CapabilityCache) MarkUnsupported(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[url] = capEntry{supportsNegentropy: false, checkedAt: time.Now()}
}

func (c *CapabilityCache) detect(ctx context.Context, wsURL string) bool {
	httpURL := strings.Replace(wsURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "application/nostr+json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf(logTag, "%s: NIP-11 fetch failed: %v (assuming no NIP-77)", wsURL, err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var info nip11Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return false
	}
	for _, nip := range info.SupportedNIPs {
		if nip == 77 {
			return true
		}
	}
	return false
}

// isUnsupportedError pattern-matches a relay's NEG-ERR / CLOSED reason
// text for signs the relay doesn't speak NIP-77 at all.
func isUnsupportedError(msg string) bool {
	msg = strings.ToLower(msg)
	for _, pattern := range []string{"unsupported", "unknown message", "neg-open", "neg-err", "negentropy", "invalid"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
