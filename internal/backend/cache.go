package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// UploadCache is a content-hash cache shared by the remote sandbox
// backends: uploads are skipped when the sandbox already holds identical
// bytes, and downloads record what the sandbox holds.
type UploadCache struct {
	mu     sync.Mutex
	hashes map[string]string
}

// NewUploadCache builds an empty cache.
func NewUploadCache() *UploadCache {
	return &UploadCache{hashes: make(map[string]string)}
}

func cacheKey(sandbox, path string) string { return sandbox + "\x00" + path }

// Changed reports whether data differs from what was last seen for the
// path. The hash is not recorded here: callers Record only after the
// upload lands, so a failed upload stays dirty for the next attempt.
func (c *UploadCache) Changed(sandbox, path string, data []byte) bool {
	sum := sha256.Sum256(data)
	h := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hashes[cacheKey(sandbox, path)] != h
}

// Record notes the sandbox's current content for a path (after a
// successful upload or download).
func (c *UploadCache) Record(sandbox, path string, data []byte) {
	sum := sha256.Sum256(data)
	c.mu.Lock()
	c.hashes[cacheKey(sandbox, path)] = hex.EncodeToString(sum[:])
	c.mu.Unlock()
}

// Forget drops every entry for a sandbox (after recreate).
func (c *UploadCache) Forget(sandbox string) {
	prefix := sandbox + "\x00"
	c.mu.Lock()
	for key := range c.hashes {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.hashes, key)
		}
	}
	c.mu.Unlock()
}
