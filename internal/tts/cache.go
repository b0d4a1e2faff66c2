package tts

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// voiceCache holds one provider's voice listing keyed by a hash of the
// credentials that fetched it. There is no TTL: freshness is only
// verified by credential hash, so a rotated key forces a refetch.
type voiceCache struct {
	mu   sync.Mutex
	hash string
	list []VoiceInfo
}

func (c *voiceCache) cached(hash string) ([]VoiceInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.list == nil || c.hash != hash {
		return nil, false
	}
	out := make([]VoiceInfo, len(c.list))
	copy(out, c.list)
	return out, true
}

func (c *voiceCache) store(hash string, list []VoiceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hash = hash
	c.list = make([]VoiceInfo, len(list))
	copy(c.list, list)
}

// hashCreds derives the cache key from the credential material.
func hashCreds(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}
