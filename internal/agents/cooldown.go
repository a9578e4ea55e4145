package agents

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const cooldownCap = 200

// Cooldown suppresses burst duplication per (user, channel, agent): a
// second event landing inside window is a no-op. Bounded to cooldownCap
// entries; once full, the oldest half (by last-fired time) is evicted in
// one pass rather than evicting one entry per insert, keeping the common
// case (well under the cap) allocation-free. Keys are SHA-256 hashes
// rather than the raw (user, channel, agent) tuple so PII never sits in
// process memory, following the same crypto/sha256 content-hash
// convention internal/intake uses for upload dedup.
type Cooldown struct {
	window time.Duration

	mu       sync.Mutex
	lastFire map[string]time.Time
}

// NewCooldown constructs a Cooldown with the given suppression window.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{window: window, lastFire: map[string]time.Time{}}
}

// Check reports whether an event for (userID, channelKey, agent) at now
// is suppressed by an active cooldown, and if not, records now as the
// new last-fire time.
func (c *Cooldown) Check(userID uuid.UUID, channelKey string, agent AgentName, now time.Time) bool {
	key := cooldownKey(userID, channelKey, agent)

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.lastFire[key]; ok && now.Sub(last) < c.window {
		return true
	}

	c.lastFire[key] = now

	if len(c.lastFire) > cooldownCap {
		c.evictOldestHalf()
	}

	return false
}

// Len reports the current number of tracked keys.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.lastFire)
}

func (c *Cooldown) evictOldestHalf() {
	type entry struct {
		key string
		at  time.Time
	}

	entries := make([]entry, 0, len(c.lastFire))
	for k, v := range c.lastFire {
		entries = append(entries, entry{k, v})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	for _, e := range entries[:len(entries)/2] {
		delete(c.lastFire, e.key)
	}
}

func cooldownKey(userID uuid.UUID, channelKey string, agent AgentName) string {
	h := sha256.New()
	h.Write(userID[:])
	h.Write([]byte(channelKey))
	h.Write([]byte(agent))

	return hex.EncodeToString(h.Sum(nil))
}
