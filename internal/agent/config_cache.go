package agent

import (
	"encoding/json"
	"sync"
	"time"
)

// ConfigCache keeps the latest configuration the Agent pushed in reply to
// the sync request sent on every connect.
type ConfigCache struct {
	mu        sync.RWMutex
	content   json.RawMessage
	updatedAt time.Time
}

func (c *ConfigCache) Handle(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = append(json.RawMessage(nil), msg.Content...)
	c.updatedAt = time.Now()
}

func (c *ConfigCache) Get() (json.RawMessage, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.content, c.updatedAt
}
