// Package format converts between the Anthropic Messages API shapes the
// relay exposes and the Google Generative AI shapes the upstream consumes.
package format

import (
	"context"
	"sync"
	"time"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/pkg/redis"
)

// SignatureCache caches Gemini thoughtSignatures for tool calls and thinking
// blocks. Upstream requires thoughtSignature on tool calls, but most clients
// strip non-standard fields, so signatures are stored here and restored on
// the next request.
//
// In-memory entries are bounded with FIFO eviction. When a Redis client is
// provided it becomes the backing store and entries expire via TTL instead.
type SignatureCache struct {
	mu          sync.Mutex
	redisClient *redis.Client
	useRedis    bool

	capacity int

	toolSignatures map[string]string // toolUseID -> signature
	toolOrder      []string

	thinkingFamilies map[string]string // signature -> model family
	thinkingOrder    []string
}

// NewSignatureCache creates a cache. Pass nil to run memory-only.
func NewSignatureCache(redisClient *redis.Client) *SignatureCache {
	return &SignatureCache{
		redisClient:      redisClient,
		useRedis:         redisClient != nil,
		capacity:         config.SignatureCacheCapacity,
		toolSignatures:   make(map[string]string),
		thinkingFamilies: make(map[string]string),
	}
}

func (c *SignatureCache) ttl() time.Duration {
	return time.Duration(config.SignatureCacheTTLMs) * time.Millisecond
}

// CacheSignature stores a signature for a tool_use id.
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}

	if c.useRedis {
		_ = c.redisClient.SetSignature(context.Background(), toolUseID, signature, c.ttl())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.toolSignatures[toolUseID]; !exists {
		c.toolOrder = append(c.toolOrder, toolUseID)
		if len(c.toolOrder) > c.capacity {
			oldest := c.toolOrder[0]
			c.toolOrder = c.toolOrder[1:]
			delete(c.toolSignatures, oldest)
		}
	}
	c.toolSignatures[toolUseID] = signature
}

// GetCachedSignature retrieves the signature for a tool_use id, or "".
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	if c.useRedis {
		signature, err := c.redisClient.GetSignature(context.Background(), toolUseID)
		if err != nil {
			return ""
		}
		return signature
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.toolSignatures[toolUseID]
}

// CacheThinkingSignature records the model family a thinking signature came
// from. Short signatures are not worth tracking.
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if signature == "" || len(signature) < config.MinSignatureLength {
		return
	}

	if c.useRedis {
		_ = c.redisClient.SetThinkingSignature(context.Background(), signature, modelFamily, c.ttl())
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.thinkingFamilies[signature]; !exists {
		c.thinkingOrder = append(c.thinkingOrder, signature)
		if len(c.thinkingOrder) > c.capacity {
			oldest := c.thinkingOrder[0]
			c.thinkingOrder = c.thinkingOrder[1:]
			delete(c.thinkingFamilies, oldest)
		}
	}
	c.thinkingFamilies[signature] = modelFamily
}

// GetCachedSignatureFamily returns the model family recorded for a thinking
// signature, or "".
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}

	if c.useRedis {
		family, err := c.redisClient.GetThinkingSignature(context.Background(), signature)
		if err != nil {
			return ""
		}
		return family
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thinkingFamilies[signature]
}

// Len reports the number of in-memory tool signatures, for tests and stats.
func (c *SignatureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.toolSignatures)
}
