package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ctxKeyHash is the gin context key carrying the caller's API key hash.
const ctxKeyHash = "api_key_hash"

// errorResponse is the standard error body.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func abortWith(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: msg, Code: code})
}

// keyHash16 is the first 16 hex characters of the key's SHA-256, used to
// identify callers in events and logs without exposing the key.
func keyHash16(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// apiKeyAuth validates the X-API-Key header against the configured keys
// and stores the key hash for downstream handlers. With no keys configured
// the service runs open (local development).
func apiKeyAuth(keys []string) gin.HandlerFunc {
	hashed := make([][32]byte, len(keys))
	for i, k := range keys {
		hashed[i] = sha256.Sum256([]byte(k))
	}
	return func(c *gin.Context) {
		if len(hashed) == 0 {
			c.Set(ctxKeyHash, "")
			c.Next()
			return
		}
		key := c.GetHeader("X-API-Key")
		if key == "" {
			abortWith(c, http.StatusUnauthorized, "API_KEY_MISSING", "API key is required")
			return
		}
		sum := sha256.Sum256([]byte(key))
		for _, h := range hashed {
			if subtle.ConstantTimeCompare(sum[:], h[:]) == 1 {
				c.Set(ctxKeyHash, hex.EncodeToString(sum[:])[:16])
				c.Next()
				return
			}
		}
		abortWith(c, http.StatusUnauthorized, "INVALID_API_KEY", "Invalid API key")
	}
}

// keyLimiter tracks one caller's limiter and when it was last used.
type keyLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiters hands out per-caller limiters and expires idle ones.
type rateLimiters struct {
	mu       sync.Mutex
	limiters map[string]*keyLimiter
	rps      rate.Limit
	burst    int
}

func newRateLimiters(rps float64, burst int) *rateLimiters {
	rl := &rateLimiters{
		limiters: make(map[string]*keyLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.sweep()
	return rl
}

func (rl *rateLimiters) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	kl, ok := rl.limiters[key]
	if !ok {
		kl = &keyLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[key] = kl
	}
	kl.lastSeen = time.Now()
	return kl.limiter
}

func (rl *rateLimiters) sweep() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		rl.mu.Lock()
		for key, kl := range rl.limiters {
			if kl.lastSeen.Before(cutoff) {
				delete(rl.limiters, key)
			}
		}
		rl.mu.Unlock()
	}
}

// rateLimit throttles per API key hash, falling back to client IP when the
// service runs without keys.
func rateLimit(rl *rateLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(ctxKeyHash)
		if key == "" {
			key = c.ClientIP()
		}
		if !rl.get(key).Allow() {
			abortWith(c, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
			return
		}
		c.Next()
	}
}

// requestLogger logs one structured line per request, skipping health probes.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("caller", c.GetString(ctxKeyHash)),
		)
	}
}

// recovery turns panics into 500s instead of dropped connections.
func recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error("panic recovered",
			zap.Any("error", recovered),
			zap.String("path", c.Request.URL.Path))
		abortWith(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	})
}
