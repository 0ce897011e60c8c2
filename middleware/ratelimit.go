package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleCutoff    = 10 * time.Minute
)

type clientLimiter struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimit applies a per-client-IP token bucket: r tokens per second with
// burst b. Buckets idle past limiterIdleCutoff are swept so the map cannot
// grow with one-off clients.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	var clients sync.Map

	go func() {
		t := time.NewTicker(limiterSweepInterval)
		defer t.Stop()
		for range t.C {
			cutoff := time.Now().Add(-limiterIdleCutoff)
			clients.Range(func(k, v interface{}) bool {
				if v.(*clientLimiter).lastSeen.Before(cutoff) {
					clients.Delete(k)
				}
				return true
			})
		}
	}()

	return func(c *gin.Context) {
		v, _ := clients.LoadOrStore(c.ClientIP(), &clientLimiter{bucket: rate.NewLimiter(r, b)})
		cl := v.(*clientLimiter)
		cl.lastSeen = time.Now()
		if !cl.bucket.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"kind":  "rate_limited",
			})
			return
		}
		c.Next()
	}
}
