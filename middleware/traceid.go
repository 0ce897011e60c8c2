package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	TraceIDKey    = "trace_id"
	TraceIDHeader = "X-Trace-ID"
)

// TraceID tags every request with a trace ID. A caller-supplied header wins
// so a gateway in front of us can correlate its own logs with ours; otherwise
// a fresh UUID is minted. The ID is echoed back in the response header.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(TraceIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(TraceIDKey, id)
		c.Header(TraceIDHeader, id)
		c.Next()
	}
}

// GetTraceID returns the request's trace ID, or "" outside TraceID.
func GetTraceID(c *gin.Context) string {
	id, _ := c.Value(TraceIDKey).(string)
	return id
}
