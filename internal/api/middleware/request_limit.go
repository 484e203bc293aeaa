// Package middleware provides HTTP middleware for the relaymux server.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// DefaultMaxRequestSize is the maximum inbound request body size. Large
// enough for long contexts and base64-encoded images.
const DefaultMaxRequestSize = 50 * 1024 * 1024

// RequestSizeLimit caps request body size with http.MaxBytesReader,
// which returns 413 and closes the connection when exceeded.
func RequestSizeLimit(maxBytes int64) gin.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestSize
	}
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
