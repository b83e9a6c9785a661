package middleware

import "github.com/gin-gonic/gin"

// NoStore keeps proxies and browsers from caching exam definitions and results, which change
// with the exam status and differ per candidate.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
