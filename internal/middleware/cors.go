package middleware

import (
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/portfolio-risk/api/internal/config"
)

// CORS lets browser front ends call the identity API. Clients authenticate
// with bearer tokens, so cookies are never allowed cross-origin. With no
// origins configured the middleware does nothing.
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	if len(cfg.AllowedOrigins) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	methods := cfg.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "OPTIONS"}
	}
	headers := slices.Clone(cfg.AllowedHeaders)
	for _, h := range []string{"Content-Type", "Authorization", RequestIDHeader} {
		if !slices.Contains(headers, h) {
			headers = append(headers, h)
		}
	}

	return cors.New(cors.Config{
		AllowOrigins:  cfg.AllowedOrigins,
		AllowMethods:  methods,
		AllowHeaders:  headers,
		ExposeHeaders: []string{RequestIDHeader, "Retry-After"},
		MaxAge:        time.Duration(cfg.MaxAge) * time.Second,
	})
}
