package api

import (
	"net/http"
	"time"

	"github.com/rs/cors"
)

// newCORS builds the CORS policy for browser replicas. With no configured
// origins it returns nil and no CORS headers are ever set.
func newCORS(origins []string) *cors.Cors {
	if len(origins) == 0 {
		return nil
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Device-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	})
}

// corsMiddleware applies c, or passes through when c is nil.
func corsMiddleware(c *cors.Cors) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return c.Handler(next)
	}
}
