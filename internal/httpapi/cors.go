package httpapi

import (
	"net/http"
	"strings"

	"heartbeat_bot/internal/config"
)

const (
	corsAllowMethods = "GET, OPTIONS"
	corsAllowHeaders = "Content-Type"
	corsMaxAge       = "600"
)

// allowedOrigin returns the value for Access-Control-Allow-Origin, or "" when
// origin is not on the list.
func allowedOrigin(allow []string, origin string) string {
	if origin == "" {
		return ""
	}
	for _, o := range allow {
		switch {
		case o == "*":
			return "*"
		case strings.EqualFold(o, origin):
			return origin
		}
	}
	return ""
}

// withCORS answers preflight requests itself and decorates every response for
// origins on the allow list. The API is read-only, so only GET is advertised.
func withCORS(cfg config.CorsConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("Vary", "Origin")
		if origin := allowedOrigin(cfg.AllowOrigins, r.Header.Get("Origin")); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			if cfg.AllowCredentials && origin != "*" {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
