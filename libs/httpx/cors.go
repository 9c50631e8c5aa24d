package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy describes which cross-origin callers the service accepts.
// An empty AllowedOrigins list disables CORS handling entirely.
type CORSPolicy struct {
	AllowedOrigins   []string // exact origins, or "*"
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

func WithCORS(p CORSPolicy) Middleware {
	origins := trimNonEmpty(p.AllowedOrigins)
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	methods := strings.Join(trimNonEmpty(p.AllowedMethods), ", ")
	headers := strings.Join(trimNonEmpty(p.AllowedHeaders), ", ")
	maxAge := ""
	if p.MaxAge > 0 {
		maxAge = strconv.Itoa(int(p.MaxAge.Seconds()))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allow := resolveOrigin(origin, origins, p.AllowCredentials)
			if allow == "" {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			if p.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if methods != "" {
				h.Set("Access-Control-Allow-Methods", methods)
			}
			if headers != "" {
				h.Set("Access-Control-Allow-Headers", headers)
			}
			if maxAge != "" {
				h.Set("Access-Control-Max-Age", maxAge)
			}
			h.Add("Vary", "Origin")

			// Preflight stops here.
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// resolveOrigin returns the value for Access-Control-Allow-Origin, or "" when
// the origin is not allowed. A wildcard with credentials must echo the origin;
// the literal "*" is rejected by browsers in that combination.
func resolveOrigin(origin string, allowed []string, credentials bool) string {
	if origin == "" {
		return ""
	}
	for _, a := range allowed {
		if a == "*" {
			if credentials {
				return origin
			}
			return "*"
		}
		if strings.EqualFold(a, origin) {
			return origin
		}
	}
	return ""
}

func trimNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
