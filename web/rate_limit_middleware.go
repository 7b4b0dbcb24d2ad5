package web

import (
	"crypto/sha256"
	"encoding/hex"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/valhalla/jobcore/types"
)

// Request scopes. Each has a wildcard rule in DefaultRateLimitRules.
const (
	ScopeGlobal = "global"
	ScopeAPI    = "api"
	ScopeAuth   = "auth"
	ScopeUpload = "upload"
)

// DefaultRateLimitRules are seeded for scopes that have no rule yet.
func DefaultRateLimitRules() []types.RateLimitRule {
	return []types.RateLimitRule{
		{Scope: ScopeGlobal, Key: "*", WindowSeconds: 60, MaxRequests: 1000, Enabled: true, Description: "per client, every path"},
		{Scope: ScopeAPI, Key: "*", WindowSeconds: 60, MaxRequests: 100, Enabled: true, Description: "per client, /api"},
		{Scope: ScopeAuth, Key: "*", WindowSeconds: 60, MaxRequests: 10, Enabled: true, Description: "per client, /auth"},
		{Scope: ScopeUpload, Key: "*", WindowSeconds: 60, MaxRequests: 20, Enabled: true, Description: "per client, /upload"},
	}
}

func requestScope(path string) string {
	switch {
	case strings.Contains(path, "/auth"):
		return ScopeAuth
	case strings.Contains(path, "/upload"):
		return ScopeUpload
	case strings.Contains(path, "/api"):
		return ScopeAPI
	}
	return ScopeGlobal
}

// requestKey identifies the caller: a digest of the Authorization header when
// present, the peer address otherwise. Forwarding headers are not trusted.
func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		sum := sha256.Sum256([]byte(auth))
		return "user:" + hex.EncodeToString(sum[:8])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// rateLimitMiddleware rejects requests over their scope's budget with 429.
// A limiter failure lets the request through.
func (handler *HttpRouteHandler) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, key := requestScope(r.URL.Path), requestKey(r)
		decision, err := handler.manager.CheckRateLimit(r.Context(), scope, key)
		if err != nil {
			log.Printf("web: rate limit check failed for %s %s: %v", scope, key, err)
			next.ServeHTTP(w, r)
			return
		}

		if !decision.Allowed {
			retry := int(math.Ceil(decision.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate limit exceeded for " + scope,
				"retry_after": retry,
			})
			return
		}

		if decision.Limit >= 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		}
		next.ServeHTTP(w, r)
	})
}
