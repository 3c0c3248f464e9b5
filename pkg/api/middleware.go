package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/domaindetermine/governance/pkg/auth"
)

// AuditMiddleware extracts the caller identity from the audit headers.
// Mutating methods additionally require a change reason; requests
// without the full trio are rejected before any handler runs.
func AuditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(auth.HeaderActor))
		tenant := strings.TrimSpace(r.Header.Get(auth.HeaderTenant))
		reason := strings.TrimSpace(r.Header.Get(auth.HeaderReason))

		if actor == "" {
			WriteUnauthorized(w, r, "X-Actor header is required")
			return
		}
		if tenant == "" {
			WriteUnauthorized(w, r, "X-Tenant header is required")
			return
		}
		if reason == "" && r.Method != http.MethodGet && r.Method != http.MethodHead {
			WriteUnauthorized(w, r, "X-Reason header is required for mutating requests")
			return
		}

		id := &auth.Identity{
			Actor:  actor,
			Roles:  auth.ParseRoles(r.Header.Get(auth.HeaderRoles)),
			Tenant: tenant,
			Reason: reason,
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// RequireRoles guards a handler: the identity must carry at least one
// of the given roles.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := auth.IdentityFrom(r.Context())
			if err != nil {
				WriteUnauthorized(w, r, "")
				return
			}
			if !id.HasAnyRole(roles...) {
				WriteForbidden(w, r, "requires one of roles: "+strings.Join(roles, ", "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GlobalRateLimiter applies a per-IP request limit in front of the
// tenant quotas, as a blunt instrument against abusive clients.
type GlobalRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates a limiter allowing rps requests per
// second with the given burst, per client IP.
func NewGlobalRateLimiter(rps, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[ip] = &visitor{limiter, time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// cleanupVisitors drops entries idle for more than 3 minutes.
func (rl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(1 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns the enforcing handler wrapper.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}

		if !rl.getVisitor(ip).Allow() {
			WriteTooManyRequests(w, r, "requests_per_second", 5, "request rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
