package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/smartui-fusion/fusionhub/internal/auth"
)

// identityCtxKey keys the authenticated identity in a request context.
type identityCtxKey struct{}

// bearerToken extracts the credential from an Authorization header. Scheme
// matching is case-insensitive per RFC 9110.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// authMiddleware resolves the bearer token to an account identity and makes
// it available to downstream handlers via the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		identity, err := s.auth.ValidateToken(r.Context(), token)
		if err != nil {
			s.logger.Debug("token rejected", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "token expired or invalid")
			return
		}
		ctx := context.WithValue(r.Context(), identityCtxKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole guards a route subtree behind a role. Runs after
// authMiddleware, which populates the identity.
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identityFrom(r.Context())
			if id == nil || id.Role != role {
				writeError(w, http.StatusForbidden, role+" role required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// identityFrom returns the authenticated identity, or nil outside the
// authenticated route group.
func identityFrom(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityCtxKey{}).(*auth.Identity)
	return id
}

// securityHeaders go on every response. Microphone access stays allowed for
// the page itself: clients capture voice commands in the browser and send
// the hub a transcript.
var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
	"Referrer-Policy":        "no-referrer",
	"Permissions-Policy":     "camera=(), geolocation=(), microphone=(self)",
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for k, v := range securityHeaders {
			h.Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

// corsPolicy answers cross-origin browser requests for the configured
// origins. A lone "*" allows everything; the hub warns about that at
// startup.
type corsPolicy struct {
	any     bool
	origins map[string]struct{}
}

func newCORSPolicy(allowed []string) *corsPolicy {
	p := &corsPolicy{origins: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		if o == "*" {
			p.any = true
			continue
		}
		p.origins[o] = struct{}{}
	}
	return p
}

func (p *corsPolicy) allow(origin string) bool {
	if p.any {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

func (p *corsPolicy) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		origin := r.Header.Get("Origin")
		if origin != "" && p.allow(origin) {
			if p.any {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "300")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
