package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tansucloud/tansucloud/pkg/config"
	"github.com/tansucloud/tansucloud/pkg/problem"
)

// AdminScope grants every resource scope.
const AdminScope = "admin.full"

// Claims is the verified identity attached to a request.
type Claims struct {
	Subject        string
	Audience       string
	TenantID       string
	ImpersonatedBy string
	Scopes         []string
}

// HasScope reports whether the claims carry the scope or admin.full.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || s == AdminScope {
			return true
		}
	}
	return false
}

// Verifier validates a bearer token and returns its claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (*Claims, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (*Claims, error) {
	return f(ctx, token)
}

// ClaimsFrom returns the verified claims for the request, or nil.
func ClaimsFrom(ctx context.Context) *Claims {
	v, _ := ctx.Value(ctxKeyClaims).(*Claims)
	return v
}

// RequireScope authenticates the bearer token and checks the scope. The
// audience check is relaxed in Development so local setups do not need real
// issuer configuration.
func RequireScope(verifier Verifier, scope, audience string, env config.Environment) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				problem.AuthRequired(w)
				return
			}
			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				problem.AuthRequired(w)
				return
			}
			if audience != "" && !env.IsDevelopment() && claims.Audience != audience {
				problem.AuthRequired(w)
				return
			}
			if scope != "" && !claims.HasScope(scope) {
				problem.Forbidden(w, fmt.Sprintf("missing required scope %s", scope), r.URL.Path)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}
