// Package auth parses bearer tokens into principals and enforces RBAC.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"

	"iats/internal/errs"
	"iats/pkg/types"
)

const principalKey = "iats.principal"

// Authenticator turns Authorization headers into principals.
type Authenticator struct {
	Enabled     bool
	SharedToken string
}

// devPrincipal is granted when auth is disabled.
func devPrincipal() types.Principal {
	return types.Principal{Subject: "dev-local", Role: types.RoleAdmin, Services: []string{"*"}, CanIngest: true}
}

// Authenticate resolves the principal for a raw Authorization header value.
func (a *Authenticator) Authenticate(header string) (types.Principal, error) {
	if !a.Enabled {
		return devPrincipal(), nil
	}
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return types.Principal{}, fmt.Errorf("%w: missing bearer token", errs.ErrUnauthenticated)
	}
	token := strings.TrimSpace(parts[1])

	if a.SharedToken != "" && token == a.SharedToken {
		return types.Principal{Subject: "shared-token", Role: types.RoleAdmin, Services: []string{"*"}, CanIngest: true}, nil
	}
	return decodeClaims(token)
}

// decodeClaims parses the dev token format: base64url JSON, optionally
// carrying a "dev." prefix. Unknown roles downgrade to viewer.
func decodeClaims(token string) (types.Principal, error) {
	raw := strings.TrimPrefix(token, "dev.")
	if padding := len(raw) % 4; padding != 0 {
		raw += strings.Repeat("=", 4-padding)
	}
	decoded, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return types.Principal{}, fmt.Errorf("%w: invalid auth token: %v", errs.ErrUnauthenticated, err)
	}
	var claims struct {
		Sub       string   `json:"sub"`
		Role      string   `json:"role"`
		Services  []string `json:"services"`
		CanIngest bool     `json:"can_ingest"`
	}
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return types.Principal{}, fmt.Errorf("%w: invalid auth token: %v", errs.ErrUnauthenticated, err)
	}
	role := types.UserRole(claims.Role)
	switch role {
	case types.RoleViewer, types.RoleResponder, types.RoleAdmin:
	default:
		role = types.RoleViewer
	}
	subject := claims.Sub
	if subject == "" {
		subject = "unknown"
	}
	return types.Principal{
		Subject:   subject,
		Role:      role,
		Services:  claims.Services,
		CanIngest: claims.CanIngest,
	}, nil
}

// Middleware authenticates every request in the group and stores the
// principal in the gin context.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := a.Authenticate(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{"error": err.Error()})
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// PrincipalFrom fetches the authenticated principal from the gin context.
func PrincipalFrom(c *gin.Context) types.Principal {
	if value, ok := c.Get(principalKey); ok {
		if principal, ok := value.(types.Principal); ok {
			return principal
		}
	}
	return types.Principal{Role: types.RoleViewer}
}
